package configstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewResolver(store, nil)
}

func mustUpsert(t *testing.T, r *Resolver, scope types.ConfigScope, target, content string) *types.Configuration {
	t.Helper()
	cfg, err := r.Upsert(context.Background(), scope, target, json.RawMessage(content), "test")
	require.NoError(t, err)
	return cfg
}

func TestResolvePrecedence(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	mustUpsert(t, r, types.ScopeGlobal, "", `{"heartbeat":{"interval":60},"log_level":"info","features":["a"]}`)
	mustUpsert(t, r, types.ScopeToken, "tok_fleet", `{"heartbeat":{"interval":30},"features":["b","c"]}`)
	mustUpsert(t, r, types.ScopeDevice, "dev_1", `{"log_level":"debug"}`)

	got, err := r.Resolve(ctx, &types.Device{ID: "dev_1", EnrollmentToken: "tok_fleet"})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got.Config, &doc))

	// Device beats token beats global; nested objects merge key by key.
	assert.Equal(t, "debug", doc["log_level"])
	hb := doc["heartbeat"].(map[string]any)
	assert.Equal(t, float64(30), hb["interval"])
	// Arrays replace wholesale, never concatenate.
	assert.Equal(t, []any{"b", "c"}, doc["features"])
}

func TestResolveNestedMergeKeepsSiblings(t *testing.T) {
	r := newTestResolver(t)

	mustUpsert(t, r, types.ScopeGlobal, "", `{"agent":{"update_channel":"stable","telemetry":true}}`)
	mustUpsert(t, r, types.ScopeDevice, "dev_1", `{"agent":{"telemetry":false}}`)

	got, err := r.Resolve(context.Background(), &types.Device{ID: "dev_1", EnrollmentToken: "tok_x"})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got.Config, &doc))
	agent := doc["agent"].(map[string]any)
	assert.Equal(t, "stable", agent["update_channel"])
	assert.Equal(t, false, agent["telemetry"])
}

func TestResolveNoLayers(t *testing.T) {
	r := newTestResolver(t)

	got, err := r.Resolve(context.Background(), &types.Device{ID: "dev_1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.Config))
	assert.NotZero(t, got.Version)
}

func TestResolveSkipsMalformedLayer(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	mustUpsert(t, r, types.ScopeGlobal, "", `{"log_level":"info"}`)
	// Corrupt the device layer behind the resolver's validation.
	_, err := r.store.UpsertConfiguration(ctx, &types.Configuration{
		Scope:     types.ScopeDevice,
		TargetID:  "dev_1",
		Content:   json.RawMessage(`not json`),
		UpdatedBy: "test",
		UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	got, err := r.Resolve(ctx, &types.Device{ID: "dev_1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"log_level":"info"}`, string(got.Config))
}

func TestResolveVersionTracksClock(t *testing.T) {
	r := newTestResolver(t)

	now := time.Now()
	r.SetClock(func() time.Time { return now })

	got, err := r.Resolve(context.Background(), &types.Device{ID: "dev_1"})
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), got.Version)
}

func TestUpsertValidation(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		scope   types.ConfigScope
		target  string
		content string
		wantErr error
	}{
		{"unknown scope", "galaxy", "", `{}`, ErrInvalidScope},
		{"global with target", types.ScopeGlobal, "dev_1", `{}`, ErrBadTarget},
		{"device without target", types.ScopeDevice, "", `{}`, ErrBadTarget},
		{"token without target", types.ScopeToken, "", `{}`, ErrBadTarget},
		{"array content", types.ScopeGlobal, "", `[1,2]`, ErrBadContent},
		{"scalar content", types.ScopeDevice, "dev_1", `42`, ErrBadContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Upsert(ctx, tt.scope, tt.target, json.RawMessage(tt.content), "test")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUpsertReplacesLayer(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	first := mustUpsert(t, r, types.ScopeDevice, "dev_1", `{"a":1}`)
	second := mustUpsert(t, r, types.ScopeDevice, "dev_1", `{"a":2}`)
	assert.Equal(t, first.ID, second.ID)

	got, err := r.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(got.Content))
}

func TestGetAndDelete(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	cfg := mustUpsert(t, r, types.ScopeGlobal, "", `{"a":1}`)

	got, err := r.Get(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScopeGlobal, got.Scope)

	require.NoError(t, r.Delete(ctx, cfg.ID))
	_, err = r.Get(ctx, cfg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, cfg.ID), ErrNotFound)
}
