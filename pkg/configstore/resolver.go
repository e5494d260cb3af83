// Package configstore resolves layered configuration. Three scopes stack:
// global, then the device's enrollment token, then the device itself.
// Objects merge key by key recursively; arrays and scalars replace
// wholesale.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/burrowhq/warden/pkg/enroll"
	"github.com/burrowhq/warden/pkg/events"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
)

var (
	// ErrInvalidScope means the scope is outside the enumerated set.
	ErrInvalidScope = errors.New("invalid config scope")

	// ErrBadTarget means the target id does not fit the scope: global
	// forbids one, token and device require one.
	ErrBadTarget = errors.New("target id does not match scope")

	// ErrBadContent means the content is not a JSON object.
	ErrBadContent = errors.New("config content must be a JSON object")

	// ErrNotFound means no configuration row exists for the scope/target.
	ErrNotFound = errors.New("configuration not found")
)

// Resolved is a merged configuration with the version agents compare
// against their cached copy.
type Resolved struct {
	Config  json.RawMessage `json:"config"`
	Version int64           `json:"config_version"` // ms epoch of resolution
}

// Resolver merges configuration layers from the relational store.
type Resolver struct {
	store  storage.Store
	broker *events.Broker

	// now is swappable in tests
	now func() time.Time
}

// NewResolver creates a resolver over the relational store.
func NewResolver(store storage.Store, broker *events.Broker) *Resolver {
	return &Resolver{store: store, broker: broker, now: time.Now}
}

// SetClock overrides the clock; used by tests to pin versions.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Resolve merges the configuration layers for one device. A device with
// no recorded enrollment token falls back to the default token layer.
func (r *Resolver) Resolve(ctx context.Context, device *types.Device) (*Resolved, error) {
	token := device.EnrollmentToken
	if token == "" {
		token = enroll.DefaultToken
	}

	layers, err := r.store.ConfigLayers(ctx, token, device.ID)
	if err != nil {
		return nil, fmt.Errorf("load config layers: %w", err)
	}

	merged := map[string]any{}
	for _, layer := range layers {
		var doc map[string]any
		if err := json.Unmarshal(layer.Content, &doc); err != nil {
			// A malformed layer cannot poison resolution for every device
			// under it; skip and keep the rest of the stack.
			continue
		}
		merged = deepMerge(merged, doc)
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	return &Resolved{Config: out, Version: r.now().UnixMilli()}, nil
}

// Upsert validates and stores one configuration layer.
func (r *Resolver) Upsert(ctx context.Context, scope types.ConfigScope, targetID string, content json.RawMessage, updatedBy string) (*types.Configuration, error) {
	if !types.ValidConfigScope(scope) {
		return nil, ErrInvalidScope
	}
	if scope == types.ScopeGlobal && targetID != "" {
		return nil, ErrBadTarget
	}
	if scope != types.ScopeGlobal && targetID == "" {
		return nil, ErrBadTarget
	}
	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, ErrBadContent
	}

	cfg, err := r.store.UpsertConfiguration(ctx, &types.Configuration{
		Scope:     scope,
		TargetID:  targetID,
		Content:   content,
		UpdatedBy: updatedBy,
		UpdatedAt: r.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:      events.EventConfigUpdated,
			Timestamp: r.now(),
			Metadata: map[string]string{
				"scope":     string(scope),
				"target_id": targetID,
			},
		})
	}
	return cfg, nil
}

// Get returns one configuration layer by id.
func (r *Resolver) Get(ctx context.Context, id int64) (*types.Configuration, error) {
	cfg, err := r.store.GetConfiguration(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// List returns every configuration layer.
func (r *Resolver) List(ctx context.Context) ([]*types.Configuration, error) {
	return r.store.ListConfigurations(ctx)
}

// Delete removes one configuration layer by id.
func (r *Resolver) Delete(ctx context.Context, id int64) error {
	err := r.store.DeleteConfiguration(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// deepMerge folds overlay into base. Objects merge recursively; any other
// value, arrays included, replaces the base value.
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		ov, overlayIsMap := v.(map[string]any)
		bv, baseIsMap := out[k].(map[string]any)
		if overlayIsMap && baseIsMap {
			out[k] = deepMerge(bv, ov)
			continue
		}
		out[k] = v
	}
	return out
}
