package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/warden/pkg/audit"
	"github.com/burrowhq/warden/pkg/commands"
	"github.com/burrowhq/warden/pkg/configstore"
	"github.com/burrowhq/warden/pkg/crypto"
	"github.com/burrowhq/warden/pkg/enroll"
	"github.com/burrowhq/warden/pkg/heartbeat"
	"github.com/burrowhq/warden/pkg/ratelimit"
	"github.com/burrowhq/warden/pkg/replay"
	"github.com/burrowhq/warden/pkg/settings"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/tasks"
)

const adminKey = "test-admin-key"

var nonceCounter int64

func nextNonce() string {
	return fmt.Sprintf("nonce-%016d", atomic.AddInt64(&nonceCounter, 1))
}

type apiFixture struct {
	ts         *httptest.Server
	deviceID   string
	privateKey string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	kv, err := storage.NewKV(dir)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	cfg := &settings.Settings{
		Environment:       "test",
		ListenAddr:        "127.0.0.1:0",
		DataDir:           dir,
		HeartbeatInterval: time.Minute,
		NonceWindow:       5 * time.Minute,
		SessionTimeout:    time.Hour,
		MaxFileSize:       settings.DefaultMaxFileSize,
		AdminAPIKey:       adminKey,
	}

	tokens := enroll.NewTokenService(kv, store, cfg.Environment)
	gate := enroll.NewGate(store, tokens, "", "", cfg.SessionTimeout)
	ledger := replay.NewLedger(kv, cfg.NonceWindow)
	limiter := ratelimit.NewLimiter(kv)
	reconciler := tasks.NewReconciler(store, nil)
	configs := configstore.NewResolver(store, nil)
	queue := commands.NewQueue(kv, nil)
	engine := heartbeat.NewEngine(store, ledger, limiter, reconciler, configs, nil, cfg.HeartbeatInterval, cfg.SessionTimeout)
	auditor := audit.NewIngestor(store)

	srv := NewServer(cfg, store, kv, gate, tokens, engine, queue, reconciler, configs, auditor, ledger, limiter, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	f := &apiFixture{ts: ts}
	f.enroll(t)
	return f
}

// enroll registers one agent and keeps its identity for signed requests.
func (f *apiFixture) enroll(t *testing.T) {
	t.Helper()
	resp := f.postJSON(t, "/agent/enroll", map[string]any{
		"platform":    "linux",
		"version":     "1.0.0",
		"mac_address": "aa:bb:cc:dd:ee:ff",
	})
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	f.deviceID = resp.body["device_id"].(string)
	f.privateKey = resp.body["private_key"].(string)
	require.NotEmpty(t, f.deviceID)
	require.NotEmpty(t, f.privateKey)
}

type jsonResponse struct {
	code    int
	headers http.Header
	body    map[string]any
	raw     string
}

func (f *apiFixture) do(t *testing.T, req *http.Request) jsonResponse {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := jsonResponse{code: resp.StatusCode, headers: resp.Header, raw: string(raw)}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out.body)
	}
	return out
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) jsonResponse {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req)
}

func (f *apiFixture) postRaw(t *testing.T, path string, body []byte) jsonResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req)
}

func (f *apiFixture) admin(t *testing.T, method, path string, body any) jsonResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else if method != http.MethodGet && method != http.MethodDelete {
		reader = bytes.NewReader([]byte(`{}`))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req)
}

// signBody fills in the identity fields, signs the canonical form, and
// returns the wire bytes.
func (f *apiFixture) signBody(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	if fields == nil {
		fields = map[string]any{}
	}
	timestamp := time.Now().UnixMilli()
	fields["device_id"] = f.deviceID
	fields["timestamp"] = timestamp
	fields["nonce"] = nextNonce()

	unsigned, err := json.Marshal(fields)
	require.NoError(t, err)
	extra, err := crypto.ExtraFields(unsigned)
	require.NoError(t, err)
	payload, err := crypto.BuildPayload(f.deviceID, timestamp, fields["nonce"].(string), extra)
	require.NoError(t, err)
	sig, err := crypto.Sign(f.privateKey, payload)
	require.NoError(t, err)

	fields["signature"] = sig
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return body
}

// pollCommands issues a signed GET /agent/command.
func (f *apiFixture) pollCommands(t *testing.T, limit int) jsonResponse {
	t.Helper()
	timestamp := time.Now().UnixMilli()
	nonce := nextNonce()

	extra := map[string]any{}
	q := url.Values{}
	q.Set("device_id", f.deviceID)
	q.Set("timestamp", strconv.FormatInt(timestamp, 10))
	q.Set("nonce", nonce)
	if limit > 0 {
		raw := strconv.Itoa(limit)
		q.Set("limit", raw)
		extra["limit"] = json.Number(raw)
	}

	payload, err := crypto.BuildPayload(f.deviceID, timestamp, nonce, extra)
	require.NoError(t, err)
	sig, err := crypto.Sign(f.privateKey, payload)
	require.NoError(t, err)
	q.Set("signature", sig)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/agent/command?"+q.Encode(), nil)
	require.NoError(t, err)
	return f.do(t, req)
}

func TestEnrollAndFirstHeartbeat(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postRaw(t, "/agent/heartbeat", f.signBody(t, map[string]any{
		"protocol_version": "1.0",
	}))
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	assert.Equal(t, "ok", resp.body["status"])

	serverTime := int64(resp.body["server_time"].(float64))
	nextHeartbeat := int64(resp.body["next_heartbeat"].(float64))
	assert.Equal(t, serverTime+60000, nextHeartbeat)
}

func TestEnrollIdempotentOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/agent/enroll", map[string]any{
		"platform":    "linux",
		"version":     "1.0.1",
		"mac_address": "aa:bb:cc:dd:ee:ff",
	})
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	assert.Equal(t, f.deviceID, resp.body["device_id"])
}

func TestEnrollErrorShapes(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantErr  string
	}{
		{"missing platform", map[string]any{"version": "1.0.0"}, http.StatusBadRequest, CodeInvalidRequest},
		{"bad platform", map[string]any{"platform": "beos", "version": "1.0.0"}, http.StatusBadRequest, CodeInvalidPlatform},
		{"bad token", map[string]any{"platform": "linux", "version": "1.0.0", "enrollment_token": "never-issued-token-xyz"}, http.StatusUnauthorized, CodeInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.postJSON(t, "/agent/enroll", tt.body)
			assert.Equal(t, tt.wantCode, resp.code, resp.raw)
			assert.Equal(t, "error", resp.body["status"])
			assert.Equal(t, tt.wantErr, resp.body["error_code"])
		})
	}
}

func TestHeartbeatReplayOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	body := f.signBody(t, nil)
	resp := f.postRaw(t, "/agent/heartbeat", body)
	require.Equal(t, http.StatusOK, resp.code, resp.raw)

	resp = f.postRaw(t, "/agent/heartbeat", body)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	assert.Equal(t, CodeReplayAttack, resp.body["error_code"])
}

func TestHeartbeatTamperedBody(t *testing.T) {
	f := newAPIFixture(t)

	body := f.signBody(t, map[string]any{"protocol_version": "1.0"})
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	doc["protocol_version"] = "6.6"
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	resp := f.postRaw(t, "/agent/heartbeat", tampered)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	assert.Equal(t, CodeInvalidSignature, resp.body["error_code"])
}

func TestHeartbeatUnknownDeviceOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	body := f.signBody(t, nil)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	doc["device_id"] = "dev_ghost"
	forged, err := json.Marshal(doc)
	require.NoError(t, err)

	resp := f.postRaw(t, "/agent/heartbeat", forged)
	assert.Equal(t, http.StatusNotFound, resp.code)
	assert.Equal(t, CodeDeviceNotFound, resp.body["error_code"])
}

func TestTaskLifecycleWithCancel(t *testing.T) {
	f := newAPIFixture(t)

	created := f.admin(t, http.MethodPost, "/admin/tasks", map[string]any{
		"device_id": f.deviceID,
		"type":      "cmd_exec",
		"payload":   map[string]any{"cmd": "sleep 600"},
	})
	require.Equal(t, http.StatusCreated, created.code, created.raw)
	taskID := created.body["task_id"].(string)

	// First heartbeat delivers the task.
	resp := f.postRaw(t, "/agent/heartbeat", f.signBody(t, nil))
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	taskList := resp.body["tasks"].([]any)
	require.Len(t, taskList, 1)
	delivered := taskList[0].(map[string]any)
	assert.Equal(t, taskID, delivered["task_id"])
	assert.Equal(t, float64(1), delivered["revision"])

	// Agent reports running; the operator cancels.
	resp = f.postRaw(t, "/agent/heartbeat", f.signBody(t, map[string]any{
		"reports": []map[string]any{{"task_id": taskID, "state": "running", "progress": 10}},
	}))
	require.Equal(t, http.StatusOK, resp.code, resp.raw)

	canceled := f.admin(t, http.MethodPost, "/admin/tasks/"+taskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, canceled.code, canceled.raw)
	assert.Equal(t, float64(2), canceled.body["task"].(map[string]any)["revision"])

	// The cancel rides the next heartbeat with the bumped revision.
	resp = f.postRaw(t, "/agent/heartbeat", f.signBody(t, nil))
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	cancelList := resp.body["cancels"].([]any)
	require.Len(t, cancelList, 1)
	cancel := cancelList[0].(map[string]any)
	assert.Equal(t, taskID, cancel["task_id"])
	assert.Equal(t, float64(2), cancel["revision"])

	// Agent confirms; the cancel stops riding.
	resp = f.postRaw(t, "/agent/heartbeat", f.signBody(t, map[string]any{
		"reports": []map[string]any{{"task_id": taskID, "state": "canceled"}},
	}))
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	assert.Nil(t, resp.body["cancels"])

	got := f.admin(t, http.MethodGet, "/admin/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, got.code, got.raw)
	assert.Equal(t, "canceled", got.body["state"].(map[string]any)["state"])
}

func TestCommandPriorityAckAndOwnership(t *testing.T) {
	f := newAPIFixture(t)

	low := f.admin(t, http.MethodPost, "/commands", map[string]any{
		"device_id": f.deviceID,
		"type":      "execute",
		"priority":  "low",
		"payload":   map[string]any{"cmd": "cleanup"},
	})
	require.Equal(t, http.StatusCreated, low.code, low.raw)
	urgent := f.admin(t, http.MethodPost, "/commands", map[string]any{
		"device_id": f.deviceID,
		"type":      "execute",
		"priority":  "urgent",
		"payload":   map[string]any{"cmd": "patch"},
	})
	require.Equal(t, http.StatusCreated, urgent.code, urgent.raw)
	urgentID := urgent.body["command"].(map[string]any)["id"].(string)
	lowID := low.body["command"].(map[string]any)["id"].(string)

	// Urgent commands come back first regardless of insertion order.
	poll := f.pollCommands(t, 10)
	require.Equal(t, http.StatusOK, poll.code, poll.raw)
	cmds := poll.body["commands"].([]any)
	require.Len(t, cmds, 2)
	assert.Equal(t, urgentID, cmds[0].(map[string]any)["id"])
	assert.Equal(t, lowID, cmds[1].(map[string]any)["id"])

	// A second enrolled device cannot settle someone else's command.
	foreign := &apiFixture{ts: f.ts}
	resp := foreign.postJSON(t, "/agent/enroll", map[string]any{
		"platform":    "linux",
		"version":     "1.0.0",
		"mac_address": "11:22:33:44:55:66",
	})
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	foreign.deviceID = resp.body["device_id"].(string)
	foreign.privateKey = resp.body["private_key"].(string)

	ack := foreign.postRaw(t, "/agent/command/"+urgentID+"/ack", foreign.signBody(t, map[string]any{
		"status": "completed",
	}))
	assert.Equal(t, http.StatusForbidden, ack.code, ack.raw)
	assert.Equal(t, CodeForbidden, ack.body["error_code"])

	// The owner settles it.
	ack = f.postRaw(t, "/agent/command/"+urgentID+"/ack", f.signBody(t, map[string]any{
		"status": "completed",
		"result": map[string]any{"exit_code": 0},
	}))
	require.Equal(t, http.StatusOK, ack.code, ack.raw)
	assert.Equal(t, "completed", ack.body["command"].(map[string]any)["status"])

	// Acking a made-up id is a 404 with the stable code.
	ack = f.postRaw(t, "/agent/command/cmd_missing/ack", f.signBody(t, map[string]any{
		"status": "completed",
	}))
	assert.Equal(t, http.StatusNotFound, ack.code)
	assert.Equal(t, CodeCommandNotFound, ack.body["error_code"])
}

func TestConfigPullMergesLayers(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.admin(t, http.MethodPost, "/admin/config", map[string]any{
		"scope":   "global",
		"content": map[string]any{"log_level": "info", "heartbeat": map[string]any{"interval": 60}},
	})
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	resp = f.admin(t, http.MethodPost, "/admin/config", map[string]any{
		"scope":     "device",
		"target_id": f.deviceID,
		"content":   map[string]any{"log_level": "debug"},
	})
	require.Equal(t, http.StatusOK, resp.code, resp.raw)

	pull := f.postRaw(t, "/agent/config", f.signBody(t, nil))
	require.Equal(t, http.StatusOK, pull.code, pull.raw)
	merged := pull.body["config"].(map[string]any)
	assert.Equal(t, "debug", merged["log_level"])
	assert.Equal(t, float64(60), merged["heartbeat"].(map[string]any)["interval"])
	assert.NotZero(t, pull.body["config_version"])
}

func TestAuditUploadAndListing(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postRaw(t, "/agent/audit", f.signBody(t, map[string]any{
		"events": []map[string]any{
			{"kind": "login", "detail": map[string]any{"user": "root"}},
			{"kind": "file_read"},
		},
	}))
	require.Equal(t, http.StatusOK, resp.code, resp.raw)
	assert.Equal(t, float64(2), resp.body["accepted"])

	list := f.admin(t, http.MethodGet, "/admin/audit?device_id="+f.deviceID, nil)
	require.Equal(t, http.StatusOK, list.code, list.raw)
	assert.Len(t, list.body["events"].([]any), 2)
}

func TestRateLimitResponseHeaders(t *testing.T) {
	f := newAPIFixture(t)

	// The audit endpoint has the tightest budget (10 per window).
	var denied jsonResponse
	for i := 0; i <= ratelimit.AuditBatchLimit; i++ {
		resp := f.postRaw(t, "/agent/audit", f.signBody(t, map[string]any{
			"events": []map[string]any{{"kind": "noise"}},
		}))
		if resp.code == http.StatusTooManyRequests {
			denied = resp
			break
		}
		require.Equal(t, http.StatusOK, resp.code, resp.raw)
	}
	require.Equal(t, http.StatusTooManyRequests, denied.code, "limit never tripped")
	assert.Equal(t, CodeRateLimitExceeded, denied.body["error_code"])

	retryAfter, err := strconv.Atoi(denied.headers.Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.Equal(t, "0", denied.headers.Get("X-RateLimit-Remaining"))
	reset, err := strconv.ParseInt(denied.headers.Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().UnixMilli())
}

func TestAuditBatchTooLarge(t *testing.T) {
	f := newAPIFixture(t)

	batch := make([]map[string]any, audit.MaxBatch+1)
	for i := range batch {
		batch[i] = map[string]any{"kind": "noise"}
	}
	resp := f.postRaw(t, "/agent/audit", f.signBody(t, map[string]any{"events": batch}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.code, resp.raw)
	assert.Equal(t, CodeBatchTooLarge, resp.body["error_code"])
}

func TestAdminAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/devices", nil)
	require.NoError(t, err)
	resp := f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	assert.Equal(t, CodeInvalidToken, resp.body["error_code"])

	req, err = http.NewRequest(http.MethodGet, f.ts.URL+"/devices", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong-key")
	resp = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
}

func TestEventStreamWithoutBroker(t *testing.T) {
	f := newAPIFixture(t)

	// The fixture runs without an event broker; the stream must refuse
	// cleanly instead of panicking.
	resp := f.admin(t, http.MethodGet, "/admin/events", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.code, resp.raw)
	assert.Equal(t, CodeInternalError, resp.body["error_code"])
}

func TestAdminDeviceSurface(t *testing.T) {
	f := newAPIFixture(t)

	list := f.admin(t, http.MethodGet, "/devices", nil)
	require.Equal(t, http.StatusOK, list.code, list.raw)
	assert.Equal(t, float64(1), list.body["total"])

	got := f.admin(t, http.MethodGet, "/devices/"+f.deviceID, nil)
	require.Equal(t, http.StatusOK, got.code, got.raw)
	assert.Equal(t, f.deviceID, got.body["device"].(map[string]any)["id"])

	missing := f.admin(t, http.MethodGet, "/devices/dev_ghost", nil)
	assert.Equal(t, http.StatusNotFound, missing.code)
	assert.Equal(t, CodeDeviceNotFound, missing.body["error_code"])
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
		require.NoError(t, err)
		resp := f.do(t, req)
		assert.Equal(t, http.StatusOK, resp.code, path)
	}
}
