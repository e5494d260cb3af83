// Package heartbeat implements the agent check-in pipeline. Every
// heartbeat runs the same gauntlet in a fixed order: field validation,
// rate limit, device lookup, signature, nonce. Only a request that clears
// all five mutates any state.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/burrowhq/warden/pkg/configstore"
	"github.com/burrowhq/warden/pkg/crypto"
	"github.com/burrowhq/warden/pkg/events"
	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/metrics"
	"github.com/burrowhq/warden/pkg/ratelimit"
	"github.com/burrowhq/warden/pkg/replay"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/tasks"
	"github.com/burrowhq/warden/pkg/types"
)

var (
	// ErrInvalidRequest means a required field is missing or malformed.
	ErrInvalidRequest = errors.New("missing or malformed heartbeat field")

	// ErrDeviceNotFound means no enrolled device matches the id.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrSignature means the request signature did not verify.
	ErrSignature = errors.New("signature verification failed")

	// ErrReplay means the nonce was already used inside the window.
	ErrReplay = errors.New("replayed request")
)

// RateLimitError carries the limiter result so the transport can emit
// Retry-After.
type RateLimitError struct {
	Result ratelimit.Result
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded"
}

// Request is the signed heartbeat envelope.
type Request struct {
	DeviceID        string             `json:"device_id"`
	Timestamp       int64              `json:"timestamp"` // ms epoch
	Nonce           string             `json:"nonce"`
	Signature       string             `json:"signature"`
	ProtocolVersion string             `json:"protocol_version,omitempty"`
	SystemInfo      *types.SystemInfo  `json:"system_info,omitempty"`
	Reports         []types.TaskReport `json:"reports,omitempty"`
}

// Response is returned on a clean heartbeat. NextHeartbeat is the absolute
// ms timestamp the agent should check in at next.
type Response struct {
	Status        string                 `json:"status"`
	ServerTime    int64                  `json:"server_time"`    // ms epoch
	NextHeartbeat int64                  `json:"next_heartbeat"` // ms epoch
	Tasks         []types.TaskDelivery   `json:"tasks,omitempty"`
	Cancels       []types.CancelDelivery `json:"cancels,omitempty"`
}

// Engine runs the heartbeat pipeline. Created once at startup.
type Engine struct {
	store           storage.Store
	ledger          *replay.Ledger
	limiter         *ratelimit.Limiter
	reconciler      *tasks.Reconciler
	configs         *configstore.Resolver
	broker          *events.Broker
	defaultInterval time.Duration
	sessionTimeout  time.Duration

	// now is swappable in tests
	now func() time.Time
}

// NewEngine wires the heartbeat pipeline.
func NewEngine(store storage.Store, ledger *replay.Ledger, limiter *ratelimit.Limiter, reconciler *tasks.Reconciler, configs *configstore.Resolver, broker *events.Broker, defaultInterval, sessionTimeout time.Duration) *Engine {
	return &Engine{
		store:           store,
		ledger:          ledger,
		limiter:         limiter,
		reconciler:      reconciler,
		configs:         configs,
		broker:          broker,
		defaultInterval: defaultInterval,
		sessionTimeout:  sessionTimeout,
		now:             time.Now,
	}
}

// SetClock overrides the clock; used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Process runs one heartbeat through the pipeline. rawBody is the request
// body as received; the signature covers its canonical serialization minus
// the signature field, and its hash is recorded with the nonce reservation.
//
// Pipeline order is part of the contract: rate limiting runs before the
// expensive signature check, and the nonce is only burned after the
// signature verifies, so a forged request cannot consume a real nonce.
func (e *Engine) Process(ctx context.Context, req *Request, rawBody []byte) (*Response, error) {
	// 1. Field validation
	if req.DeviceID == "" || req.Timestamp <= 0 || req.Signature == "" ||
		len(req.Nonce) < replay.MinNonceLength {
		metrics.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRequest
	}
	extra, err := crypto.ExtraFields(rawBody)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRequest
	}

	// 2. Rate limit
	res := e.limiter.CheckAndIncrement(req.DeviceID, "heartbeat", ratelimit.HeartbeatLimit, ratelimit.DefaultWindow)
	if !res.Allowed {
		metrics.RateLimitedTotal.WithLabelValues("heartbeat").Inc()
		metrics.HeartbeatsTotal.WithLabelValues("rate_limited").Inc()
		return nil, &RateLimitError{Result: res}
	}

	// 3. Device lookup
	device, err := e.store.GetDevice(ctx, req.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.HeartbeatsTotal.WithLabelValues("unknown_device").Inc()
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	// 4. Signature
	if err := crypto.VerifyRequestAt(e.now(), req.DeviceID, req.Timestamp, req.Nonce, req.Signature, device.PublicKey, extra); err != nil {
		metrics.SignatureFailuresTotal.Inc()
		metrics.HeartbeatsTotal.WithLabelValues("bad_signature").Inc()
		return nil, errors.Join(ErrSignature, err)
	}

	// 5. Nonce
	if err := e.ledger.ValidateNonce(req.DeviceID, req.Nonce, crypto.RequestHash(rawBody)); err != nil {
		if errors.Is(err, replay.ErrReplay) {
			metrics.ReplayRejectionsTotal.Inc()
			metrics.HeartbeatsTotal.WithLabelValues("replay").Inc()
			return nil, ErrReplay
		}
		return nil, err
	}

	// 6. Liveness update
	wasOffline := device.Status != types.DeviceOnline
	if err := e.touchDevice(ctx, device, req.SystemInfo); err != nil {
		return nil, err
	}
	if wasOffline && e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:      events.EventDeviceOnline,
			Timestamp: e.now(),
			Metadata:  map[string]string{"device_id": device.ID},
		})
	}

	// 7. Fold task reports
	if len(req.Reports) > 0 {
		e.reconciler.IngestReports(ctx, req.DeviceID, req.Reports)
		for _, rep := range req.Reports {
			metrics.TaskReportsTotal.WithLabelValues(string(rep.State)).Inc()
		}
	}

	// 8. Outgoing work
	deliveries, cancels, err := e.reconciler.Deliveries(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}

	// 9. Next interval from resolved config
	interval := e.nextInterval(ctx, device)

	// 10. Session refresh, best effort
	now := e.now().UTC()
	if err := e.store.UpsertSession(ctx, &types.Session{
		ID:           "sess_" + device.ID,
		DeviceID:     device.ID,
		Status:       "active",
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.sessionTimeout),
		LastActivity: now,
	}); err != nil {
		wlog := log.WithDeviceID(device.ID)
		wlog.Warn().Err(err).Msg("session refresh failed")
	}

	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	wlog := log.WithDeviceID(device.ID)
	wlog.Debug().
		Int("tasks", len(deliveries)).
		Int("cancels", len(cancels)).
		Int("reports", len(req.Reports)).
		Msg("heartbeat processed")

	serverTime := e.now().UnixMilli()
	return &Response{
		Status:        "ok",
		ServerTime:    serverTime,
		NextHeartbeat: serverTime + interval.Milliseconds(),
		Tasks:         deliveries,
		Cancels:       cancels,
	}, nil
}

// touchDevice stamps last_seen and folds the reported system info into the
// device record. An unknown reported platform is ignored rather than
// rejected; the heartbeat already verified against the enrolled identity.
func (e *Engine) touchDevice(ctx context.Context, device *types.Device, info *types.SystemInfo) error {
	nowMs := e.now().UnixMilli()
	online := types.DeviceOnline
	upd := types.DeviceUpdate{
		LastSeen: &nowMs,
		Status:   &online,
	}
	if info != nil {
		if info.Version != "" {
			upd.Version = &info.Version
		}
		if types.ValidPlatform(info.Platform) {
			upd.Platform = &info.Platform
		}
	}
	if err := e.store.UpdateDevice(ctx, device.ID, upd); err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

// nextInterval reads heartbeat.interval (seconds) from the device's
// resolved configuration, falling back to the server default. Resolution
// failures fall back too; a broken config layer must not stall check-ins.
func (e *Engine) nextInterval(ctx context.Context, device *types.Device) time.Duration {
	resolved, err := e.configs.Resolve(ctx, device)
	if err != nil {
		wlog := log.WithDeviceID(device.ID)
		wlog.Warn().Err(err).Msg("config resolution failed")
		return e.defaultInterval
	}

	var doc struct {
		Heartbeat struct {
			Interval float64 `json:"interval"`
		} `json:"heartbeat"`
	}
	if err := json.Unmarshal(resolved.Config, &doc); err != nil {
		return e.defaultInterval
	}
	if doc.Heartbeat.Interval <= 0 {
		return e.defaultInterval
	}
	return time.Duration(doc.Heartbeat.Interval * float64(time.Second))
}
