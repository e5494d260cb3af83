// Package ratelimit is a fixed-window request counter per
// (device, endpoint). The window opens on the first hit and resets when
// the wall clock crosses window_start + window. The check is a single
// atomic read-modify-write in the key-value store, so concurrent bursts
// cannot undercount.
//
// A store failure fails open; the replay ledger still blocks actual
// duplicates.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/storage"
)

// Default limits per endpoint, requests per 60 s window.
const (
	HeartbeatLimit   = 60
	CommandPollLimit = 30
	AuditBatchLimit  = 10
	DefaultWindow    = 60 * time.Second
)

// Result reports the outcome of one check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetMs   int64 // ms epoch when the window resets
}

// bucket is the stored counter per (device, endpoint).
type bucket struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"window_start"` // ms epoch
	LastRequest int64 `json:"last_request"` // ms epoch
}

// Limiter enforces fixed-window limits on the key-value store.
type Limiter struct {
	kv *storage.KV

	// now is swappable in tests
	now func() time.Time
}

// NewLimiter creates a limiter over the shared KV store.
func NewLimiter(kv *storage.KV) *Limiter {
	return &Limiter{kv: kv, now: time.Now}
}

// SetClock overrides the clock; used by tests to cross window boundaries.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// CheckAndIncrement counts one request against (deviceID, endpoint) and
// reports whether it is allowed under max requests per window.
func (l *Limiter) CheckAndIncrement(deviceID, endpoint string, max int, window time.Duration) Result {
	now := l.now().UnixMilli()
	res := Result{Allowed: true, Remaining: max - 1, ResetMs: now + window.Milliseconds()}

	err := l.kv.Mutate(storage.BucketRateLimits, bucketKey(deviceID, endpoint), func(cur []byte) ([]byte, time.Duration, error) {
		var b bucket
		if cur != nil {
			if err := json.Unmarshal(cur, &b); err != nil {
				b = bucket{}
			}
		}

		if b.WindowStart == 0 || now-b.WindowStart >= window.Milliseconds() {
			b = bucket{WindowStart: now}
		}
		b.Count++
		b.LastRequest = now

		res.ResetMs = b.WindowStart + window.Milliseconds()
		res.Remaining = max - b.Count
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		res.Allowed = b.Count <= max

		next, err := json.Marshal(b)
		if err != nil {
			return nil, 0, fmt.Errorf("encode bucket: %w", err)
		}
		// Keep the bucket around a little past the reset so a late sweep
		// cannot clip a live window.
		return next, 2 * window, nil
	})
	if err != nil {
		wlog := log.WithComponent("ratelimit")
		wlog.Warn().Err(err).
			Str("device_id", deviceID).Str("endpoint", endpoint).
			Msg("rate limit store failure, failing open")
		return Result{Allowed: true, Remaining: max, ResetMs: now + window.Milliseconds()}
	}
	return res
}

func bucketKey(deviceID, endpoint string) string {
	return deviceID + ":" + endpoint
}
