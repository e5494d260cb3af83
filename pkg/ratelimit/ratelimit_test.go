package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/warden/pkg/storage"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	kv, err := storage.NewKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewLimiter(kv)
}

func TestCheckAndIncrementUnderLimit(t *testing.T) {
	l := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		res := l.CheckAndIncrement("dev_1", "heartbeat", 5, time.Minute)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5-(i+1), res.Remaining)
	}
}

func TestCheckAndIncrementOverLimit(t *testing.T) {
	l := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndIncrement("dev_1", "heartbeat", 3, time.Minute).Allowed)
	}

	res := l.CheckAndIncrement("dev_1", "heartbeat", 3, time.Minute)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestWindowReset(t *testing.T) {
	l := newTestLimiter(t)

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		require.True(t, l.CheckAndIncrement("dev_1", "heartbeat", 2, time.Minute).Allowed)
	}
	require.False(t, l.CheckAndIncrement("dev_1", "heartbeat", 2, time.Minute).Allowed)

	// Crossing the window boundary opens a fresh counter.
	l.SetClock(func() time.Time { return now.Add(61 * time.Second) })
	res := l.CheckAndIncrement("dev_1", "heartbeat", 2, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestBucketsIndependentPerEndpointAndDevice(t *testing.T) {
	l := newTestLimiter(t)

	require.True(t, l.CheckAndIncrement("dev_1", "heartbeat", 1, time.Minute).Allowed)
	require.False(t, l.CheckAndIncrement("dev_1", "heartbeat", 1, time.Minute).Allowed)

	// Different endpoint, same device.
	assert.True(t, l.CheckAndIncrement("dev_1", "command", 1, time.Minute).Allowed)
	// Same endpoint, different device.
	assert.True(t, l.CheckAndIncrement("dev_2", "heartbeat", 1, time.Minute).Allowed)
}

func TestResetMsMatchesWindowStart(t *testing.T) {
	l := newTestLimiter(t)

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	first := l.CheckAndIncrement("dev_1", "heartbeat", 10, time.Minute)
	want := now.UnixMilli() + time.Minute.Milliseconds()
	assert.Equal(t, want, first.ResetMs)

	// Later requests in the same window report the same reset.
	l.SetClock(func() time.Time { return now.Add(10 * time.Second) })
	second := l.CheckAndIncrement("dev_1", "heartbeat", 10, time.Minute)
	assert.Equal(t, want, second.ResetMs)
}
