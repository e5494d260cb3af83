// Package replay is the single-use nonce ledger. A nonce is reserved the
// moment a signed request succeeds verification; any second request with
// the same (device, nonce) inside the window is a replay.
package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/burrowhq/warden/pkg/storage"
)

// MinNonceLength is the shortest nonce agents may send.
const MinNonceLength = 16

var (
	// ErrReplay means the (device, nonce) pair was already used inside the
	// replay window.
	ErrReplay = errors.New("nonce already used")

	// ErrNonceTooShort means the nonce fails the length floor.
	ErrNonceTooShort = errors.New("nonce too short")
)

// Ledger records used nonces in the key-value store.
type Ledger struct {
	kv     *storage.KV
	window time.Duration
}

// record is what gets stored per (device, nonce).
type record struct {
	Timestamp   int64  `json:"timestamp"`
	RequestHash string `json:"request_hash,omitempty"`
}

// NewLedger creates a ledger with the given replay window (TTL on every
// reservation).
func NewLedger(kv *storage.KV, window time.Duration) *Ledger {
	return &Ledger{kv: kv, window: window}
}

// ValidateNonce atomically reserves (deviceID, nonce). The reservation is
// a put-if-absent in one KV transaction, so two identical concurrent
// requests cannot both pass. The key space is scoped per device; distinct
// devices may reuse a nonce.
func (l *Ledger) ValidateNonce(deviceID, nonce, requestHash string) error {
	if len(nonce) < MinNonceLength {
		return ErrNonceTooShort
	}

	value, err := json.Marshal(record{
		Timestamp:   time.Now().UnixMilli(),
		RequestHash: requestHash,
	})
	if err != nil {
		return fmt.Errorf("encode nonce record: %w", err)
	}

	inserted, err := l.kv.PutIfAbsent(storage.BucketNonces, nonceKey(deviceID, nonce), value, l.window)
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}
	if !inserted {
		return ErrReplay
	}
	return nil
}

func nonceKey(deviceID, nonce string) string {
	return deviceID + ":" + nonce
}
