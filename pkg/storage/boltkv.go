package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	BucketNonces       = []byte("nonces")
	BucketRateLimits   = []byte("rate_limits")
	BucketTokens       = []byte("enrollment_tokens")
	BucketCommands     = []byte("commands")
	BucketCommandIndex = []byte("command_index")
)

// KV is the TTL-governed key-value store backed by BoltDB. Every record
// carries an expiry stamp; expired records read as absent and a periodic
// sweep removes them. Expiry uses wall-clock time because TTLs must
// survive process restarts.
type KV struct {
	db *bolt.DB

	// now is swappable in tests
	now func() time.Time
}

// envelope wraps a stored value with its expiry (ms epoch; 0 = no expiry).
type envelope struct {
	ExpiresAt int64           `json:"expires_at"`
	Value     json.RawMessage `json:"value"`
}

// NewKV opens (and if needed creates) the key-value store under dataDir.
func NewKV(dataDir string) (*KV, error) {
	dbPath := filepath.Join(dataDir, "warden-kv.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketNonces,
			BucketRateLimits,
			BucketTokens,
			BucketCommands,
			BucketCommandIndex,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &KV{db: db, now: time.Now}, nil
}

// Close closes the database
func (k *KV) Close() error {
	return k.db.Close()
}

// SetClock overrides the clock; used by tests to drive TTL expiry.
func (k *KV) SetClock(now func() time.Time) {
	k.now = now
}

func (k *KV) expired(env *envelope) bool {
	return env.ExpiresAt > 0 && env.ExpiresAt <= k.now().UnixMilli()
}

func (k *KV) wrap(value []byte, ttl time.Duration) ([]byte, error) {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = k.now().Add(ttl).UnixMilli()
	}
	return json.Marshal(env)
}

// Put stores value under (bucket, key) with the given TTL. A zero TTL
// means the record never expires.
func (k *KV) Put(bucket []byte, key string, value []byte, ttl time.Duration) error {
	data, err := k.wrap(value, ttl)
	if err != nil {
		return err
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// Get returns the value under (bucket, key), or ErrNotFound when the key
// is absent or its record has expired.
func (k *KV) Get(bucket []byte, key string) ([]byte, error) {
	var value []byte
	err := k.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("decode kv record: %w", err)
		}
		if k.expired(&env) {
			return ErrNotFound
		}
		// Copy out; bolt data is only valid during the transaction
		value = make([]byte, len(env.Value))
		copy(value, env.Value)
		return nil
	})
	return value, err
}

// PutIfAbsent stores value only when no live record exists under the key.
// It reports whether the write happened. The check and the write run in a
// single write transaction, so two concurrent calls cannot both win.
func (k *KV) PutIfAbsent(bucket []byte, key string, value []byte, ttl time.Duration) (bool, error) {
	data, err := k.wrap(value, ttl)
	if err != nil {
		return false, err
	}
	inserted := false
	err = k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if existing := b.Get([]byte(key)); existing != nil {
			var env envelope
			if err := json.Unmarshal(existing, &env); err == nil && !k.expired(&env) {
				return nil
			}
		}
		inserted = true
		return b.Put([]byte(key), data)
	})
	return inserted, err
}

// Mutate applies fn to the current value (nil when absent or expired) and
// stores the result with the returned TTL, all inside one write
// transaction. Returning a nil value from fn deletes the key.
func (k *KV) Mutate(bucket []byte, key string, fn func(cur []byte) ([]byte, time.Duration, error)) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		var cur []byte
		if data := b.Get([]byte(key)); data != nil {
			var env envelope
			if err := json.Unmarshal(data, &env); err == nil && !k.expired(&env) {
				cur = env.Value
			}
		}
		next, ttl, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			return b.Delete([]byte(key))
		}
		data, err := k.wrap(next, ttl)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes the record under (bucket, key). Deleting a missing key is
// not an error.
func (k *KV) Delete(bucket []byte, key string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// ForEach visits every live record in the bucket.
func (k *KV) ForEach(bucket []byte, fn func(key string, value []byte) error) error {
	return k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(key, data []byte) error {
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return nil // skip undecodable records
			}
			if k.expired(&env) {
				return nil
			}
			return fn(string(key), env.Value)
		})
	})
}

// Sweep deletes expired records from every bucket and returns how many
// were removed. Run periodically; reads already treat expired records as
// absent, so the sweep only reclaims space.
func (k *KV) Sweep() (int, error) {
	removed := 0
	buckets := [][]byte{
		BucketNonces,
		BucketRateLimits,
		BucketTokens,
		BucketCommands,
		BucketCommandIndex,
	}
	for _, bucket := range buckets {
		err := k.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			var stale [][]byte
			for key, data := c.First(); key != nil; key, data = c.Next() {
				var env envelope
				if err := json.Unmarshal(data, &env); err != nil {
					continue
				}
				if k.expired(&env) {
					keyCopy := make([]byte, len(key))
					copy(keyCopy, key)
					stale = append(stale, keyCopy)
				}
			}
			for _, key := range stale {
				if err := b.Delete(key); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("sweep bucket %s: %w", bucket, err)
		}
	}
	return removed, nil
}
