// Package storage provides Warden's two persistence backends.
//
// The relational store (SQLiteStore) is the single writer of truth for
// devices, tasks, task states, task logs, configurations, sessions, and
// the administrator view of enrollment tokens. All mutations run in short
// transactions; long-lived cursors are forbidden.
//
// The key-value store (KV, BoltDB) is the writer of truth for nonces,
// rate-limit buckets, the agent-facing enrollment token copies, and the
// command queue records and per-device indexes. Every KV write carries an
// explicit TTL.
//
// The two stores are intentionally not transactionally coupled: every
// relational-then-KV pairing in the calling code is idempotent on retry.
package storage
