// Package types defines the shared domain records of the Warden control
// plane: devices, declarative tasks and their reported states, one-shot
// commands, enrollment tokens, and layered configuration rows.
//
// Records that live in the relational store carry time.Time fields;
// records that live in the TTL-governed key-value store carry millisecond
// epoch integers, matching what crosses the wire to agents.
package types
