// Package correlate pairs capture events seen at different roles into
// latency measurements. A single Processor goroutine owns all identifier
// state; if more consumers are ever needed, shard by identifier hash so each
// key keeps exactly one writer.
package correlate

import (
	"time"

	"pathlat/internal/capture"
)

// Measurement is one correlated latency observation. RoleA is the role that
// observed the identifier first. Written once, never mutated.
type Measurement struct {
	Identifier string
	RoleA      capture.Role
	RoleB      capture.Role
	TimestampA uint64
	TimestampB uint64
	Delta      time.Duration
	EndpointA  string
	EndpointB  string

	// Suspect marks a measurement outside the sanity ceiling or with
	// crossed role order (relay before source). Surfaced, never discarded.
	Suspect bool
}

// Sink receives finished measurements. Implementations live in
// internal/sink.
type Sink interface {
	Write(Measurement) error
	Close() error
}

// Config tunes the processor. Zero values fall back to defaults.
type Config struct {
	// Retention is how long an uncorrelated identifier record is kept
	// before it is presumed abandoned and evicted.
	Retention time.Duration
	// SanityCeiling is the largest delta considered plausible; beyond it
	// the measurement is flagged suspect.
	SanityCeiling time.Duration
	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration
	// PollInterval bounds how long a ring poll may block.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 60 * time.Second
	}
	if c.SanityCeiling <= 0 {
		c.SanityCeiling = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Consumed     uint64
	Duplicates   uint64
	Unclassified uint64
	Correlated   uint64
	Suspect      uint64
	Expired      uint64
	SinkErrors   uint64
	Active       int
}

// Summary aggregates the latencies measured so far.
type Summary struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}
