package pipeline

import (
	"sync"
	"time"

	"github.com/mredag/eform-locker-gateway/internal/metrics"
)

// clock abstracts time for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// QuarantineConfig tunes the per-slave lockout policy.
type QuarantineConfig struct {
	// Threshold failures within Window quarantine the slave.
	Threshold int
	Window    time.Duration
	// Lockout is how long pulses to the slave fail fast.
	Lockout time.Duration
}

// DefaultQuarantineConfig mirrors the operational defaults: five failures
// within five minutes lock a slave out for five minutes.
func DefaultQuarantineConfig() QuarantineConfig {
	return QuarantineConfig{
		Threshold: 5,
		Window:    5 * time.Minute,
		Lockout:   5 * time.Minute,
	}
}

// SlaveState is the externally visible quarantine state of one relay card.
type SlaveState struct {
	Quarantined    bool      `json:"quarantined"`
	Until          time.Time `json:"until,omitempty"`
	RecentFailures int       `json:"recent_failures"`
}

type slaveEntry struct {
	failures    []time.Time
	until       time.Time
	quarantined bool
}

// Quarantine keeps a failure window per slave and locks out slaves that keep
// failing, so one dead card cannot starve the rest of the bus. It is the
// only mutable pipeline-global state.
type Quarantine struct {
	mu     sync.Mutex
	cfg    QuarantineConfig
	clock  clock
	slaves map[byte]*slaveEntry
}

// QuarantineOption configures a Quarantine.
type QuarantineOption func(*Quarantine)

// WithClock injects a test clock.
func WithClock(c clock) QuarantineOption {
	return func(q *Quarantine) { q.clock = c }
}

// NewQuarantine creates a quarantine table.
func NewQuarantine(cfg QuarantineConfig, opts ...QuarantineOption) *Quarantine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = 5 * time.Minute
	}
	q := &Quarantine{cfg: cfg, clock: realClock{}, slaves: map[byte]*slaveEntry{}}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Blocked reports whether pulses to the slave must fail fast.
func (q *Quarantine) Blocked(slave byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.slaves[slave]
	if !ok || !e.quarantined {
		return false
	}
	if q.clock.Now().After(e.until) {
		e.quarantined = false
		e.failures = nil
		metrics.SetSlaveQuarantined(slave, false)
		return false
	}
	return true
}

// RecordFailure adds a failure; crossing the threshold quarantines the slave.
func (q *Quarantine) RecordFailure(slave byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	e, ok := q.slaves[slave]
	if !ok {
		e = &slaveEntry{}
		q.slaves[slave] = e
	}

	cutoff := now.Add(-q.cfg.Window)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = append(kept, now)

	if !e.quarantined && len(e.failures) >= q.cfg.Threshold {
		e.quarantined = true
		e.until = now.Add(q.cfg.Lockout)
		metrics.SetSlaveQuarantined(slave, true)
	}
}

// RecordSuccess clears the slave's failure window and lifts any lockout.
func (q *Quarantine) RecordSuccess(slave byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.slaves[slave]
	if !ok {
		return
	}
	if e.quarantined {
		metrics.SetSlaveQuarantined(slave, false)
	}
	e.failures = nil
	e.quarantined = false
}

// Snapshot returns the current state of every tracked slave.
func (q *Quarantine) Snapshot() map[byte]SlaveState {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	out := make(map[byte]SlaveState, len(q.slaves))
	for slave, e := range q.slaves {
		st := SlaveState{RecentFailures: len(e.failures)}
		if e.quarantined && now.Before(e.until) {
			st.Quarantined = true
			st.Until = e.until
		}
		out[slave] = st
	}
	return out
}
