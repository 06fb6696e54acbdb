package config

import (
	"sync/atomic"
)

// Snapshot pairs a validated document with its content hash and store
// version. Consumers treat it as immutable.
type Snapshot struct {
	Doc     *Document
	Hash    string
	Version int
}

// Holder publishes the active configuration snapshot. Readers are lock-free;
// writers swap the whole snapshot atomically on apply/rollback.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder seeded with the given snapshot.
func NewHolder(snap Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(&snap)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() Snapshot {
	return *h.current.Load()
}

// Swap publishes a new snapshot.
func (h *Holder) Swap(snap Snapshot) {
	h.current.Store(&snap)
}
