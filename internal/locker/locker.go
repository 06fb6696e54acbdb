// Package locker is the authoritative ownership state machine. It is the only
// component that mutates locker rows; every write is a compare-and-set on the
// row version.
package locker

import (
	"errors"
	"time"
)

// Status is the lifecycle state of one locker.
type Status string

const (
	StatusFree     Status = "Free"
	StatusOwned    Status = "Owned"
	StatusReserved Status = "Reserved"
	StatusBlocked  Status = "Blocked"
)

// OwnerType discriminates the Owner variant.
type OwnerType string

const (
	OwnerNone   OwnerType = ""
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device"
	OwnerVIP    OwnerType = "vip"
)

// Owner is a tagged variant: the zero value means no owner. Keys for personal
// owners are salted hashes, never raw card IDs.
type Owner struct {
	Type OwnerType `json:"type"`
	Key  string    `json:"key"`
}

// None is the absent owner.
var None = Owner{}

// IsSet reports whether the owner is present.
func (o Owner) IsSet() bool { return o.Type != OwnerNone }

// Locker is one physical lock on one kiosk.
type Locker struct {
	KioskID     string    `json:"kiosk_id"`
	ID          int       `json:"id"`
	Status      Status    `json:"status"`
	Owner       Owner     `json:"owner,omitzero"`
	ReservedAt  time.Time `json:"reserved_at,omitzero"`
	OwnedAt     time.Time `json:"owned_at,omitzero"`
	IsVIP       bool      `json:"is_vip"`
	BlockReason string    `json:"block_reason,omitempty"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	// ErrNotFound means no such locker row exists.
	ErrNotFound = errors.New("locker: not found")
	// ErrLockerBusy means the locker is held by someone else.
	ErrLockerBusy = errors.New("locker: busy")
	// ErrLockerBlocked means the locker is administratively blocked.
	ErrLockerBlocked = errors.New("locker: blocked")
	// ErrVIPProtected means the operation would touch a VIP locker without
	// the force flag.
	ErrVIPProtected = errors.New("locker: vip protected")
	// ErrConcurrencyConflict means an optimistic write lost against a
	// concurrent mutation of the same row.
	ErrConcurrencyConflict = errors.New("locker: concurrency conflict")
	// ErrOwnerElsewhere means the rfid card already holds another locker.
	ErrOwnerElsewhere = errors.New("locker: owner holds another locker")
	// ErrUnknownZone means the requested zone is not configured or disabled.
	ErrUnknownZone = errors.New("locker: unknown zone")
)
