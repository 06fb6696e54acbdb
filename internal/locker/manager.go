package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mredag/eform-locker-gateway/internal/config"
)

// Auditor receives locker audit events. The events package provides the
// production implementation; a nil auditor disables auditing.
type Auditor interface {
	Append(ctx context.Context, kioskID string, lockerID int, eventType, actor string, details map[string]any)
}

// casRetries bounds how often an operation re-reads after losing the
// optimistic write race.
const casRetries = 3

// ActorSystem marks mutations not attributable to an operator.
const ActorSystem = "system"

// Manager exposes the public locker operations. Every mutation re-reads and
// retries on a lost compare-and-set, so callers see ErrConcurrencyConflict
// only when a row stays contended across all retries.
type Manager struct {
	store     *Store
	holder    *config.Holder
	contracts *Contracts
	audit     Auditor
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManager wires the state machine. contracts and audit may be nil.
func NewManager(store *Store, holder *config.Holder, contracts *Contracts, audit Auditor, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		holder:    holder,
		contracts: contracts,
		audit:     audit,
		logger:    logger.With().Str("component", "locker").Logger(),
		now:       time.Now,
	}
}

func (m *Manager) record(ctx context.Context, kioskID string, lockerID int, eventType, actor string, details map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Append(ctx, kioskID, lockerID, eventType, actor, details)
}

// Get returns one locker row.
func (m *Manager) Get(ctx context.Context, kioskID string, lockerID int) (Locker, error) {
	return m.store.Get(ctx, kioskID, lockerID)
}

// EnsureSeeded provisions locker rows for the kiosk up to the highest locker
// ID covered by the active document. Seeding is incremental: existing rows are
// untouched, so a grown zone range only adds the new IDs.
func (m *Manager) EnsureSeeded(ctx context.Context, kioskID string) error {
	total := m.holder.Current().Doc.TotalLockers()
	if total < 1 {
		return nil
	}
	created, err := m.store.Seed(ctx, kioskID, total)
	if err != nil {
		return err
	}
	if created > 0 {
		m.logger.Info().
			Str("kiosk_id", kioskID).
			Int("created", created).
			Str("event", "locker.seeded").
			Msg("provisioned locker rows")
	}
	return nil
}

// CheckExistingOwnership returns the locker currently held by the owner, or
// nil when the owner holds nothing.
func (m *Manager) CheckExistingOwnership(ctx context.Context, owner Owner) (*Locker, error) {
	return m.store.FindByOwner(ctx, owner)
}

// GetAvailableLockers lists Free non-VIP lockers, optionally narrowed to a
// zone's ID ranges. An unknown or disabled zone is rejected.
func (m *Manager) GetAvailableLockers(ctx context.Context, kioskID, zoneID string) ([]Locker, error) {
	lockers, err := m.store.ListAvailable(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	return m.filterZone(lockers, zoneID)
}

// GetAllLockers lists every locker of the kiosk regardless of status,
// optionally narrowed to a zone.
func (m *Manager) GetAllLockers(ctx context.Context, kioskID, zoneID string) ([]Locker, error) {
	lockers, err := m.store.List(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	return m.filterZone(lockers, zoneID)
}

func (m *Manager) filterZone(lockers []Locker, zoneID string) ([]Locker, error) {
	if zoneID == "" {
		return lockers, nil
	}
	doc := m.holder.Current().Doc
	z, ok := doc.ZoneByID(zoneID)
	if !ok || !z.Enabled {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, zoneID)
	}
	out := lockers[:0]
	for _, l := range lockers {
		if z.Contains(l.ID) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Assign reserves a Free non-VIP locker for the owner. Re-assigning the same
// owner to its own reservation is a no-op success.
func (m *Manager) Assign(ctx context.Context, kioskID string, lockerID int, owner Owner) (Locker, error) {
	if !owner.IsSet() {
		return Locker{}, fmt.Errorf("locker: assign without owner")
	}
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		l, err := m.store.Get(ctx, kioskID, lockerID)
		if err != nil {
			return Locker{}, err
		}
		if l.Status == StatusReserved && l.Owner == owner {
			return l, nil
		}
		if l.Status == StatusBlocked {
			return Locker{}, fmt.Errorf("%w: %s/%d", ErrLockerBlocked, kioskID, lockerID)
		}
		if l.Status != StatusFree || l.IsVIP {
			return Locker{}, fmt.Errorf("%w: %s/%d is %s", ErrLockerBusy, kioskID, lockerID, l.Status)
		}

		observed := l.Version
		l.Status = StatusReserved
		l.Owner = owner
		l.ReservedAt = m.now().UTC()
		if err := m.store.writeCAS(ctx, l, observed); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return Locker{}, err
		}
		l.Version = observed + 1
		m.record(ctx, kioskID, lockerID, "locker_assigned", ActorSystem, map[string]any{
			"owner_type": string(owner.Type),
			"owner_key":  owner.Key,
		})
		return l, nil
	}
	return Locker{}, lastErr
}

// Confirm promotes the owner's reservation to ownership. Confirming an
// already Owned locker by the same owner is a no-op success.
func (m *Manager) Confirm(ctx context.Context, kioskID string, lockerID int, ownerKey string) (Locker, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		l, err := m.store.Get(ctx, kioskID, lockerID)
		if err != nil {
			return Locker{}, err
		}
		if l.Status == StatusOwned && l.Owner.Key == ownerKey {
			return l, nil
		}
		if l.Status != StatusReserved || l.Owner.Key != ownerKey {
			return Locker{}, fmt.Errorf("%w: %s/%d is %s", ErrLockerBusy, kioskID, lockerID, l.Status)
		}

		observed := l.Version
		l.Status = StatusOwned
		l.OwnedAt = m.now().UTC()
		if err := m.store.writeCAS(ctx, l, observed); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return Locker{}, err
		}
		l.Version = observed + 1
		m.record(ctx, kioskID, lockerID, "locker_confirmed", ActorSystem, map[string]any{
			"owner_key": ownerKey,
		})
		return l, nil
	}
	return Locker{}, lastErr
}

// Release frees the locker and clears ownership. Releasing an already Free
// locker is a no-op. VIP lockers require forceVIP; the is_vip flag survives
// the release.
func (m *Manager) Release(ctx context.Context, kioskID string, lockerID int, forceVIP bool) error {
	return m.release(ctx, kioskID, lockerID, forceVIP, ActorSystem)
}

func (m *Manager) release(ctx context.Context, kioskID string, lockerID int, forceVIP bool, actor string) error {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		l, err := m.store.Get(ctx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status == StatusFree {
			return nil
		}
		if l.Status == StatusBlocked {
			return fmt.Errorf("%w: %s/%d", ErrLockerBlocked, kioskID, lockerID)
		}
		if l.IsVIP && !forceVIP {
			return fmt.Errorf("%w: %s/%d", ErrVIPProtected, kioskID, lockerID)
		}

		observed := l.Version
		released := l.Owner
		l.Status = StatusFree
		l.Owner = None
		l.ReservedAt = time.Time{}
		l.OwnedAt = time.Time{}
		if err := m.store.writeCAS(ctx, l, observed); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return err
		}
		m.record(ctx, kioskID, lockerID, "locker_released", actor, map[string]any{
			"owner_type": string(released.Type),
			"owner_key":  released.Key,
		})
		return nil
	}
	return lastErr
}

// Block takes the locker out of service from any state. Ownership is cleared;
// VIP lockers require forceVIP.
func (m *Manager) Block(ctx context.Context, kioskID string, lockerID int, reason string, forceVIP bool) error {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		l, err := m.store.Get(ctx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status == StatusBlocked {
			return nil
		}
		if l.IsVIP && !forceVIP {
			return fmt.Errorf("%w: %s/%d", ErrVIPProtected, kioskID, lockerID)
		}

		observed := l.Version
		l.Status = StatusBlocked
		l.Owner = None
		l.ReservedAt = time.Time{}
		l.OwnedAt = time.Time{}
		l.BlockReason = reason
		if err := m.store.writeCAS(ctx, l, observed); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return err
		}
		m.record(ctx, kioskID, lockerID, "locker_blocked", ActorSystem, map[string]any{
			"reason": reason,
		})
		return nil
	}
	return lastErr
}

// Unblock returns a Blocked locker to Free.
func (m *Manager) Unblock(ctx context.Context, kioskID string, lockerID int) error {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		l, err := m.store.Get(ctx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status != StatusBlocked {
			return nil
		}

		observed := l.Version
		l.Status = StatusFree
		l.Owner = None
		l.ReservedAt = time.Time{}
		l.OwnedAt = time.Time{}
		l.BlockReason = ""
		if err := m.store.writeCAS(ctx, l, observed); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return err
		}
		m.record(ctx, kioskID, lockerID, "locker_unblocked", ActorSystem, nil)
		return nil
	}
	return lastErr
}

// ExpireReservations frees every reservation older than ttl. Rows that change
// under the sweep are skipped and picked up next round.
func (m *Manager) ExpireReservations(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := m.now().Add(-ttl)
	expired, err := m.store.ListExpiredReservations(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	freed := 0
	for _, l := range expired {
		observed := l.Version
		owner := l.Owner
		l.Status = StatusFree
		l.Owner = None
		l.ReservedAt = time.Time{}
		l.OwnedAt = time.Time{}
		if err := m.store.writeCAS(ctx, l, observed); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			return freed, err
		}
		freed++
		m.record(ctx, l.KioskID, l.ID, "reservation_expired", ActorSystem, map[string]any{
			"owner_type": string(owner.Type),
			"owner_key":  owner.Key,
		})
		m.logger.Info().
			Str("kiosk_id", l.KioskID).
			Int("locker_id", l.ID).
			Str("event", "reservation.expired").
			Msg("reservation expired")
	}
	return freed, nil
}
