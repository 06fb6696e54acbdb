package locker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotVIP means the locker has no VIP binding to remove.
var ErrNotVIP = errors.New("locker: not a vip locker")

// ContractStatus is the lifecycle state of a VIP contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractExpired   ContractStatus = "expired"
	ContractCancelled ContractStatus = "cancelled"
)

// Contract is a long-term reservation of one locker for one card.
type Contract struct {
	ContractID string         `json:"contract_id"`
	KioskID    string         `json:"kiosk_id"`
	LockerID   int            `json:"locker_id"`
	CardHash   string         `json:"card_hash"`
	StartDate  string         `json:"start_date"`
	EndDate    string         `json:"end_date"`
	Status     ContractStatus `json:"status"`
	Plan       string         `json:"plan,omitempty"`
}

// Contracts persists VIP contracts. The partial unique indexes enforce at
// most one active contract per locker and per card.
type Contracts struct {
	db  *sql.DB
	now func() time.Time
}

// NewContracts wraps the shared gateway database.
func NewContracts(db *sql.DB) *Contracts {
	return &Contracts{db: db, now: time.Now}
}

// Create stores a new active contract.
func (c *Contracts) Create(ctx context.Context, kioskID string, lockerID int, cardHash, startDate, endDate, plan string) (Contract, error) {
	if plan == "" {
		plan = "{}"
	}
	ct := Contract{
		ContractID: uuid.NewString(),
		KioskID:    kioskID,
		LockerID:   lockerID,
		CardHash:   cardHash,
		StartDate:  startDate,
		EndDate:    endDate,
		Status:     ContractActive,
		Plan:       plan,
	}
	nowMS := c.now().UnixMilli()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO vip_contracts (contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, plan, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.ContractID, ct.KioskID, ct.LockerID, ct.CardHash, ct.StartDate, ct.EndDate, string(ct.Status), ct.Plan, nowMS, nowMS)
	if err != nil {
		if isUniqueViolation(err) {
			return Contract{}, fmt.Errorf("%w: locker or card already under contract", ErrLockerBusy)
		}
		return Contract{}, fmt.Errorf("locker: create contract: %w", err)
	}
	return ct, nil
}

// ActiveForLocker returns the active contract bound to the locker, or nil.
func (c *Contracts) ActiveForLocker(ctx context.Context, kioskID string, lockerID int) (*Contract, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, plan
		 FROM vip_contracts WHERE kiosk_id = ? AND locker_id = ? AND status = 'active'`,
		kioskID, lockerID)
	var ct Contract
	err := row.Scan(&ct.ContractID, &ct.KioskID, &ct.LockerID, &ct.CardHash,
		&ct.StartDate, &ct.EndDate, &ct.Status, &ct.Plan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locker: read contract: %w", err)
	}
	return &ct, nil
}

// UpdateEndDate moves an active contract's end date.
func (c *Contracts) UpdateEndDate(ctx context.Context, contractID, endDate string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE vip_contracts SET end_date = ?, updated_at_ms = ? WHERE contract_id = ? AND status = 'active'`,
		endDate, c.now().UnixMilli(), contractID)
	if err != nil {
		return fmt.Errorf("locker: extend contract %s: %w", contractID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: contract %s", ErrNotFound, contractID)
	}
	return nil
}

// ListEnded returns active contracts whose end date is before today. Dates
// are ISO (YYYY-MM-DD), so string order is date order.
func (c *Contracts) ListEnded(ctx context.Context, today string) ([]Contract, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, plan
		 FROM vip_contracts WHERE status = 'active' AND end_date < ?`, today)
	if err != nil {
		return nil, fmt.Errorf("locker: list ended contracts: %w", err)
	}
	defer rows.Close()

	var out []Contract
	for rows.Next() {
		var ct Contract
		if err := rows.Scan(&ct.ContractID, &ct.KioskID, &ct.LockerID, &ct.CardHash,
			&ct.StartDate, &ct.EndDate, &ct.Status, &ct.Plan); err != nil {
			return nil, fmt.Errorf("locker: scan contract: %w", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// SetStatus transitions a contract out of active.
func (c *Contracts) SetStatus(ctx context.Context, contractID string, status ContractStatus) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE vip_contracts SET status = ?, updated_at_ms = ? WHERE contract_id = ?`,
		string(status), c.now().UnixMilli(), contractID)
	if err != nil {
		return fmt.Errorf("locker: update contract %s: %w", contractID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: contract %s", ErrNotFound, contractID)
	}
	return nil
}

// VipBind marks a Free non-VIP locker as permanently owned by the card and
// opens the backing contract. The contract row is written first so the unique
// indexes veto duplicates before the locker row changes.
func (m *Manager) VipBind(ctx context.Context, kioskID string, lockerID int, cardHash, startDate, endDate string) (Contract, error) {
	l, err := m.store.Get(ctx, kioskID, lockerID)
	if err != nil {
		return Contract{}, err
	}
	if l.Status == StatusBlocked {
		return Contract{}, fmt.Errorf("%w: %s/%d", ErrLockerBlocked, kioskID, lockerID)
	}
	if l.Status != StatusFree || l.IsVIP {
		return Contract{}, fmt.Errorf("%w: %s/%d is %s", ErrLockerBusy, kioskID, lockerID, l.Status)
	}

	var contract Contract
	if m.contracts != nil {
		contract, err = m.contracts.Create(ctx, kioskID, lockerID, cardHash, startDate, endDate, "")
		if err != nil {
			return Contract{}, err
		}
	}

	observed := l.Version
	l.Status = StatusOwned
	l.IsVIP = true
	l.Owner = Owner{Type: OwnerVIP, Key: cardHash}
	l.OwnedAt = m.now().UTC()
	if err := m.store.writeCAS(ctx, l, observed); err != nil {
		if m.contracts != nil {
			_ = m.contracts.SetStatus(ctx, contract.ContractID, ContractCancelled)
		}
		return Contract{}, err
	}

	m.record(ctx, kioskID, lockerID, "vip_bound", ActorSystem, map[string]any{
		"owner_key":   cardHash,
		"contract_id": contract.ContractID,
	})
	return contract, nil
}

// VipExtend moves the end date of the locker's active contract.
func (m *Manager) VipExtend(ctx context.Context, kioskID string, lockerID int, endDate string) (Contract, error) {
	if m.contracts == nil {
		return Contract{}, fmt.Errorf("%w: %s/%d", ErrNotVIP, kioskID, lockerID)
	}
	ct, err := m.contracts.ActiveForLocker(ctx, kioskID, lockerID)
	if err != nil {
		return Contract{}, err
	}
	if ct == nil {
		return Contract{}, fmt.Errorf("%w: %s/%d", ErrNotVIP, kioskID, lockerID)
	}
	if err := m.contracts.UpdateEndDate(ctx, ct.ContractID, endDate); err != nil {
		return Contract{}, err
	}
	ct.EndDate = endDate

	m.record(ctx, kioskID, lockerID, "vip_extended", ActorSystem, map[string]any{
		"contract_id": ct.ContractID,
		"end_date":    endDate,
	})
	return *ct, nil
}

// ExpireVIPContracts frees every VIP locker whose contract end date has
// passed and marks the contract expired. Lockers that change under the sweep
// stay active and are retried next round.
func (m *Manager) ExpireVIPContracts(ctx context.Context) (int, error) {
	if m.contracts == nil {
		return 0, nil
	}
	today := m.now().UTC().Format("2006-01-02")
	ended, err := m.contracts.ListEnded(ctx, today)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, ct := range ended {
		l, err := m.store.Get(ctx, ct.KioskID, ct.LockerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return expired, err
		}
		if err == nil && l.IsVIP {
			observed := l.Version
			l.Status = StatusFree
			l.IsVIP = false
			l.Owner = None
			l.ReservedAt = time.Time{}
			l.OwnedAt = time.Time{}
			if err := m.store.writeCAS(ctx, l, observed); err != nil {
				if errors.Is(err, ErrConcurrencyConflict) {
					continue
				}
				return expired, err
			}
		}
		if err := m.contracts.SetStatus(ctx, ct.ContractID, ContractExpired); err != nil {
			return expired, err
		}
		expired++
		m.record(ctx, ct.KioskID, ct.LockerID, "vip_contract_expired", ActorSystem, map[string]any{
			"contract_id": ct.ContractID,
			"end_date":    ct.EndDate,
		})
		m.logger.Info().
			Str("kiosk_id", ct.KioskID).
			Int("locker_id", ct.LockerID).
			Str("event", "vip.contract_expired").
			Msg("vip contract expired")
	}
	return expired, nil
}

// VipUnbind removes the VIP binding, frees the locker and cancels the active
// contract.
func (m *Manager) VipUnbind(ctx context.Context, kioskID string, lockerID int) error {
	l, err := m.store.Get(ctx, kioskID, lockerID)
	if err != nil {
		return err
	}
	if !l.IsVIP {
		return fmt.Errorf("%w: %s/%d", ErrNotVIP, kioskID, lockerID)
	}

	observed := l.Version
	released := l.Owner
	l.Status = StatusFree
	l.IsVIP = false
	l.Owner = None
	l.ReservedAt = time.Time{}
	l.OwnedAt = time.Time{}
	l.BlockReason = ""
	if err := m.store.writeCAS(ctx, l, observed); err != nil {
		return err
	}

	if m.contracts != nil {
		if ct, err := m.contracts.ActiveForLocker(ctx, kioskID, lockerID); err == nil && ct != nil {
			_ = m.contracts.SetStatus(ctx, ct.ContractID, ContractCancelled)
		}
	}

	m.record(ctx, kioskID, lockerID, "vip_unbound", ActorSystem, map[string]any{
		"owner_key": released.Key,
	})
	return nil
}
