package locker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store persists locker rows. All mutations go through writeCAS so the row
// version is bumped exactly once per change.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps the shared gateway database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const lockerColumns = `kiosk_id, id, status, owner_type, owner_key,
	reserved_at_ms, owned_at_ms, is_vip, block_reason, version, updated_at_ms`

func scanLocker(row interface{ Scan(...any) error }) (Locker, error) {
	var (
		l          Locker
		ownerType  sql.NullString
		ownerKey   sql.NullString
		reservedAt sql.NullInt64
		ownedAt    sql.NullInt64
		blockedFor sql.NullString
		updatedAt  int64
	)
	err := row.Scan(&l.KioskID, &l.ID, &l.Status, &ownerType, &ownerKey,
		&reservedAt, &ownedAt, &l.IsVIP, &blockedFor, &l.Version, &updatedAt)
	if err != nil {
		return Locker{}, err
	}
	if ownerType.Valid {
		l.Owner = Owner{Type: OwnerType(ownerType.String), Key: ownerKey.String}
	}
	if reservedAt.Valid {
		l.ReservedAt = time.UnixMilli(reservedAt.Int64).UTC()
	}
	if ownedAt.Valid {
		l.OwnedAt = time.UnixMilli(ownedAt.Int64).UTC()
	}
	l.BlockReason = blockedFor.String
	l.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return l, nil
}

// Get returns one locker row.
func (s *Store) Get(ctx context.Context, kioskID string, id int) (Locker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? AND id = ?`, kioskID, id)
	l, err := scanLocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Locker{}, fmt.Errorf("%w: %s/%d", ErrNotFound, kioskID, id)
	}
	if err != nil {
		return Locker{}, fmt.Errorf("locker: get %s/%d: %w", kioskID, id, err)
	}
	return l, nil
}

// List returns every locker of a kiosk, ordered by ID.
func (s *Store) List(ctx context.Context, kioskID string) ([]Locker, error) {
	return s.query(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? ORDER BY id`, kioskID)
}

// ListAvailable returns Free non-VIP lockers of a kiosk, ordered by ID.
func (s *Store) ListAvailable(ctx context.Context, kioskID string) ([]Locker, error) {
	return s.query(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE kiosk_id = ? AND status = 'Free' AND is_vip = 0 ORDER BY id`, kioskID)
}

// ListExpiredReservations returns Reserved lockers whose reservation is older
// than the cutoff.
func (s *Store) ListExpiredReservations(ctx context.Context, cutoff time.Time) ([]Locker, error) {
	return s.query(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE status = 'Reserved' AND reserved_at_ms < ? ORDER BY kiosk_id, id`,
		cutoff.UnixMilli())
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("locker: query: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("locker: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FindByOwner returns the locker currently held by the owner, or nil. For
// rfid owners the schema guarantees at most one row.
func (s *Store) FindByOwner(ctx context.Context, owner Owner) (*Locker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE owner_type = ? AND owner_key = ? AND status IN ('Reserved', 'Owned')
		 ORDER BY kiosk_id, id LIMIT 1`,
		string(owner.Type), owner.Key)
	l, err := scanLocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locker: find by owner: %w", err)
	}
	return &l, nil
}

// Seed creates rows 1..n for the kiosk, all Free. Existing rows are left
// untouched, so re-seeding after a count increase only adds the tail.
func (s *Store) Seed(ctx context.Context, kioskID string, n int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("locker: seed begin: %w", err)
	}
	defer tx.Rollback()

	nowMS := s.now().UnixMilli()
	created := 0
	for id := 1; id <= n; id++ {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO lockers (kiosk_id, id, status, version, updated_at_ms)
			 VALUES (?, ?, 'Free', 1, ?)`, kioskID, id, nowMS)
		if err != nil {
			return 0, fmt.Errorf("locker: seed %s/%d: %w", kioskID, id, err)
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("locker: seed commit: %w", err)
	}
	return created, nil
}

// writeCAS persists the full row state of l, guarded by the version the
// caller observed. The stored version becomes observed+1.
func (s *Store) writeCAS(ctx context.Context, l Locker, observedVersion int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lockers SET
			status = ?, owner_type = ?, owner_key = ?,
			reserved_at_ms = ?, owned_at_ms = ?, is_vip = ?, block_reason = ?,
			version = version + 1, updated_at_ms = ?
		 WHERE kiosk_id = ? AND id = ? AND version = ?`,
		string(l.Status), nullStr(string(l.Owner.Type)), nullStr(l.Owner.Key),
		nullTime(l.ReservedAt), nullTime(l.OwnedAt), l.IsVIP, nullStr(l.BlockReason),
		s.now().UnixMilli(),
		l.KioskID, l.ID, observedVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrOwnerElsewhere, l.Owner.Key)
		}
		return fmt.Errorf("locker: update %s/%d: %w", l.KioskID, l.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("locker: update %s/%d: %w", l.KioskID, l.ID, err)
	}
	if rows == 0 {
		// Distinguish a lost race from a missing row.
		if _, getErr := s.Get(ctx, l.KioskID, l.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s/%d version %d", ErrConcurrencyConflict, l.KioskID, l.ID, observedVersion)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
