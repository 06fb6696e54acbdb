// Package events is the append-only audit log. Card IDs never reach the
// database raw: callers hash them through Hasher first.
package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Hasher produces stable salted hashes for personal identifiers. The salt
// comes from runtime config and never changes while the process runs.
type Hasher struct {
	salt []byte
}

// NewHasher builds a hasher from the configured salt.
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: []byte(salt)}
}

// HashCard returns the stable hash for a raw card ID. Empty input stays
// empty so optional fields survive untouched.
func (h *Hasher) HashCard(cardID string) string {
	if cardID == "" {
		return ""
	}
	sum := sha256.Sum256(append(append([]byte{}, h.salt...), cardID...))
	return hex.EncodeToString(sum[:])
}

// Entry is one audit record.
type Entry struct {
	ID        int64           `json:"id"`
	KioskID   string          `json:"kiosk_id"`
	LockerID  int             `json:"locker_id,omitempty"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	From     time.Time
	To       time.Time
	KioskID  string
	LockerID int
	Type     string
	Actor    string
	Limit    int
}

// Logger appends and queries audit rows.
type Logger struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger wraps the shared gateway database.
func NewLogger(db *sql.DB, logger zerolog.Logger) *Logger {
	return &Logger{
		db:     db,
		logger: logger.With().Str("component", "events").Logger(),
		now:    time.Now,
	}
}

// Append writes one audit row. Details must already carry hashed identifiers.
// Audit failures are logged but never fail the calling operation.
func (l *Logger) Append(ctx context.Context, kioskID string, lockerID int, eventType, actor string, details map[string]any) {
	payload := []byte("{}")
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			l.logger.Error().Err(err).Str("type", eventType).Str("event", "audit.marshal_error").
				Msg("dropping unmarshalable audit details")
		} else {
			payload = b
		}
	}

	var lockerCol any
	if lockerID > 0 {
		lockerCol = lockerID
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (kiosk_id, locker_id, type, actor, details, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		kioskID, lockerCol, eventType, actor, string(payload), l.now().UnixMilli())
	if err != nil {
		l.logger.Error().Err(err).Str("type", eventType).Str("event", "audit.write_error").
			Msg("audit append failed")
	}
}

// Query returns matching entries, newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT id, kiosk_id, locker_id, type, actor, details, created_at_ms FROM events WHERE 1=1`
	var args []any
	if !f.From.IsZero() {
		q += " AND created_at_ms >= ?"
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		q += " AND created_at_ms <= ?"
		args = append(args, f.To.UnixMilli())
	}
	if f.KioskID != "" {
		q += " AND kiosk_id = ?"
		args = append(args, f.KioskID)
	}
	if f.LockerID > 0 {
		q += " AND locker_id = ?"
		args = append(args, f.LockerID)
	}
	if f.Type != "" {
		q += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.Actor != "" {
		q += " AND actor = ?"
		args = append(args, f.Actor)
	}
	q += " ORDER BY created_at_ms DESC, id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			lockerID  sql.NullInt64
			details   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.KioskID, &lockerID, &e.Type, &e.Actor, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.LockerID = int(lockerID.Int64)
		e.Details = json.RawMessage(details)
		e.Timestamp = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
