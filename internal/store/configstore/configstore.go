// Package configstore versions the deployable configuration document and
// publishes the active version through the shared config holder.
package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mredag/eform-locker-gateway/internal/config"
)

var (
	// ErrVersionNotFound means no stored config carries that version.
	ErrVersionNotFound = errors.New("configstore: version not found")
	// ErrNoRollbackTarget means no earlier applied version exists.
	ErrNoRollbackTarget = errors.New("configstore: nothing to roll back to")
)

// VersionInfo describes one stored config version.
type VersionInfo struct {
	Version   int       `json:"version"`
	Hash      string    `json:"hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	AppliedAt time.Time `json:"applied_at,omitzero"`
}

// Store persists config versions and swaps the live snapshot on apply.
type Store struct {
	db     *sql.DB
	holder *config.Holder
	logger zerolog.Logger
	now    func() time.Time
}

// New wraps the shared gateway database.
func New(db *sql.DB, holder *config.Holder, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		holder: holder,
		logger: logger.With().Str("component", "configstore").Logger(),
		now:    time.Now,
	}
}

// Deploy validates and stores a new config version without activating it.
func (s *Store) Deploy(ctx context.Context, doc *config.Document) (VersionInfo, error) {
	doc = doc.Clone()
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return VersionInfo{}, err
	}

	hash := doc.Hash()
	raw, err := config.MarshalDocument(doc)
	if err != nil {
		return VersionInfo{}, err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO config_versions (document, hash, active, created_at_ms) VALUES (?, ?, 0, ?)`,
		string(raw), hash, now.UnixMilli())
	if err != nil {
		return VersionInfo{}, fmt.Errorf("configstore: deploy: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return VersionInfo{}, fmt.Errorf("configstore: deploy: %w", err)
	}

	s.logger.Info().
		Int64("version", id).
		Str("hash", hash).
		Str("event", "config.deployed").
		Msg("config version stored")
	return VersionInfo{Version: int(id), Hash: hash, CreatedAt: now.UTC()}, nil
}

// Apply activates a stored version and swaps the live snapshot. The previous
// version stays in the table for rollback.
func (s *Store) Apply(ctx context.Context, version int) error {
	var raw, hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT document, hash FROM config_versions WHERE version = ?`, version).Scan(&raw, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	if err != nil {
		return fmt.Errorf("configstore: read version %d: %w", version, err)
	}

	doc, err := config.ParseDocument([]byte(raw))
	if err != nil {
		return fmt.Errorf("configstore: stored version %d invalid: %w", version, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("configstore: apply begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE config_versions SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("configstore: deactivate: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET active = 1, applied_at_ms = ? WHERE version = ?`,
		s.now().UnixMilli(), version); err != nil {
		return fmt.Errorf("configstore: activate %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("configstore: apply commit: %w", err)
	}

	s.holder.Swap(config.Snapshot{Doc: doc, Hash: hash, Version: version})
	s.logger.Info().
		Int("version", version).
		Str("hash", hash).
		Str("event", "config.applied").
		Msg("config version activated")
	return nil
}

// Rollback re-activates the most recently applied version other than the
// current one.
func (s *Store) Rollback(ctx context.Context) error {
	current := s.holder.Current().Version
	var target int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM config_versions
		 WHERE applied_at_ms IS NOT NULL AND version != ?
		 ORDER BY applied_at_ms DESC, version DESC LIMIT 1`, current).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRollbackTarget
	}
	if err != nil {
		return fmt.Errorf("configstore: rollback lookup: %w", err)
	}
	return s.Apply(ctx, target)
}

// List returns all stored versions, newest first, without the documents.
func (s *Store) List(ctx context.Context) ([]VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, hash, active, created_at_ms, applied_at_ms
		 FROM config_versions ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("configstore: list: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var (
			v         VersionInfo
			createdAt int64
			appliedAt sql.NullInt64
		)
		if err := rows.Scan(&v.Version, &v.Hash, &v.Active, &createdAt, &appliedAt); err != nil {
			return nil, fmt.Errorf("configstore: scan: %w", err)
		}
		v.CreatedAt = time.UnixMilli(createdAt).UTC()
		if appliedAt.Valid {
			v.AppliedAt = time.UnixMilli(appliedAt.Int64).UTC()
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Document returns the stored document of one version.
func (s *Store) Document(ctx context.Context, version int) (*config.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM config_versions WHERE version = ?`, version).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("configstore: read version %d: %w", version, err)
	}
	return config.ParseDocument([]byte(raw))
}

// LoadActive publishes the active stored version at startup. When the table
// is empty the fallback document is deployed and applied as version one.
func (s *Store) LoadActive(ctx context.Context, fallback *config.Document) error {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM config_versions WHERE active = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		info, err := s.Deploy(ctx, fallback)
		if err != nil {
			return fmt.Errorf("configstore: seed fallback: %w", err)
		}
		return s.Apply(ctx, info.Version)
	}
	if err != nil {
		return fmt.Errorf("configstore: find active: %w", err)
	}
	return s.Apply(ctx, version)
}
