package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Migration is one versioned schema change. SQL runs inside a transaction.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// ErrMigrationDrift is returned when a recorded migration's content hash no
// longer matches the SQL shipped with the binary.
var ErrMigrationDrift = errors.New("sqlite: migration drift detected")

// Migrate applies all pending migrations in version order and records each
// with a content hash so later startups can detect drift.
func Migrate(db *sql.DB, migrations []Migration) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			hash TEXT NOT NULL,
			applied_at_ms INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations: %w", err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		applied, recordedHash, err := migrationRecord(db, m.Version)
		if err != nil {
			return err
		}
		hash := contentHash(m.SQL)
		if applied {
			if recordedHash != hash {
				return fmt.Errorf("%w: version %d (%s)", ErrMigrationDrift, m.Version, m.Name)
			}
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name, hash, applied_at_ms) VALUES (?, ?, ?, ?)",
			m.Version, m.Name, hash, time.Now().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func migrationRecord(db *sql.DB, version int) (bool, string, error) {
	var hash string
	err := db.QueryRow("SELECT hash FROM schema_migrations WHERE version = ?", version).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("sqlite: read schema_migrations: %w", err)
	}
	return true, hash, nil
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
