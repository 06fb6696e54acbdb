// Package store owns the gateway schema: the full migration list and the
// startup open-and-migrate helper shared by every SQLite-backed component.
package store

import (
	"database/sql"
	"fmt"

	"github.com/mredag/eform-locker-gateway/internal/persistence/sqlite"
)

// Migrations is the ordered schema history. Append only; never edit an
// applied entry — the migrator refuses hash drift.
var Migrations = []sqlite.Migration{
	{
		Version: 1,
		Name:    "lockers",
		SQL: `
			CREATE TABLE lockers (
				kiosk_id       TEXT    NOT NULL,
				id             INTEGER NOT NULL,
				status         TEXT    NOT NULL DEFAULT 'Free',
				owner_type     TEXT,
				owner_key      TEXT,
				reserved_at_ms INTEGER,
				owned_at_ms    INTEGER,
				is_vip         INTEGER NOT NULL DEFAULT 0,
				block_reason   TEXT,
				version        INTEGER NOT NULL DEFAULT 1,
				updated_at_ms  INTEGER NOT NULL,
				PRIMARY KEY (kiosk_id, id)
			);
			-- One rfid card holds at most one locker across all kiosks.
			CREATE UNIQUE INDEX idx_lockers_rfid_owner
				ON lockers (owner_key)
				WHERE status IN ('Reserved', 'Owned') AND owner_type = 'rfid';
			CREATE INDEX idx_lockers_status ON lockers (kiosk_id, status);`,
	},
	{
		Version: 2,
		Name:    "kiosks",
		SQL: `
			CREATE TABLE kiosks (
				kiosk_id      TEXT PRIMARY KEY,
				zone_id       TEXT,
				version       TEXT,
				status        TEXT NOT NULL DEFAULT 'offline',
				hardware_id   TEXT,
				config_hash   TEXT,
				last_seen_ms  INTEGER,
				created_at_ms INTEGER NOT NULL
			);
			CREATE TABLE kiosk_telemetry (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				kiosk_id      TEXT NOT NULL,
				sample        TEXT NOT NULL,
				created_at_ms INTEGER NOT NULL
			);
			CREATE INDEX idx_kiosk_telemetry_age ON kiosk_telemetry (created_at_ms);
			CREATE INDEX idx_kiosk_telemetry_kiosk ON kiosk_telemetry (kiosk_id, created_at_ms);`,
	},
	{
		Version: 3,
		Name:    "commands",
		SQL: `
			CREATE TABLE commands (
				command_id         TEXT PRIMARY KEY,
				kiosk_id           TEXT NOT NULL,
				type               TEXT NOT NULL,
				payload            TEXT NOT NULL DEFAULT '{}',
				status             TEXT NOT NULL DEFAULT 'pending',
				attempts           INTEGER NOT NULL DEFAULT 0,
				last_error         TEXT,
				created_at_ms      INTEGER NOT NULL,
				picked_at_ms       INTEGER,
				completed_at_ms    INTEGER,
				next_attempt_at_ms INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_commands_poll ON commands (kiosk_id, status, created_at_ms);`,
	},
	{
		Version: 4,
		Name:    "events",
		SQL: `
			CREATE TABLE events (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				kiosk_id      TEXT NOT NULL,
				locker_id     INTEGER,
				type          TEXT NOT NULL,
				actor         TEXT NOT NULL,
				details       TEXT NOT NULL DEFAULT '{}',
				created_at_ms INTEGER NOT NULL
			);
			CREATE INDEX idx_events_time ON events (created_at_ms);
			CREATE INDEX idx_events_kiosk ON events (kiosk_id, created_at_ms);
			CREATE INDEX idx_events_type ON events (type, created_at_ms);`,
	},
	{
		Version: 5,
		Name:    "vip_contracts",
		SQL: `
			CREATE TABLE vip_contracts (
				contract_id   TEXT PRIMARY KEY,
				kiosk_id      TEXT NOT NULL,
				locker_id     INTEGER NOT NULL,
				rfid_card     TEXT NOT NULL,
				start_date    TEXT NOT NULL,
				end_date      TEXT NOT NULL,
				status        TEXT NOT NULL DEFAULT 'active',
				plan          TEXT NOT NULL DEFAULT '{}',
				created_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL
			);
			-- At most one active contract per locker and per card.
			CREATE UNIQUE INDEX idx_vip_active_locker
				ON vip_contracts (kiosk_id, locker_id) WHERE status = 'active';
			CREATE UNIQUE INDEX idx_vip_active_card
				ON vip_contracts (rfid_card) WHERE status = 'active';`,
	},
	{
		Version: 6,
		Name:    "config_versions",
		SQL: `
			CREATE TABLE config_versions (
				version       INTEGER PRIMARY KEY AUTOINCREMENT,
				document      TEXT NOT NULL,
				hash          TEXT NOT NULL,
				active        INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL,
				applied_at_ms INTEGER
			);
			CREATE INDEX idx_config_active ON config_versions (active);`,
	},
}

// Open opens the gateway database and brings the schema up to date.
func Open(dbPath string, cfg sqlite.Config) (*sql.DB, error) {
	db, err := sqlite.Open(dbPath, cfg)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(db, Migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}
