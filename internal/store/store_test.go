package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eform-locker-gateway/internal/persistence/sqlite"
)

// :memory: gives each pool connection its own database, so tests pin the
// pool to one connection.
func testConfig() sqlite.Config {
	cfg := sqlite.DefaultConfig()
	cfg.MaxOpenConns = 1
	return cfg
}

func TestOpenAppliesFullSchema(t *testing.T) {
	db, err := Open(":memory:", testConfig())
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{
		"lockers", "kiosks", "kiosk_telemetry", "commands",
		"events", "vip_contracts", "config_versions",
	} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %s must exist", table)
	}

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, len(Migrations), applied)
}

func TestRfidOwnerUniqueAcrossKiosks(t *testing.T) {
	db, err := Open(":memory:", testConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO lockers (kiosk_id, id, status, owner_type, owner_key, version, updated_at_ms)
		VALUES ('K1', 1, 'Owned', 'rfid', 'hash-a', 2, 0)`)
	require.NoError(t, err)

	// Same card on another kiosk must be rejected while the first is held.
	_, err = db.Exec(`
		INSERT INTO lockers (kiosk_id, id, status, owner_type, owner_key, version, updated_at_ms)
		VALUES ('K2', 1, 'Reserved', 'rfid', 'hash-a', 2, 0)`)
	assert.Error(t, err)

	// A Free locker with a leftover key would not trip the index, and a
	// device owner may appear twice.
	_, err = db.Exec(`
		INSERT INTO lockers (kiosk_id, id, status, owner_type, owner_key, version, updated_at_ms)
		VALUES ('K2', 2, 'Owned', 'device', 'hash-a', 2, 0)`)
	assert.NoError(t, err)
}

func TestActiveVipContractUnique(t *testing.T) {
	db, err := Open(":memory:", testConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO vip_contracts (contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, created_at_ms, updated_at_ms)
		VALUES ('c1', 'K1', 5, 'hash-a', '2026-01-01', '2026-12-31', 'active', 0, 0)`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO vip_contracts (contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, created_at_ms, updated_at_ms)
		VALUES ('c2', 'K1', 5, 'hash-b', '2026-01-01', '2026-12-31', 'active', 0, 0)`)
	assert.Error(t, err, "second active contract on the same locker")

	_, err = db.Exec(`
		INSERT INTO vip_contracts (contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, created_at_ms, updated_at_ms)
		VALUES ('c3', 'K1', 6, 'hash-a', '2026-01-01', '2026-12-31', 'active', 0, 0)`)
	assert.Error(t, err, "second active contract for the same card")

	// Cancelled contracts do not block new ones.
	_, err = db.Exec(`UPDATE vip_contracts SET status = 'cancelled' WHERE contract_id = 'c1'`)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO vip_contracts (contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, created_at_ms, updated_at_ms)
		VALUES ('c4', 'K1', 5, 'hash-a', '2026-01-01', '2026-12-31', 'active', 0, 0)`)
	assert.NoError(t, err)
}
