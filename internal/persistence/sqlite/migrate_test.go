package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig pins the pool to one connection so ":memory:" databases are
// shared across statements.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxOpenConns = 1
	return cfg
}

func TestMigrateAppliesInOrder(t *testing.T) {
	db, err := Open(":memory:", testConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	migs := []Migration{
		{Version: 2, Name: "add_column", SQL: "ALTER TABLE t ADD COLUMN b TEXT"},
		{Version: 1, Name: "create_t", SQL: "CREATE TABLE t (a INTEGER PRIMARY KEY)"},
	}
	require.NoError(t, Migrate(db, migs))

	// Both columns exist only if version 1 ran before version 2.
	_, err = db.Exec("INSERT INTO t (a, b) VALUES (1, 'x')")
	assert.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(":memory:", testConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	migs := []Migration{{Version: 1, Name: "create_t", SQL: "CREATE TABLE t (a INTEGER)"}}
	require.NoError(t, Migrate(db, migs))
	require.NoError(t, Migrate(db, migs))
}

func TestMigrateDetectsDrift(t *testing.T) {
	db, err := Open(":memory:", testConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(db, []Migration{{Version: 1, Name: "create_t", SQL: "CREATE TABLE t (a INTEGER)"}}))

	err = Migrate(db, []Migration{{Version: 1, Name: "create_t", SQL: "CREATE TABLE t (a INTEGER, b TEXT)"}})
	assert.ErrorIs(t, err, ErrMigrationDrift)
}
