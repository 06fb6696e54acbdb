package kiosk

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eform-locker-gateway/internal/persistence/sqlite"
	"github.com/mredag/eform-locker-gateway/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := sqlite.DefaultConfig()
	cfg.MaxOpenConns = 1
	db, err := store.Open(":memory:", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHeartbeatRegistersAndRefreshes(t *testing.T) {
	m := NewManager(testDB(t), zerolog.Nop())
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	require.NoError(t, m.Heartbeat(ctx, Heartbeat{
		KioskID: "K1", Version: "1.2.0", ZoneID: "mens", ConfigHash: "abc",
	}))

	k, err := m.GetKiosk(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, k.Status)
	assert.Equal(t, "mens", k.ZoneID)
	assert.Equal(t, "abc", k.ConfigHash)
	assert.Equal(t, base.UnixMilli(), k.LastSeen.UnixMilli())

	// A later heartbeat without optional fields keeps the known values.
	m.now = func() time.Time { return base.Add(10 * time.Second) }
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K1", Version: "1.2.1"}))

	k, err = m.GetKiosk(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "1.2.1", k.Version)
	assert.Equal(t, "mens", k.ZoneID)
	assert.Equal(t, "abc", k.ConfigHash)
}

func TestOfflineSweep(t *testing.T) {
	m := NewManager(testDB(t), zerolog.Nop())
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K1", Version: "1"}))

	m.now = func() time.Time { return base.Add(25 * time.Second) }
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K2", Version: "1"}))

	m.now = func() time.Time { return base.Add(35 * time.Second) }
	marked, err := m.SweepOffline(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	k1, err := m.GetKiosk(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, k1.Status)
	k2, err := m.GetKiosk(ctx, "K2")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, k2.Status)

	// A new heartbeat brings the kiosk back online.
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K1", Version: "1"}))
	k1, err = m.GetKiosk(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, k1.Status)
}

func TestTelemetryStoredAndPruned(t *testing.T) {
	db := testDB(t)
	m := NewManager(db, zerolog.Nop())
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base.Add(-8 * 24 * time.Hour) }
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{
		KioskID: "K1", Version: "1", Telemetry: json.RawMessage(`{"cpu":12}`),
	}))

	m.now = func() time.Time { return base }
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{
		KioskID: "K1", Version: "1", Telemetry: json.RawMessage(`{"cpu":15}`),
	}))

	pruned, err := m.PruneTelemetry(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	var remaining int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kiosk_telemetry`).Scan(&remaining))
	assert.Equal(t, 1, remaining)
}

func TestStatistics(t *testing.T) {
	m := NewManager(testDB(t), zerolog.Nop())
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K1", Version: "1", ZoneID: "mens"}))
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K2", Version: "1", ZoneID: "mens"}))
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K3", Version: "1", ZoneID: "womens"}))

	// K3 goes quiet.
	m.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K1", Version: "1"}))
	require.NoError(t, m.Heartbeat(ctx, Heartbeat{KioskID: "K2", Version: "1"}))
	_, err := m.SweepOffline(ctx, 30*time.Second)
	require.NoError(t, err)

	stats, err := m.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Online)
	assert.Equal(t, 1, stats.Offline)
	assert.Equal(t, ZoneStats{Total: 2, Online: 2}, stats.ByZone["mens"])
	assert.Equal(t, ZoneStats{Total: 1, Online: 0}, stats.ByZone["womens"])

	byZone, err := m.GetKiosksByZone(ctx, "mens")
	require.NoError(t, err)
	assert.Len(t, byZone, 2)
}

func TestQueueFIFOAndSingleInFlight(t *testing.T) {
	q := NewQueue(testDB(t), zerolog.Nop())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "K1", CmdOpenLocker, json.RawMessage(`{"locker_id":5}`))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "K1", CmdBulkOpen, nil)
	require.NoError(t, err)

	claimed, err := q.Poll(ctx, "K1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.CommandID, claimed[0].CommandID, "FIFO order")
	assert.Equal(t, CmdInFlight, claimed[0].Status)

	// Re-poll returns the same in-flight command, never a second claim.
	again, err := q.Poll(ctx, "K1")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first.CommandID, again[0].CommandID)

	require.NoError(t, q.Complete(ctx, first.CommandID, true, ""))

	claimed, err = q.Poll(ctx, "K1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, second.CommandID, claimed[0].CommandID)
}

func TestQueueIsolatesKiosks(t *testing.T) {
	q := NewQueue(testDB(t), zerolog.Nop())
	ctx := context.Background()

	c1, err := q.Enqueue(ctx, "K1", CmdOpenLocker, nil)
	require.NoError(t, err)
	c2, err := q.Enqueue(ctx, "K2", CmdOpenLocker, nil)
	require.NoError(t, err)

	k1, err := q.Poll(ctx, "K1")
	require.NoError(t, err)
	k2, err := q.Poll(ctx, "K2")
	require.NoError(t, err)
	assert.Equal(t, c1.CommandID, k1[0].CommandID)
	assert.Equal(t, c2.CommandID, k2[0].CommandID)
}

func TestQueueRequeuesWithBackoffThenDeadLetters(t *testing.T) {
	q := NewQueue(testDB(t), zerolog.Nop())
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }

	cmd, err := q.Enqueue(ctx, "K1", CmdOpenLocker, nil)
	require.NoError(t, err)

	// Attempt 1 fails: requeued, not yet visible.
	claimed, err := q.Poll(ctx, "K1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, q.Complete(ctx, cmd.CommandID, false, "relay timeout"))

	empty, err := q.Poll(ctx, "K1")
	require.NoError(t, err)
	assert.Empty(t, empty, "backoff hides the requeued command")

	// After the backoff it is pollable again.
	q.now = func() time.Time { return base.Add(2 * time.Second) }
	claimed, err = q.Poll(ctx, "K1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "relay timeout", claimed[0].LastError)
	require.NoError(t, q.Complete(ctx, cmd.CommandID, false, "relay timeout"))

	// Attempt 3 dead-letters.
	q.now = func() time.Time { return base.Add(10 * time.Second) }
	claimed, err = q.Poll(ctx, "K1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, q.Complete(ctx, cmd.CommandID, false, "relay timeout"))

	empty, err = q.Poll(ctx, "K1")
	require.NoError(t, err)
	assert.Empty(t, empty, "dead-lettered command never comes back")
}

func TestQueueCompleteRequiresInFlight(t *testing.T) {
	q := NewQueue(testDB(t), zerolog.Nop())
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, "K1", CmdOpenLocker, nil)
	require.NoError(t, err)

	err = q.Complete(ctx, cmd.CommandID, true, "")
	assert.ErrorIs(t, err, ErrCommandNotInFlight)

	err = q.Complete(ctx, "no-such-id", true, "")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestQueueClearPendingAndCancel(t *testing.T) {
	q := NewQueue(testDB(t), zerolog.Nop())
	ctx := context.Background()

	inflight, err := q.Enqueue(ctx, "K1", CmdOpenLocker, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "K1", CmdBulkOpen, nil)
	require.NoError(t, err)
	pending, err := q.Enqueue(ctx, "K1", CmdBulkOpen, nil)
	require.NoError(t, err)

	_, err = q.Poll(ctx, "K1")
	require.NoError(t, err)

	// Cancelling the in-flight command is refused.
	assert.ErrorIs(t, q.Cancel(ctx, inflight.CommandID), ErrCommandNotCancellable)
	require.NoError(t, q.Cancel(ctx, pending.CommandID))

	cleared, err := q.ClearPending(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared, "only the remaining pending command is wiped")
}
