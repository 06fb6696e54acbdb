package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eform-locker-gateway/internal/persistence/sqlite"
	"github.com/mredag/eform-locker-gateway/internal/store"
)

func testLogger(t *testing.T) *Logger {
	t.Helper()
	cfg := sqlite.DefaultConfig()
	cfg.MaxOpenConns = 1
	db, err := store.Open(":memory:", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLogger(db, zerolog.Nop())
}

func TestHashCardIsStableAndSalted(t *testing.T) {
	h1 := NewHasher("salt-a")
	h2 := NewHasher("salt-b")

	assert.Equal(t, h1.HashCard("0001234567"), h1.HashCard("0001234567"))
	assert.NotEqual(t, h1.HashCard("0001234567"), h2.HashCard("0001234567"))
	assert.NotEqual(t, h1.HashCard("0001234567"), h1.HashCard("0001234568"))
	assert.NotContains(t, h1.HashCard("0001234567"), "0001234567")
	assert.Empty(t, h1.HashCard(""))
	assert.Len(t, h1.HashCard("x"), 64)
}

func TestAppendAndQueryFilters(t *testing.T) {
	l := testLogger(t)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }
	l.Append(ctx, "K1", 5, "locker_assigned", "system", map[string]any{"owner_key": "hash-a"})

	l.now = func() time.Time { return base.Add(time.Minute) }
	l.Append(ctx, "K1", 5, "locker_released", "system", nil)

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	l.Append(ctx, "K2", 0, "kiosk_restarted", "operator:jo", nil)

	all, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "kiosk_restarted", all[0].Type, "newest first")

	byKiosk, err := l.Query(ctx, Filter{KioskID: "K1"})
	require.NoError(t, err)
	assert.Len(t, byKiosk, 2)

	byType, err := l.Query(ctx, Filter{Type: "locker_released"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, 5, byType[0].LockerID)

	byActor, err := l.Query(ctx, Filter{Actor: "operator:jo"})
	require.NoError(t, err)
	assert.Len(t, byActor, 1)

	windowed, err := l.Query(ctx, Filter{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "locker_released", windowed[0].Type)

	limited, err := l.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAppendStoresDetailsJSON(t *testing.T) {
	l := testLogger(t)
	ctx := context.Background()

	l.Append(ctx, "K1", 7, "vip_bound", "system", map[string]any{"owner_key": "hash-vip"})

	got, err := l.Query(ctx, Filter{Type: "vip_bound"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"owner_key":"hash-vip"}`, string(got[0].Details))
}
