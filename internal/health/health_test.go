package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eform-locker-gateway/internal/modbus"
	"github.com/mredag/eform-locker-gateway/internal/persistence/sqlite"
	"github.com/mredag/eform-locker-gateway/internal/pipeline"
	"github.com/mredag/eform-locker-gateway/internal/store"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string                      { return c.name }
func (c staticChecker) Check(context.Context) CheckResult { return c.result }

func TestManagerAggregatesWorstStatus(t *testing.T) {
	m := NewManager("1.0.0")
	m.Register(staticChecker{name: "a", result: CheckResult{Status: StatusHealthy}})
	m.Register(staticChecker{name: "b", result: CheckResult{Status: StatusDegraded, Message: "slow"}})

	s := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, s.Status)
	assert.Equal(t, "1.0.0", s.Version)
	assert.Len(t, s.Checks, 2)

	ready, _ := m.Ready(context.Background())
	assert.True(t, ready, "degraded still serves traffic")

	m.Register(staticChecker{name: "c", result: CheckResult{Status: StatusUnhealthy, Error: "down"}})
	s = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, s.Status)
	ready, _ = m.Ready(context.Background())
	assert.False(t, ready)
}

func TestManagerWithoutCheckersIsHealthy(t *testing.T) {
	m := NewManager("")
	s := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, s.Status)
	assert.Empty(t, s.Checks)
}

func TestDBChecker(t *testing.T) {
	cfg := sqlite.DefaultConfig()
	cfg.MaxOpenConns = 1
	db, err := store.Open(":memory:", cfg)
	require.NoError(t, err)
	defer db.Close()

	res := NewDBChecker(db).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	require.NoError(t, db.Close())
	res = NewDBChecker(db).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

type fakeBus struct {
	st modbus.Status
}

func (f fakeBus) Status() modbus.Status { return f.st }

type fakeActuator struct {
	st pipeline.Status
}

func (f fakeActuator) Pulse(context.Context, int) error { return nil }
func (f fakeActuator) Burst(context.Context, int) error { return nil }
func (f fakeActuator) OpenAll(context.Context, []int, pipeline.OpenAllOptions) []pipeline.OpenResult {
	return nil
}
func (f fakeActuator) Status() pipeline.Status { return f.st }

func TestBusChecker(t *testing.T) {
	res := NewBusChecker(nil, nil).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	res = NewBusChecker(fakeBus{st: modbus.Status{Connected: false, ConsecutiveFailures: 3}}, nil).
		Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "CONNECTION_LOST", res.Error)

	act := fakeActuator{st: pipeline.Status{Slaves: map[byte]pipeline.SlaveState{
		2: {Quarantined: true},
	}}}
	res = NewBusChecker(fakeBus{st: modbus.Status{Connected: true}}, act).
		Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)

	res = NewBusChecker(fakeBus{st: modbus.Status{Connected: true}}, fakeActuator{}).
		Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}
