package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eform-locker-gateway/internal/config"
	"github.com/mredag/eform-locker-gateway/internal/zone"
)

type coilWrite struct {
	slave byte
	coil  int
	on    bool
	at    time.Time
}

type fakeTransport struct {
	mu       sync.Mutex
	writes   []coilWrite
	failNext int // fail this many upcoming single-coil writes
}

func (f *fakeTransport) WriteSingleCoil(ctx context.Context, slave byte, coil int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, coilWrite{slave: slave, coil: coil, on: on, at: time.Now()})
	if f.failNext > 0 {
		f.failNext--
		return errors.New("write failed")
	}
	return nil
}

func (f *fakeTransport) WriteMultipleCoils(ctx context.Context, slave byte, firstCoil int, bits []bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, coilWrite{slave: slave, coil: firstCoil, on: false, at: time.Now()})
	return nil
}

func (f *fakeTransport) recorded() []coilWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coilWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func testHolder() *config.Holder {
	doc := &config.Document{
		Features: config.Features{ZonesEnabled: true},
		Zones: []config.Zone{
			{ID: "mens", Ranges: []config.Range{{Start: 1, End: 32}}, RelayCards: []int{1, 2}, Enabled: true},
		},
		Timing: config.Timing{
			PulseMS:           20,
			BurstMS:           120,
			BurstIntervalMS:   30,
			CommandIntervalMS: 25,
			ReservationTTLSec: 90,
			HeartbeatSec:      10,
			OfflineSec:        30,
			PollSec:           2,
		},
	}
	return config.NewHolder(config.Snapshot{Doc: doc, Hash: doc.Hash(), Version: 1})
}

func newTestPipeline(tp Transport) *Pipeline {
	return New(tp, testHolder(), NewQuarantine(DefaultQuarantineConfig()), zerolog.Nop())
}

func TestPulseWritesOnThenOff(t *testing.T) {
	tp := &fakeTransport{}
	p := newTestPipeline(tp)

	require.NoError(t, p.Pulse(context.Background(), 5))

	writes := tp.recorded()
	require.Len(t, writes, 2)
	assert.Equal(t, coilWrite{slave: 1, coil: 5, on: true, at: writes[0].at}, writes[0])
	assert.Equal(t, coilWrite{slave: 1, coil: 5, on: false, at: writes[1].at}, writes[1])
	// The hold time separates ON and OFF.
	assert.GreaterOrEqual(t, writes[1].at.Sub(writes[0].at), 15*time.Millisecond)
}

func TestPulseRetriesAreTransparent(t *testing.T) {
	tp := &fakeTransport{failNext: 2}
	p := newTestPipeline(tp)

	require.NoError(t, p.Pulse(context.Background(), 17))

	// Two failed ON attempts, one successful ON, one OFF.
	writes := tp.recorded()
	require.Len(t, writes, 4)
	assert.Equal(t, byte(2), writes[0].slave)
	assert.True(t, writes[2].on)
	assert.False(t, writes[3].on)

	st := p.Status()
	assert.Equal(t, uint64(1), st.PulsesOK)
	assert.Equal(t, uint64(0), st.PulsesFailed)
}

func TestPulseSendsBestEffortOffAfterOnFailure(t *testing.T) {
	tp := &fakeTransport{failNext: maxRetries}
	p := newTestPipeline(tp)

	err := p.Pulse(context.Background(), 1)
	require.Error(t, err)

	writes := tp.recorded()
	require.Len(t, writes, maxRetries+1)
	last := writes[len(writes)-1]
	assert.False(t, last.on, "OFF must still be attempted")
}

func TestPulseUnknownLocker(t *testing.T) {
	p := newTestPipeline(&fakeTransport{})
	// Beyond the legacy address space entirely.
	err := p.Pulse(context.Background(), 247*16+1)
	assert.ErrorIs(t, err, zone.ErrUnknownLocker)
}

func TestPulseFailsFastWhenQuarantined(t *testing.T) {
	tp := &fakeTransport{}
	q := NewQuarantine(QuarantineConfig{Threshold: 1, Window: time.Minute, Lockout: time.Minute})
	p := New(tp, testHolder(), q, zerolog.Nop())

	q.RecordFailure(1)
	err := p.Pulse(context.Background(), 5)
	assert.ErrorIs(t, err, ErrSlaveQuarantined)
	assert.Empty(t, tp.recorded(), "no frame may reach a quarantined slave")

	// Slave 2 is unaffected.
	assert.NoError(t, p.Pulse(context.Background(), 17))
}

func TestBurstReturnsOnFirstSuccess(t *testing.T) {
	tp := &fakeTransport{}
	p := newTestPipeline(tp)

	start := time.Now()
	require.NoError(t, p.Burst(context.Background(), 3))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBurstExhausts(t *testing.T) {
	tp := &fakeTransport{failNext: 1 << 20}
	q := NewQuarantine(QuarantineConfig{Threshold: 1 << 20, Window: time.Minute, Lockout: time.Minute})
	p := New(tp, testHolder(), q, zerolog.Nop())

	err := p.Burst(context.Background(), 3)
	assert.ErrorIs(t, err, ErrBurstExhausted)
}

func TestBurstCancellationIsFailure(t *testing.T) {
	tp := &fakeTransport{failNext: 1 << 20}
	q := NewQuarantine(QuarantineConfig{Threshold: 1 << 20, Window: time.Minute, Lockout: time.Minute})
	p := New(tp, testHolder(), q, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := p.Burst(ctx, 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBurstExhausted)
}

func TestOpenAllSequentialWithGap(t *testing.T) {
	tp := &fakeTransport{}
	p := newTestPipeline(tp)

	results := p.OpenAll(context.Background(), []int{1, 2, 3}, OpenAllOptions{})
	require.Len(t, results, 3)
	for _, res := range results {
		assert.NoError(t, res.Err)
	}

	writes := tp.recorded()
	require.Len(t, writes, 6)
	// ON frames come in locker order, each pair separated by the gap.
	assert.Equal(t, 1, writes[0].coil)
	assert.Equal(t, 2, writes[2].coil)
	assert.Equal(t, 3, writes[4].coil)
	assert.GreaterOrEqual(t, writes[2].at.Sub(writes[1].at), 20*time.Millisecond)
}

func TestConcurrentPulsesSerializeOnBus(t *testing.T) {
	tp := &fakeTransport{}
	p := newTestPipeline(tp)

	var wg sync.WaitGroup
	for _, id := range []int{4, 9} {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = p.Pulse(context.Background(), id)
		}(id)
	}
	wg.Wait()

	writes := tp.recorded()
	require.Len(t, writes, 4)
	// Each ON is immediately followed by its own OFF: no interleaving.
	assert.Equal(t, writes[0].coil, writes[1].coil)
	assert.True(t, writes[0].on)
	assert.False(t, writes[1].on)
	assert.Equal(t, writes[2].coil, writes[3].coil)
}

func TestEmergencyOffCoversEnabledCards(t *testing.T) {
	tp := &fakeTransport{}
	p := newTestPipeline(tp)

	require.NoError(t, p.EmergencyOff(context.Background()))
	writes := tp.recorded()
	require.Len(t, writes, 2)
	assert.Equal(t, byte(1), writes[0].slave)
	assert.Equal(t, byte(2), writes[1].slave)
}
