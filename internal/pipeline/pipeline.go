// Package pipeline executes every relay actuation in the system. It owns the
// bus lock: at most one pulse sequence runs at a time, and retries, burst
// re-pulsing and slave quarantine all live here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mredag/eform-locker-gateway/internal/config"
	"github.com/mredag/eform-locker-gateway/internal/metrics"
	"github.com/mredag/eform-locker-gateway/internal/zone"
)

// Transport is the slice of the Modbus transport the pipeline needs.
type Transport interface {
	WriteSingleCoil(ctx context.Context, slave byte, coil int, on bool) error
	WriteMultipleCoils(ctx context.Context, slave byte, firstCoil int, bits []bool) error
}

// Actuator is the capability set handed to the rest of the gateway. The
// concrete Pipeline is the single production implementation; tests use fakes.
type Actuator interface {
	Pulse(ctx context.Context, lockerID int) error
	Burst(ctx context.Context, lockerID int) error
	OpenAll(ctx context.Context, lockerIDs []int, opts OpenAllOptions) []OpenResult
	Status() Status
}

var (
	// ErrBurstExhausted means no pulse in the burst window succeeded.
	ErrBurstExhausted = errors.New("pipeline: burst exhausted")
	// ErrSlaveQuarantined means the target relay card is locked out.
	ErrSlaveQuarantined = errors.New("pipeline: slave quarantined")
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = time.Second
	// pulseBudget bounds one pulse including retries and the hold time.
	pulseBudget = 2 * time.Second
)

// OpenAllOptions tunes bulk opening.
type OpenAllOptions struct {
	// Interval overrides timing.command_interval_ms when > 0.
	Interval time.Duration
	// Burst uses burst opening per locker instead of a single pulse.
	Burst bool
}

// OpenResult is the outcome for one locker in a bulk open.
type OpenResult struct {
	LockerID int
	Err      error
}

// Status summarizes pipeline health for /health and kiosk telemetry.
type Status struct {
	PulsesOK     uint64              `json:"pulses_ok"`
	PulsesFailed uint64              `json:"pulses_failed"`
	Slaves       map[byte]SlaveState `json:"slaves"`
}

// Pipeline is the concrete Actuator.
type Pipeline struct {
	tp         Transport
	holder     *config.Holder
	quarantine *Quarantine
	logger     zerolog.Logger

	// busMu serializes whole pulse sequences so the ON/OFF pair of one
	// locker is never interleaved with another locker's frames.
	busMu chan struct{}

	pulsesOK     atomic.Uint64
	pulsesFailed atomic.Uint64
}

// New creates a pipeline bound to the transport and the active config.
func New(tp Transport, holder *config.Holder, q *Quarantine, logger zerolog.Logger) *Pipeline {
	if q == nil {
		q = NewQuarantine(DefaultQuarantineConfig())
	}
	p := &Pipeline{
		tp:         tp,
		holder:     holder,
		quarantine: q,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		busMu:      make(chan struct{}, 1),
	}
	p.busMu <- struct{}{}
	return p
}

func (p *Pipeline) timing() config.Timing {
	return p.holder.Current().Doc.Timing
}

func (p *Pipeline) acquireBus(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.busMu:
		return nil
	}
}

func (p *Pipeline) releaseBus() {
	p.busMu <- struct{}{}
}

// Pulse resolves the locker address and fires one ON/hold/OFF sequence.
// Transport retries are transparent to the caller; the whole pulse is
// bounded by a 2s budget.
func (p *Pipeline) Pulse(ctx context.Context, lockerID int) error {
	t := p.timing()
	return p.pulse(ctx, lockerID, time.Duration(t.PulseMS)*time.Millisecond)
}

func (p *Pipeline) pulse(ctx context.Context, lockerID int, hold time.Duration) error {
	snap := p.holder.Current()
	addr, err := zone.Map(snap.Doc, lockerID)
	if err != nil {
		return err
	}

	if p.quarantine.Blocked(addr.Slave) {
		metrics.RecordPulse(addr.Slave, "quarantined", 0)
		return fmt.Errorf("%w: slave %d", ErrSlaveQuarantined, addr.Slave)
	}

	if err := p.acquireBus(ctx); err != nil {
		return err
	}
	defer p.releaseBus()

	start := time.Now()
	budget, cancel := context.WithTimeout(context.Background(), pulseBudget)
	defer cancel()

	onErr := p.writeWithRetry(budget, ctx, addr, true)

	// The hold gap is enforced even when ON failed, so a partially driven
	// relay never sees ON and OFF back to back. Cancellation shortens the
	// hold but OFF is still attempted.
	select {
	case <-time.After(hold):
	case <-ctx.Done():
	}

	offCtx, offCancel := context.WithTimeout(context.Background(), time.Second)
	offErr := p.tp.WriteSingleCoil(offCtx, addr.Slave, addr.Coil, false)
	offCancel()

	elapsed := time.Since(start)
	err = onErr
	if err == nil {
		err = offErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil {
		p.pulsesFailed.Add(1)
		p.quarantine.RecordFailure(addr.Slave)
		metrics.RecordPulse(addr.Slave, pulseResult(ctx, err), elapsed.Seconds())
		p.logger.Warn().
			Err(err).
			Int("locker_id", lockerID).
			Uint8("slave", addr.Slave).
			Int("coil", addr.Coil).
			Str("event", "pulse.failed").
			Msg("relay pulse failed")
		return err
	}

	p.pulsesOK.Add(1)
	p.quarantine.RecordSuccess(addr.Slave)
	metrics.RecordPulse(addr.Slave, "success", elapsed.Seconds())
	p.logger.Debug().
		Int("locker_id", lockerID).
		Uint8("slave", addr.Slave).
		Int("coil", addr.Coil).
		Dur("duration", elapsed).
		Str("event", "pulse.ok").
		Msg("relay pulsed")
	return nil
}

func pulseResult(ctx context.Context, err error) string {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return "cancelled"
	}
	return "failed"
}

// writeWithRetry retries the coil-ON write with exponential backoff. caller
// carries the caller's cancellation; budget carries the pulse wall-clock cap.
func (p *Pipeline) writeWithRetry(budget, caller context.Context, addr zone.Address, on bool) error {
	backoff := initialBackoff
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = p.tp.WriteSingleCoil(budget, addr.Slave, addr.Coil, on)
		if err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-budget.Done():
			return err
		case <-caller.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return err
}

// Burst re-pulses the locker at the configured interval until one pulse
// succeeds or the burst window elapses. Cancellation between pulses counts
// as failure, not completion.
func (p *Pipeline) Burst(ctx context.Context, lockerID int) error {
	t := p.timing()
	total := time.Duration(t.BurstMS) * time.Millisecond
	interval := time.Duration(t.BurstIntervalMS) * time.Millisecond
	hold := time.Duration(t.PulseMS) * time.Millisecond

	deadline := time.Now().Add(total)
	var lastErr error
	for {
		err := p.pulse(ctx, lockerID, hold)
		if err == nil {
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return fmt.Errorf("%w: last error: %v", ErrBurstExhausted, lastErr)
}

// OpenAll pulses the given lockers strictly sequentially with the configured
// inter-command gap. Per-locker failures do not stop the sweep.
func (p *Pipeline) OpenAll(ctx context.Context, lockerIDs []int, opts OpenAllOptions) []OpenResult {
	t := p.timing()
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Duration(t.CommandIntervalMS) * time.Millisecond
	}

	results := make([]OpenResult, 0, len(lockerIDs))
	for i, id := range lockerIDs {
		if ctx.Err() != nil {
			results = append(results, OpenResult{LockerID: id, Err: ctx.Err()})
			continue
		}
		var err error
		if opts.Burst {
			err = p.Burst(ctx, id)
		} else {
			err = p.Pulse(ctx, id)
		}
		results = append(results, OpenResult{LockerID: id, Err: err})

		if i < len(lockerIDs)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}
	return results
}

// EmergencyOff drives every coil of every enabled relay card OFF using
// function 0x0F. Used by the emergency stop surface.
func (p *Pipeline) EmergencyOff(ctx context.Context) error {
	snap := p.holder.Current()
	cards := enabledCards(snap.Doc)

	if err := p.acquireBus(ctx); err != nil {
		return err
	}
	defer p.releaseBus()

	off := make([]bool, config.CoilsPerCard)
	var firstErr error
	for _, card := range cards {
		if err := p.tp.WriteMultipleCoils(ctx, byte(card), 1, off); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func enabledCards(doc *config.Document) []int {
	if doc.Features.ZonesEnabled {
		var cards []int
		for _, z := range doc.EnabledZones() {
			cards = append(cards, z.RelayCards...)
		}
		return cards
	}
	total := doc.TotalLockers()
	if total == 0 {
		return nil
	}
	n := (total + config.CoilsPerCard - 1) / config.CoilsPerCard
	cards := make([]int, n)
	for i := range cards {
		cards[i] = i + 1
	}
	return cards
}

// Status reports counters and per-slave quarantine state.
func (p *Pipeline) Status() Status {
	return Status{
		PulsesOK:     p.pulsesOK.Load(),
		PulsesFailed: p.pulsesFailed.Load(),
		Slaves:       p.quarantine.Snapshot(),
	}
}
