// Package modbus implements the RS-485 Modbus RTU transport. A single
// dispatcher goroutine owns the serial port; all callers submit requests
// through channels, which gives global frame ordering on the bus without a
// lock around the port.
package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mredag/eform-locker-gateway/internal/metrics"
)

// Port is the serial device owned by the dispatcher.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// Options configures the transport.
type Options struct {
	// ResponseTimeout bounds the wait for a complete reply. Default 1s.
	ResponseTimeout time.Duration
	// InterFrameDelay is the enforced idle after every reply or timeout
	// before the next frame. Default 50ms (spec minimum is 3.5 char times,
	// ~4ms at 9600 baud; 50ms absorbs USB-serial latency).
	InterFrameDelay time.Duration
	Logger          zerolog.Logger
}

// connectionLostThreshold latches CONNECTION_LOST after this many
// consecutive transaction failures.
const connectionLostThreshold = 3

// Status describes transport health for health reporting and telemetry.
type Status struct {
	Connected           bool `json:"connected"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

type result struct {
	bits []bool
	err  error
}

type request struct {
	frame []byte
	fn    byte
	reply chan result
}

// Transport serializes Modbus RTU transactions over one serial port.
type Transport struct {
	port   Port
	opts   Options
	reqCh  chan request
	logger zerolog.Logger

	mu    sync.Mutex
	fails int
	lost  bool
}

// New creates a transport. Run must be started before requests complete.
func New(port Port, opts Options) *Transport {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = time.Second
	}
	if opts.InterFrameDelay <= 0 {
		opts.InterFrameDelay = 50 * time.Millisecond
	}
	metrics.SetBusConnected(true)
	return &Transport{
		port:   port,
		opts:   opts,
		reqCh:  make(chan request),
		logger: opts.Logger.With().Str("component", "modbus").Logger(),
	}
}

// Run executes transactions until ctx is cancelled. It owns the port for its
// whole lifetime and closes it on exit.
func (t *Transport) Run(ctx context.Context) error {
	defer func() { _ = t.port.Close() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-t.reqCh:
			bits, err := t.transact(req.frame, req.fn)
			t.track(err)
			req.reply <- result{bits: bits, err: err}

			// Inter-frame idle before the next frame may be sent.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.opts.InterFrameDelay):
			}
		}
	}
}

func (t *Transport) transact(frame []byte, fn byte) ([]bool, error) {
	if _, err := t.port.Write(frame); err != nil {
		return nil, busErr(fmt.Errorf("write: %w", err))
	}

	resp, err := t.readResponse(fn)
	if err != nil {
		return nil, err
	}
	return parseResponse(frame, resp)
}

func (t *Transport) readResponse(fn byte) ([]byte, error) {
	deadline := time.Now().Add(t.opts.ResponseTimeout)
	_ = t.port.SetReadTimeout(20 * time.Millisecond)

	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)
	expected := -1
	for {
		if remaining := time.Until(deadline); remaining <= 0 {
			if len(buf) == 0 {
				return nil, timeoutErr()
			}
			// Partial frame at deadline: let CRC validation reject it.
			return buf, nil
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			return nil, busErr(fmt.Errorf("read: %w", err))
		}
		buf = append(buf, chunk[:n]...)

		if expected < 0 && len(buf) >= 3 {
			expected = responseLength(fn, buf)
		}
		if expected > 0 && len(buf) >= expected {
			return buf[:expected], nil
		}
	}
}

// track maintains the consecutive-failure count and the CONNECTION_LOST
// latch. The transport keeps accepting requests while lost; the latch clears
// on the next successful transaction.
func (t *Transport) track(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		if t.lost {
			t.logger.Info().Str("event", "bus.recovered").Msg("serial bus recovered")
		}
		t.fails = 0
		t.lost = false
		metrics.SetBusConnected(true)
		return
	}
	metrics.IncBusFailure(string(KindOf(err)))
	t.fails++
	if t.fails >= connectionLostThreshold && !t.lost {
		t.lost = true
		metrics.SetBusConnected(false)
		t.logger.Error().
			Str("event", "bus.connection_lost").
			Int("consecutive_failures", t.fails).
			Msg("serial bus marked CONNECTION_LOST")
	}
}

// Status returns the current transport health.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{Connected: !t.lost, ConsecutiveFailures: t.fails}
}

func (t *Transport) submit(ctx context.Context, frame []byte, fn byte) ([]bool, error) {
	req := request{frame: frame, fn: fn, reply: make(chan result, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case t.reqCh <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-req.reply:
		return res.bits, res.err
	}
}

// WriteSingleCoil executes function 0x05 against one relay.
func (t *Transport) WriteSingleCoil(ctx context.Context, slave byte, coil int, on bool) error {
	if err := validateSlave(slave); err != nil {
		return err
	}
	if coil < 1 {
		return busErr(fmt.Errorf("coil %d out of range", coil))
	}
	_, err := t.submit(ctx, buildWriteSingleCoil(slave, coil, on), FnWriteSingleCoil)
	return err
}

// WriteMultipleCoils executes function 0x0F, used by emergency all-off.
func (t *Transport) WriteMultipleCoils(ctx context.Context, slave byte, firstCoil int, bits []bool) error {
	if err := validateSlave(slave); err != nil {
		return err
	}
	if firstCoil < 1 || len(bits) == 0 {
		return busErr(fmt.Errorf("invalid coil span %d+%d", firstCoil, len(bits)))
	}
	_, err := t.submit(ctx, buildWriteMultipleCoils(slave, firstCoil, bits), FnWriteMultipleCoils)
	return err
}

// ReadCoils executes function 0x01.
func (t *Transport) ReadCoils(ctx context.Context, slave byte, firstCoil, count int) ([]bool, error) {
	if err := validateSlave(slave); err != nil {
		return nil, err
	}
	if firstCoil < 1 || count < 1 {
		return nil, busErr(fmt.Errorf("invalid coil span %d+%d", firstCoil, count))
	}
	return t.submit(ctx, buildReadCoils(slave, firstCoil, count), FnReadCoils)
}

func validateSlave(slave byte) error {
	// Broadcast address 0 is reserved for device configuration, outside
	// runtime scope.
	if slave < 1 || slave > 247 {
		return busErr(fmt.Errorf("slave %d out of range", slave))
	}
	return nil
}
