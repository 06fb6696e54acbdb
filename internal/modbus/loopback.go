package modbus

import (
	"sync"
	"time"
)

// Loopback is an in-process Port that answers every request as a healthy
// relay card would. It backs bench deployments without bus hardware
// (runtime option serial_fake) and transport tests.
type Loopback struct {
	mu      sync.Mutex
	pending []byte
	timeout time.Duration
	closed  bool
}

// NewLoopback creates a loopback port.
func NewLoopback() *Loopback {
	return &Loopback{timeout: 20 * time.Millisecond}
}

func (l *Loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, errClosed
	}
	l.pending = append(l.pending, synthesize(p)...)
	return len(p), nil
}

func (l *Loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, errClosed
	}
	if len(l.pending) == 0 {
		d := l.timeout
		l.mu.Unlock()
		time.Sleep(d)
		return 0, nil
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	l.mu.Unlock()
	return n, nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Loopback) SetReadTimeout(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = d
	return nil
}

// synthesize fabricates the reply a healthy slave would send.
func synthesize(req []byte) []byte {
	if len(req) < 4 || !checkCRC(req) {
		return nil
	}
	switch req[1] {
	case FnWriteSingleCoil:
		out := make([]byte, len(req))
		copy(out, req)
		return out
	case FnWriteMultipleCoils:
		return appendCRC([]byte{req[0], req[1], req[2], req[3], req[4], req[5]})
	case FnReadCoils:
		count := int(req[4])<<8 | int(req[5])
		byteCount := (count + 7) / 8
		frame := append([]byte{req[0], req[1], byte(byteCount)}, make([]byte, byteCount)...)
		return appendCRC(frame)
	default:
		// Illegal function exception.
		return appendCRC([]byte{req[0], req[1] | 0x80, 0x01})
	}
}

type closedErr struct{}

func (closedErr) Error() string { return "modbus: port closed" }

var errClosed = closedErr{}
