package modbus

import (
	"errors"
	"fmt"
)

// Kind classifies transport failures. The strings are the machine codes the
// rest of the system reports.
type Kind string

const (
	KindTimeout   Kind = "TIMEOUT"
	KindCRC       Kind = "CRC_MISMATCH"
	KindException Kind = "EXCEPTION_CODE"
	KindBus       Kind = "BUS_ERROR"
)

// BusError is the typed error surfaced by the transport.
type BusError struct {
	Kind      Kind
	Exception byte // set when Kind == KindException
	Err       error
}

func (e *BusError) Error() string {
	switch e.Kind {
	case KindException:
		return fmt.Sprintf("modbus: exception code %d", e.Exception)
	case KindTimeout:
		return "modbus: response timeout"
	case KindCRC:
		return "modbus: crc mismatch"
	default:
		if e.Err != nil {
			return fmt.Sprintf("modbus: bus error: %v", e.Err)
		}
		return "modbus: bus error"
	}
}

func (e *BusError) Unwrap() error { return e.Err }

func timeoutErr() error            { return &BusError{Kind: KindTimeout} }
func crcErr() error                { return &BusError{Kind: KindCRC} }
func exceptionErr(code byte) error { return &BusError{Kind: KindException, Exception: code} }
func busErr(err error) error       { return &BusError{Kind: KindBus, Err: err} }

// KindOf returns the failure kind of err, or KindBus for untyped errors.
func KindOf(err error) Kind {
	var be *BusError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindBus
}

// IsTimeout reports whether err is a response timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }
