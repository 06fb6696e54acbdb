package modbus

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens the RS-485 adapter 8-N-1 at the given baud rate.
// The returned port satisfies Port (go.bug.st/serial exposes SetReadTimeout).
func OpenSerial(device string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("modbus: open %s: %w", device, err)
	}
	return port, nil
}
