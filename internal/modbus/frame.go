package modbus

import "fmt"

// Function codes supported by the relay cards.
const (
	FnReadCoils          = 0x01
	FnWriteSingleCoil    = 0x05
	FnWriteMultipleCoils = 0x0F
)

// Coil values for function 0x05.
const (
	coilOn  = 0xFF00
	coilOff = 0x0000
)

// buildWriteSingleCoil frames function 0x05. coil is 1-based; the wire
// address is coil-1.
func buildWriteSingleCoil(slave byte, coil int, on bool) []byte {
	addr := uint16(coil - 1)
	value := uint16(coilOff)
	if on {
		value = coilOn
	}
	frame := []byte{
		slave, FnWriteSingleCoil,
		byte(addr >> 8), byte(addr & 0xFF),
		byte(value >> 8), byte(value & 0xFF),
	}
	return appendCRC(frame)
}

// buildReadCoils frames function 0x01. firstCoil is 1-based.
func buildReadCoils(slave byte, firstCoil, count int) []byte {
	addr := uint16(firstCoil - 1)
	frame := []byte{
		slave, FnReadCoils,
		byte(addr >> 8), byte(addr & 0xFF),
		byte(count >> 8), byte(count & 0xFF),
	}
	return appendCRC(frame)
}

// buildWriteMultipleCoils frames function 0x0F. Bits pack LSB-first.
func buildWriteMultipleCoils(slave byte, firstCoil int, bits []bool) []byte {
	addr := uint16(firstCoil - 1)
	count := uint16(len(bits))
	byteCount := (len(bits) + 7) / 8
	frame := []byte{
		slave, FnWriteMultipleCoils,
		byte(addr >> 8), byte(addr & 0xFF),
		byte(count >> 8), byte(count & 0xFF),
		byte(byteCount),
	}
	packed := make([]byte, byteCount)
	for i, bit := range bits {
		if bit {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	frame = append(frame, packed...)
	return appendCRC(frame)
}

// parseResponse validates a complete reply frame against its request.
// For 0x05 the reply must echo the request byte for byte. For 0x0F the reply
// confirms address and quantity. For 0x01 it returns the unpacked coil bits.
func parseResponse(req, resp []byte) ([]bool, error) {
	if len(resp) < 5 {
		return nil, crcErr()
	}
	if !checkCRC(resp) {
		return nil, crcErr()
	}
	if resp[0] != req[0] {
		return nil, busErr(fmt.Errorf("reply from slave %d, expected %d", resp[0], req[0]))
	}
	if resp[1] == req[1]|0x80 {
		return nil, exceptionErr(resp[2])
	}
	if resp[1] != req[1] {
		return nil, busErr(fmt.Errorf("reply function 0x%02x, expected 0x%02x", resp[1], req[1]))
	}

	switch req[1] {
	case FnWriteSingleCoil:
		if len(resp) != 8 || !bytesEqual(req, resp) {
			return nil, busErr(fmt.Errorf("write single coil reply is not an echo"))
		}
		return nil, nil
	case FnWriteMultipleCoils:
		if len(resp) != 8 || !bytesEqual(req[2:6], resp[2:6]) {
			return nil, busErr(fmt.Errorf("write multiple coils reply mismatch"))
		}
		return nil, nil
	case FnReadCoils:
		byteCount := int(resp[2])
		if len(resp) != 5+byteCount {
			return nil, busErr(fmt.Errorf("read coils reply length %d, want %d", len(resp), 5+byteCount))
		}
		count := int(req[4])<<8 | int(req[5])
		bits := make([]bool, count)
		for i := 0; i < count; i++ {
			bits[i] = resp[3+i/8]&(1<<(i%8)) != 0
		}
		return bits, nil
	default:
		return nil, busErr(fmt.Errorf("unsupported function 0x%02x", req[1]))
	}
}

// responseLength returns the expected reply length for a request, given the
// first three bytes already read (enough to spot exceptions and byte counts).
func responseLength(fn byte, head []byte) int {
	if len(head) >= 2 && head[1] == fn|0x80 {
		return 5
	}
	switch fn {
	case FnWriteSingleCoil, FnWriteMultipleCoils:
		return 8
	case FnReadCoils:
		if len(head) >= 3 {
			return 5 + int(head[2])
		}
		return -1
	default:
		return -1
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
