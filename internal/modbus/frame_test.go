package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16KnownVector(t *testing.T) {
	// Classic reference frame from the Modbus specification examples:
	// slave 0x11, function 0x03, starting address 0x006B, quantity 3.
	// The documented CRC tail is 0x76 0x87 (low byte first).
	body := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	crc := CRC16(body)
	assert.Equal(t, byte(0x76), byte(crc&0xFF))
	assert.Equal(t, byte(0x87), byte(crc>>8))

	framed := appendCRC(body)
	assert.True(t, checkCRC(framed))
}

func TestBuildWriteSingleCoil(t *testing.T) {
	frame := buildWriteSingleCoil(1, 5, true)
	require.Len(t, frame, 8)
	assert.Equal(t, byte(1), frame[0])
	assert.Equal(t, byte(FnWriteSingleCoil), frame[1])
	// Coil 5 is wire address 4.
	assert.Equal(t, byte(0x00), frame[2])
	assert.Equal(t, byte(0x04), frame[3])
	assert.Equal(t, byte(0xFF), frame[4])
	assert.Equal(t, byte(0x00), frame[5])
	assert.True(t, checkCRC(frame))

	off := buildWriteSingleCoil(1, 5, false)
	assert.Equal(t, byte(0x00), off[4])
	assert.Equal(t, byte(0x00), off[5])
}

func TestBuildWriteMultipleCoilsPacksLSBFirst(t *testing.T) {
	bits := make([]bool, 16)
	bits[0] = true
	bits[9] = true
	frame := buildWriteMultipleCoils(3, 1, bits)
	require.Len(t, frame, 7+2+2)
	assert.Equal(t, byte(0x0F), frame[1])
	assert.Equal(t, byte(2), frame[6])    // byte count
	assert.Equal(t, byte(0x01), frame[7]) // coil 1
	assert.Equal(t, byte(0x02), frame[8]) // coil 10
	assert.True(t, checkCRC(frame))
}

func TestParseResponseEchoRoundTrip(t *testing.T) {
	req := buildWriteSingleCoil(2, 7, true)
	echo := make([]byte, len(req))
	copy(echo, req)

	bits, err := parseResponse(req, echo)
	assert.NoError(t, err)
	assert.Nil(t, bits)
}

func TestParseResponseException(t *testing.T) {
	req := buildWriteSingleCoil(2, 7, true)
	resp := appendCRC([]byte{2, 0x85, 0x02})

	_, err := parseResponse(req, resp)
	require.Error(t, err)
	assert.Equal(t, KindException, KindOf(err))

	var be *BusError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, byte(0x02), be.Exception)
}

func TestParseResponseCRCMismatch(t *testing.T) {
	req := buildWriteSingleCoil(2, 7, true)
	resp := make([]byte, len(req))
	copy(resp, req)
	resp[len(resp)-1] ^= 0xFF

	_, err := parseResponse(req, resp)
	assert.Equal(t, KindCRC, KindOf(err))
}

func TestParseReadCoilsUnpacksBits(t *testing.T) {
	req := buildReadCoils(1, 1, 10)
	// Coils 1 and 10 set: bytes 0x01, 0x02.
	resp := appendCRC([]byte{1, FnReadCoils, 2, 0x01, 0x02})

	bits, err := parseResponse(req, resp)
	require.NoError(t, err)
	require.Len(t, bits, 10)
	assert.True(t, bits[0])
	assert.True(t, bits[9])
	for i := 1; i < 9; i++ {
		assert.False(t, bits[i], "coil %d", i+1)
	}
}

func TestParseResponseWrongSlave(t *testing.T) {
	req := buildWriteSingleCoil(2, 7, true)
	resp := buildWriteSingleCoil(3, 7, true)

	_, err := parseResponse(req, resp)
	assert.Equal(t, KindBus, KindOf(err))
}
