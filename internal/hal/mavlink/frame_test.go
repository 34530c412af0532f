package mavlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActuatorOutputRoundTrip(t *testing.T) {
	pwm := []uint16{1000, 1500, 1948, 2000}
	payload := encodeActuatorOutput(pwm, 123456789)

	back, ts, err := decodeActuatorOutput(payload)
	require.NoError(t, err)
	assert.Equal(t, pwm, back)
	assert.Equal(t, int64(123456789), ts)
}

func TestDecodeActuatorOutput_Malformed(t *testing.T) {
	_, _, err := decodeActuatorOutput([]byte{1, 2, 3})
	assert.Error(t, err)

	// Odd trailing byte count.
	_, _, err = decodeActuatorOutput(make([]byte, 11))
	assert.Error(t, err)
}

func TestFrameMarshal_Layout(t *testing.T) {
	f := frame{
		Sequence:    7,
		SystemID:    1,
		ComponentID: 1,
		MessageID:   msgIDActuatorOutput,
		Payload:     encodeActuatorOutput([]uint16{1100, 1100, 1100, 1100}, 42),
	}

	buf, err := f.marshal()
	require.NoError(t, err)

	assert.EqualValues(t, magicV2, buf[0])
	assert.EqualValues(t, len(f.Payload), buf[1])
	assert.EqualValues(t, 7, buf[4])
	assert.Len(t, buf, headerLen+len(f.Payload)+checksumLen)

	// Flipping a payload byte must change the checksum.
	f.Payload[3] ^= 0xFF
	buf2, err := f.marshal()
	require.NoError(t, err)
	assert.NotEqual(t, buf[len(buf)-2:], buf2[len(buf2)-2:])
}

func TestFrameMarshal_PayloadTooLarge(t *testing.T) {
	f := frame{MessageID: msgIDHeartbeat, Payload: make([]byte, 300)}
	_, err := f.marshal()
	assert.Error(t, err)
}

func TestCRCX25_KnownSeed(t *testing.T) {
	// Empty input leaves the seed untouched.
	assert.EqualValues(t, 0xFFFF, crcX25(nil))
	// Order sensitivity.
	assert.NotEqual(t, crcX25([]byte{1, 2}), crcX25([]byte{2, 1}))
}
