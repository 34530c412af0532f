package link

import (
	"encoding/binary"
	"fmt"

	"github.com/dartlabs/dart/internal/state"
)

// MotorCommand wire format: u8 motor count, K little-endian u16 PWM values,
// i64 monotonic timestamp in microseconds, u8 XOR-fold checksum over the
// preceding bytes. Integrity beyond the fold is the outer transport's job.

// EncodeMotorCommand renders the wire form.
func EncodeMotorCommand(cmd state.MotorCommand) []byte {
	k := len(cmd.PWM)
	out := make([]byte, 1+2*k+8+1)
	out[0] = uint8(k)
	for i, v := range cmd.PWM {
		binary.LittleEndian.PutUint16(out[1+2*i:], v)
	}
	binary.LittleEndian.PutUint64(out[1+2*k:], uint64(int64(cmd.Timestamp*1e6)))

	var sum uint8
	for _, b := range out[:len(out)-1] {
		sum ^= b
	}
	out[len(out)-1] = sum
	return out
}

// DecodeMotorCommand parses and verifies the wire form.
func DecodeMotorCommand(data []byte) (state.MotorCommand, error) {
	if len(data) < 2 {
		return state.MotorCommand{}, fmt.Errorf("link: motor command truncated at %d bytes", len(data))
	}
	k := int(data[0])
	want := 1 + 2*k + 8 + 1
	if len(data) != want {
		return state.MotorCommand{}, fmt.Errorf("link: motor command length %d, want %d for %d motors", len(data), want, k)
	}

	var sum uint8
	for _, b := range data[:len(data)-1] {
		sum ^= b
	}
	if sum != data[len(data)-1] {
		return state.MotorCommand{}, fmt.Errorf("link: motor command checksum mismatch")
	}

	cmd := state.MotorCommand{PWM: make([]uint16, k)}
	for i := 0; i < k; i++ {
		cmd.PWM[i] = binary.LittleEndian.Uint16(data[1+2*i:])
	}
	cmd.Timestamp = float64(int64(binary.LittleEndian.Uint64(data[1+2*k:]))) / 1e6
	return cmd, nil
}
