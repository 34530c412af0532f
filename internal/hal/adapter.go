// Package hal defines the capability-based hardware boundary. The adapter
// is the only component that performs I/O; everything above it is
// deterministic given its inputs.
package hal

import (
	"context"
	"errors"

	"github.com/dartlabs/dart/internal/state"
)

var (
	// ErrUnsupported is returned for operations the backend does not
	// advertise. Callers should check Capabilities first.
	ErrUnsupported = errors.New("hal: unsupported command")
	// ErrNotConnected is returned when a command is issued before
	// Connect succeeds.
	ErrNotConnected = errors.New("hal: not connected")
	// ErrHardwareFault wraps backend I/O failures.
	ErrHardwareFault = errors.New("hal: hardware fault")
)

// CommandKind enumerates optional adapter operations.
type CommandKind int

const (
	CommandMotorOutput CommandKind = iota
	CommandEmergencyStop
	CommandStateQuery
)

// String returns string representation of CommandKind
func (c CommandKind) String() string {
	names := []string{"MotorOutput", "EmergencyStop", "StateQuery"}
	if int(c) < len(names) {
		return names[c]
	}
	return "Unknown"
}

// Capabilities advertises what a backend supports.
type Capabilities struct {
	SupportedCommands map[CommandKind]bool
	Simulated         bool
	MaxVelocity       float64
}

// Supports reports whether a command kind is advertised.
func (c Capabilities) Supports(kind CommandKind) bool {
	return c.SupportedCommands[kind]
}

// EstimatedState is the backend's latest raw estimate, consumed by the
// estimator.
type EstimatedState struct {
	State state.DroneState
	Valid bool
}

// Adapter is the uniform vehicle interface. SendCommand must be
// non-blocking; EmergencyStop must be idempotent.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	SendCommand(cmd state.MotorCommand) error
	GetState() (EstimatedState, error)
	EmergencyStop() error

	Capabilities() Capabilities
}
