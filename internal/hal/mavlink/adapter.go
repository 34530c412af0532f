// Package mavlink provides the serial-port vehicle backend speaking a
// MAVLink v2 style framing for actuator output and heartbeat.
package mavlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/dartlabs/dart/internal/hal"
	"github.com/dartlabs/dart/internal/state"
)

// Config holds the serial backend parameters.
type Config struct {
	Port        string
	BaudRate    int
	SystemID    uint8
	ComponentID uint8
	HeartbeatHz float64

	// SendQueue bounds the outgoing frame queue; SendCommand never
	// blocks, a full queue drops the oldest frame.
	SendQueue int
}

// Adapter implements hal.Adapter over a serial link. State feedback is not
// implemented by this backend; GetState is advertised as unsupported and an
// external estimator source must be used.
type Adapter struct {
	mu sync.RWMutex

	config Config
	logger *logrus.Entry

	port      serial.Port
	connected bool
	stopped   bool
	sequence  uint8

	sendQ chan []byte
	done  chan struct{}

	framesSent   uint64
	sendFailures uint64
}

// New creates a disconnected adapter.
func New(config Config, logger *logrus.Entry) *Adapter {
	if config.SystemID == 0 {
		config.SystemID = 1
	}
	if config.ComponentID == 0 {
		config.ComponentID = 1
	}
	if config.HeartbeatHz == 0 {
		config.HeartbeatHz = 1
	}
	if config.SendQueue == 0 {
		config.SendQueue = 32
	}
	return &Adapter{
		config: config,
		logger: logger,
	}
}

// Connect opens the serial port and starts the writer and heartbeat loops.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: a.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(a.config.Port, mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", hal.ErrHardwareFault, a.config.Port, err)
	}

	a.port = port
	a.connected = true
	a.stopped = false
	a.sendQ = make(chan []byte, a.config.SendQueue)
	a.done = make(chan struct{})

	go a.writer()
	go a.heartbeatLoop()

	a.logger.WithFields(logrus.Fields{
		"port": a.config.Port,
		"baud": a.config.BaudRate,
	}).Info("Connected to flight controller")
	return nil
}

// Disconnect stops the loops and closes the port.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}
	a.connected = false
	close(a.done)
	err := a.port.Close()
	a.port = nil
	a.logger.Info("Disconnected from flight controller")
	if err != nil {
		return fmt.Errorf("%w: close: %v", hal.ErrHardwareFault, err)
	}
	return nil
}

// IsConnected returns connection status.
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// SendCommand enqueues an actuator-output frame without blocking. When the
// queue is full the oldest frame is dropped; actuator output is only useful
// fresh.
func (a *Adapter) SendCommand(cmd state.MotorCommand) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return hal.ErrNotConnected
	}
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	f := frame{
		Sequence:    a.sequence,
		SystemID:    a.config.SystemID,
		ComponentID: a.config.ComponentID,
		MessageID:   msgIDActuatorOutput,
		Payload:     encodeActuatorOutput(cmd.PWM, int64(cmd.Timestamp*1e6)),
	}
	a.sequence++
	q := a.sendQ
	a.mu.Unlock()

	buf, err := f.marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", hal.ErrHardwareFault, err)
	}

	select {
	case q <- buf:
	default:
		select {
		case <-q:
		default:
		}
		q <- buf
	}
	return nil
}

// GetState is not provided by this backend; the estimator must consume an
// external telemetry source.
func (a *Adapter) GetState() (hal.EstimatedState, error) {
	return hal.EstimatedState{}, hal.ErrUnsupported
}

// EmergencyStop cuts the motors by sending all-zero actuator outputs and
// latches the stop. Idempotent.
func (a *Adapter) EmergencyStop() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return hal.ErrNotConnected
	}
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	// Zeroed outputs bypass the queue so the cut is immediate.
	f := frame{
		SystemID:    a.config.SystemID,
		ComponentID: a.config.ComponentID,
		MessageID:   msgIDActuatorOutput,
		Payload:     encodeActuatorOutput(make([]uint16, 8), time.Now().UnixMicro()),
	}
	buf, err := f.marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", hal.ErrHardwareFault, err)
	}

	a.mu.RLock()
	port := a.port
	a.mu.RUnlock()
	if port != nil {
		if _, err := port.Write(buf); err != nil {
			return fmt.Errorf("%w: emergency stop write: %v", hal.ErrHardwareFault, err)
		}
	}
	a.logger.Warn("Emergency stop issued")
	return nil
}

// Capabilities advertises the serial backend.
func (a *Adapter) Capabilities() hal.Capabilities {
	return hal.Capabilities{
		SupportedCommands: map[hal.CommandKind]bool{
			hal.CommandMotorOutput:   true,
			hal.CommandEmergencyStop: true,
		},
		Simulated:   false,
		MaxVelocity: 15,
	}
}

// writer drains the send queue onto the port.
func (a *Adapter) writer() {
	for {
		select {
		case <-a.done:
			return
		case buf := <-a.sendQ:
			a.mu.RLock()
			port := a.port
			a.mu.RUnlock()
			if port == nil {
				return
			}
			if _, err := port.Write(buf); err != nil {
				a.mu.Lock()
				a.sendFailures++
				a.mu.Unlock()
				a.logger.WithError(err).Warn("Serial write failed")
				continue
			}
			a.mu.Lock()
			a.framesSent++
			a.mu.Unlock()
		}
	}
}

// heartbeatLoop emits periodic heartbeats so the flight controller keeps the
// link alive.
func (a *Adapter) heartbeatLoop() {
	interval := time.Duration(float64(time.Second) / a.config.HeartbeatHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.mu.Lock()
			f := frame{
				Sequence:    a.sequence,
				SystemID:    a.config.SystemID,
				ComponentID: a.config.ComponentID,
				MessageID:   msgIDHeartbeat,
				Payload:     make([]byte, 9),
			}
			a.sequence++
			q := a.sendQ
			a.mu.Unlock()

			if buf, err := f.marshal(); err == nil {
				select {
				case q <- buf:
				default:
				}
			}
		}
	}
}
