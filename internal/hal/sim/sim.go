// Package sim provides a simulated vehicle backend: a rigid-body
// double-integrator with first-order motor lag, sufficient to exercise the
// full control pipeline without hardware.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dartlabs/dart/internal/hal"
	"github.com/dartlabs/dart/internal/mixer"
	"github.com/dartlabs/dart/internal/state"
	"github.com/dartlabs/dart/internal/vehicle"
)

// motorTau is the first-order motor response time constant.
const motorTau = 0.03

// Adapter integrates rigid-body dynamics from the PWM commands it receives.
// Deterministic: the trajectory depends only on the command sequence and
// step size.
type Adapter struct {
	mu sync.RWMutex

	params *vehicle.Params
	mix    *mixer.Mixer
	logger *logrus.Entry

	connected bool
	stopped   bool

	pwm    []uint16
	forces []float64 // per-motor thrust after lag

	t        float64
	position [3]float64
	velocity [3]float64
	quat     [4]float64
	omega    [3]float64

	commandsRcvd uint64
}

// New creates a simulated vehicle at rest at the origin.
func New(params *vehicle.Params, mix *mixer.Mixer, logger *logrus.Entry) *Adapter {
	a := &Adapter{
		params: params,
		mix:    mix,
		logger: logger,
		pwm:    make([]uint16, params.NumMotors),
		forces: make([]float64, params.NumMotors),
		quat:   [4]float64{1, 0, 0, 0},
	}
	for i := range a.pwm {
		a.pwm[i] = params.PWMIdle
	}
	return a
}

// Connect marks the backend live.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	a.logger.Info("Simulated vehicle connected")
	return nil
}

// Disconnect marks the backend offline.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// IsConnected returns connection status.
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// SendCommand latches the PWM outputs for the next integration steps.
func (a *Adapter) SendCommand(cmd state.MotorCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return hal.ErrNotConnected
	}
	if a.stopped {
		return nil // motors cut; commands ignored until reset
	}
	if len(cmd.PWM) != len(a.pwm) {
		return hal.ErrUnsupported
	}
	copy(a.pwm, cmd.PWM)
	a.commandsRcvd++
	return nil
}

// GetState returns the current simulated truth.
func (a *Adapter) GetState() (hal.EstimatedState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return hal.EstimatedState{}, hal.ErrNotConnected
	}

	s := state.DroneState{
		T:               a.t,
		Position:        a.position,
		Velocity:        a.velocity,
		Quaternion:      a.quat,
		Attitude:        state.EulerFromQuaternion(a.quat),
		AngularVelocity: a.omega,
	}
	return hal.EstimatedState{State: s, Valid: true}, nil
}

// EmergencyStop cuts the motors. Idempotent: repeated calls leave the same
// motor state.
func (a *Adapter) EmergencyStop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for i := range a.pwm {
		a.pwm[i] = a.params.PWMMin
	}
	for i := range a.forces {
		a.forces[i] = 0
	}
	return nil
}

// Reset re-arms a stopped simulation. Test hook.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = false
}

// SetPose places the vehicle for scenario setup.
func (a *Adapter) SetPose(position, velocity [3]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position = position
	a.velocity = velocity
}

// Capabilities advertises the simulated backend.
func (a *Adapter) Capabilities() hal.Capabilities {
	return hal.Capabilities{
		SupportedCommands: map[hal.CommandKind]bool{
			hal.CommandMotorOutput:   true,
			hal.CommandEmergencyStop: true,
			hal.CommandStateQuery:    true,
		},
		Simulated:   true,
		MaxVelocity: 20,
	}
}

// Step advances the simulation by dt seconds.
func (a *Adapter) Step(dt float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.params

	// Motor lag toward the commanded thrust from the PWM curve.
	alpha := dt / (motorTau + dt)
	for i := range a.forces {
		target := 0.0
		if a.pwm[i] > p.PWMIdle {
			d := (float64(a.pwm[i]) - float64(p.PWMIdle)) / p.PWMScalingFactor
			target = d * d
		}
		if target > p.MaxMotorThrust {
			target = p.MaxMotorThrust
		}
		a.forces[i] += alpha * (target - a.forces[i])
	}

	thrust, torque, _ := a.mix.Unmix(a.forces)

	// Attitude dynamics: omega' = J^-1 (tau - omega x J omega).
	var jw [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			jw[i] += p.Inertia.At(i, j) * a.omega[j]
		}
	}
	gyro := [3]float64{
		a.omega[1]*jw[2] - a.omega[2]*jw[1],
		a.omega[2]*jw[0] - a.omega[0]*jw[2],
		a.omega[0]*jw[1] - a.omega[1]*jw[0],
	}
	for i := 0; i < 3; i++ {
		a.omega[i] += dt * (torque[i] - gyro[i]) / p.Inertia.At(i, i)
	}

	// Quaternion integration and renormalization.
	w, x, y, z := a.quat[0], a.quat[1], a.quat[2], a.quat[3]
	ox, oy, oz := a.omega[0], a.omega[1], a.omega[2]
	a.quat[0] += 0.5 * dt * (-x*ox - y*oy - z*oz)
	a.quat[1] += 0.5 * dt * (w*ox + y*oz - z*oy)
	a.quat[2] += 0.5 * dt * (w*oy - x*oz + z*ox)
	a.quat[3] += 0.5 * dt * (w*oz + x*oy - y*ox)
	n := math.Sqrt(a.quat[0]*a.quat[0] + a.quat[1]*a.quat[1] + a.quat[2]*a.quat[2] + a.quat[3]*a.quat[3])
	for i := range a.quat {
		a.quat[i] /= n
	}

	// Translational dynamics: world thrust along body z minus gravity.
	r := state.RotationFromQuaternion(a.quat)
	accel := [3]float64{
		r[2] * thrust / p.Mass,
		r[5] * thrust / p.Mass,
		r[8]*thrust/p.Mass - p.Gravity,
	}
	for i := 0; i < 3; i++ {
		a.position[i] += a.velocity[i]*dt + 0.5*accel[i]*dt*dt
		a.velocity[i] += accel[i] * dt
	}

	// Ground plane.
	if a.position[2] < 0 {
		a.position[2] = 0
		if a.velocity[2] < 0 {
			a.velocity[2] = 0
		}
	}

	a.t += dt
}

// Run steps the simulation at the given rate until ctx is done.
func (a *Adapter) Run(ctx context.Context, rate float64) error {
	dt := 1.0 / rate
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Step(dt)
		}
	}
}
