// Package mixer allocates collective thrust and body torques to per-motor
// PWM outputs.
package mixer

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/dartlabs/dart/internal/state"
	"github.com/dartlabs/dart/internal/vehicle"
)

var (
	// ErrCommandInvalid is returned for non-finite thrust or torque input and
	// for negative thrust.
	ErrCommandInvalid = errors.New("mixer: command not finite")
	// ErrIdleWhileThrust is returned when thrust was requested but every
	// motor came out clamped at idle.
	ErrIdleWhileThrust = errors.New("mixer: all motors idle while thrust requested")
)

// idleThrustFloor is the requested thrust above which an all-idle output is
// treated as an actuator fault.
const idleThrustFloor = 0.2

// preClipWarnRatio triggers a warning before clipping when a raw PWM exceeds
// this fraction of pwm_max.
const preClipWarnRatio = 1.10

// Mixer converts ControlCommands into MotorCommands for K motors.
type Mixer struct {
	params *vehicle.Params
	logger *logrus.Entry

	// alloc is the K×4 allocation matrix mapping [T, τx, τy, τz] to
	// per-motor thrust. effect is its 4×K forward map, kept for Unmix.
	alloc  *mat.Dense
	effect *mat.Dense

	// Workspaces reused across cycles; Mix is called from a single task.
	wrench *mat.VecDense
	forces *mat.VecDense
	pwm    []uint16

	saturationEvents atomic.Uint64
	commandsMixed    atomic.Uint64
}

// New precomputes the allocation matrix from the vehicle geometry.
func New(params *vehicle.Params, logger *logrus.Entry) (*Mixer, error) {
	k := params.NumMotors

	effect := mat.NewDense(4, k, nil)
	for i := 0; i < k; i++ {
		angle := params.MotorAngles[i]
		effect.Set(0, i, 1)
		effect.Set(1, i, params.ArmLength*math.Sin(angle))
		effect.Set(2, i, -params.ArmLength*math.Cos(angle))
		effect.Set(3, i, float64(params.MotorDirections[i])*params.TorqueCoefficient)
	}

	// Minimum-norm allocation: right pseudo-inverse of the effectiveness
	// matrix. Solve handles the underdetermined case for K > 4.
	var alloc mat.Dense
	if err := alloc.Solve(effect, identity(4)); err != nil {
		return nil, fmt.Errorf("mixer: allocation matrix: %w", err)
	}

	return &Mixer{
		params: params,
		logger: logger,
		alloc:  &alloc,
		effect: effect,
		wrench: mat.NewVecDense(4, nil),
		forces: mat.NewVecDense(k, nil),
		pwm:    make([]uint16, k),
	}, nil
}

// Mix maps a control command to per-motor PWM. Saturation is observable via
// SaturationEvents; ErrIdleWhileThrust indicates an actuator fault or gross
// mis-scaling and is recoverable by the caller.
func (m *Mixer) Mix(cmd state.ControlCommand) (state.MotorCommand, error) {
	if !cmd.Valid() {
		return state.MotorCommand{}, ErrCommandInvalid
	}

	m.wrench.SetVec(0, cmd.Thrust)
	m.wrench.SetVec(1, cmd.Torque[0])
	m.wrench.SetVec(2, cmd.Torque[1])
	m.wrench.SetVec(3, cmd.Torque[2])
	m.forces.MulVec(m.alloc, m.wrench)

	p := m.params
	allIdle := true
	for i := 0; i < p.NumMotors; i++ {
		f := m.forces.AtVec(i)
		if f < 0 {
			f = 0
		} else if f > p.MaxMotorThrust {
			f = p.MaxMotorThrust
		}

		raw := float64(p.PWMIdle) + p.PWMScalingFactor*math.Sqrt(f)
		if raw > preClipWarnRatio*float64(p.PWMMax) {
			m.logger.WithFields(logrus.Fields{
				"motor": i,
				"pwm":   raw,
			}).Warn("Raw PWM far beyond limit before clipping")
		}

		clipped := raw
		if clipped < float64(p.PWMMin) {
			clipped = float64(p.PWMMin)
		} else if clipped > float64(p.PWMMax) {
			clipped = float64(p.PWMMax)
		}
		if clipped != raw {
			m.saturationEvents.Add(1)
		}

		m.pwm[i] = uint16(math.Round(clipped))
		if m.pwm[i] > p.PWMIdle {
			allIdle = false
		}
	}

	if allIdle && cmd.Thrust > idleThrustFloor {
		return state.MotorCommand{}, ErrIdleWhileThrust
	}

	m.commandsMixed.Add(1)
	out := state.MotorCommand{
		PWM:       append([]uint16(nil), m.pwm...),
		Timestamp: cmd.Timestamp,
	}
	return out, nil
}

// Unmix maps per-motor thrusts back to the collective thrust and torques
// they produce. Used by the simulated backend and in tests.
func (m *Mixer) Unmix(forces []float64) (thrust float64, torque [3]float64, err error) {
	if len(forces) != m.params.NumMotors {
		return 0, torque, fmt.Errorf("mixer: %d forces for %d motors", len(forces), m.params.NumMotors)
	}
	f := mat.NewVecDense(len(forces), forces)
	var wrench mat.VecDense
	wrench.MulVec(m.effect, f)
	return wrench.AtVec(0), [3]float64{wrench.AtVec(1), wrench.AtVec(2), wrench.AtVec(3)}, nil
}

// MotorForces returns the minimum-norm per-motor thrusts for a wrench,
// without clipping. Used in tests.
func (m *Mixer) MotorForces(thrust float64, torque [3]float64) []float64 {
	wrench := mat.NewVecDense(4, []float64{thrust, torque[0], torque[1], torque[2]})
	var f mat.VecDense
	f.MulVec(m.alloc, wrench)
	out := make([]float64, m.params.NumMotors)
	copy(out, f.RawVector().Data)
	return out
}

// SaturationEvents returns how many per-motor outputs were modified by
// clipping.
func (m *Mixer) SaturationEvents() uint64 {
	return m.saturationEvents.Load()
}

// CommandsMixed returns how many commands were successfully mixed.
func (m *Mixer) CommandsMixed() uint64 {
	return m.commandsMixed.Load()
}

func identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}
