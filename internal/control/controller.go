// Package control implements the high-rate SE(3) geometric attitude and
// position controller.
package control

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dartlabs/dart/internal/state"
	"github.com/dartlabs/dart/internal/vehicle"
)

// ErrControllerFault is returned when a cycle produced a non-finite result;
// the accompanying command is a safe hover.
var ErrControllerFault = errors.New("control: non-finite computation")

// Mode is the controller operating mode.
type Mode int32

const (
	ModeActive Mode = iota
	ModeHold
	ModeEmergencyLand
)

// String returns string representation of Mode
func (m Mode) String() string {
	modes := []string{"Active", "Hold", "EmergencyLand"}
	if int(m) < len(modes) {
		return modes[m]
	}
	return "Unknown"
}

// thrustFloor is the magnitude below which the desired force direction is
// considered singular and the previous body axis is reused.
const thrustFloor = 1e-6

// headingFloor is the projected heading magnitude below which the previous
// yaw is substituted.
const headingFloor = 1e-3

// integralDeadband is the position error under which the integral leaks
// toward zero.
const integralDeadband = 0.05

// Controller computes thrust and torque from the current state and a
// reference sample. Compute runs on the scheduler's high-rate task and must
// not allocate.
type Controller struct {
	params *vehicle.Params
	logger *logrus.Entry

	// profile is replaced through SwapProfile, which is not gated by the
	// scheduler stage; the active cycle latches it once at entry.
	profile atomic.Pointer[Profile]
	mode    atomic.Int32

	descentVelocity float64

	// Mutable loop state, touched only from the control task.
	integral  vec3
	lastB3    vec3
	lastYaw   float64
	holdPos   vec3
	holdYaw   float64
	haveHold  bool
	inertia   mat3
	faults    atomic.Uint64
	cycles    atomic.Uint64
}

// New creates a controller with the given initial profile.
func New(params *vehicle.Params, profile *Profile, descentVelocity float64, logger *logrus.Entry) *Controller {
	c := &Controller{
		params:          params,
		logger:          logger,
		descentVelocity: descentVelocity,
		lastB3:          vec3{0, 0, 1},
	}
	c.profile.Store(profile)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c.inertia[i*3+j] = params.Inertia.At(i, j)
		}
	}
	return c
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// SetMode switches the operating mode. The integral accumulator resets so a
// mode change never inherits wind-up, and Hold/EmergencyLand latch their
// setpoint at the next cycle.
func (c *Controller) SetMode(m Mode) {
	if Mode(c.mode.Swap(int32(m))) == m {
		return
	}
	c.haveHold = false
	c.integral = vec3{}
	c.logger.WithField("mode", m.String()).Info("Controller mode changed")
}

// SwapProfile replaces the tuning profile. Takes effect at the next cycle.
func (c *Controller) SwapProfile(p *Profile) {
	c.profile.Store(p)
	c.logger.WithField("profile", p.Name).Info("Tuning profile swapped")
}

// Faults returns the count of aborted cycles.
func (c *Controller) Faults() uint64 { return c.faults.Load() }

// Cycles returns the count of completed cycles.
func (c *Controller) Cycles() uint64 { return c.cycles.Load() }

// Compute produces a thrust and torque command driving the vehicle toward
// the reference sample. On a non-finite intermediate it returns a hover
// command together with ErrControllerFault.
func (c *Controller) Compute(cur state.DroneState, ref state.TrajectorySample, dt float64) (state.ControlCommand, error) {
	profile := c.profile.Load()
	mode := Mode(c.mode.Load())
	p := c.params

	ref = c.applyMode(mode, cur, ref)

	// Position and velocity errors.
	ep := sub3(cur.Position, ref.Position)
	ev := sub3(cur.Velocity, ref.Velocity)

	if mode == ModeEmergencyLand {
		// Lateral position loop disabled; descend on velocity only.
		ep[0], ep[1] = 0, 0
	}

	// Integral with per-axis clamp and leak inside the deadband.
	for i := 0; i < 3; i++ {
		c.integral[i] += ep[i] * dt
		if math.Abs(ep[i]) < integralDeadband {
			c.integral[i] -= c.integral[i] * profile.IntegralLeak * dt
		}
		if c.integral[i] > profile.IntegralLimit[i] {
			c.integral[i] = profile.IntegralLimit[i]
		} else if c.integral[i] < -profile.IntegralLimit[i] {
			c.integral[i] = -profile.IntegralLimit[i]
		}
	}

	// Desired force in world frame.
	fDes := vec3{}
	for i := 0; i < 3; i++ {
		fDes[i] = -profile.Kp[i]*ep[i] - profile.Kd[i]*ev[i] - profile.Ki[i]*c.integral[i] +
			p.Mass*(profile.Kff*ref.Acceleration[i])
	}
	fDes[2] += p.Mass * p.Gravity

	r := mat3(cur.RotationMatrix())

	// Desired body z axis; reuse the previous direction near the
	// singularity instead of normalizing a vanishing vector.
	b3 := c.lastB3
	fNorm := norm3(fDes)
	if fNorm > thrustFloor {
		b3 = scale3(fDes, 1/fNorm)
		c.lastB3 = b3
	}

	// Collective thrust along the current body z axis.
	bodyZ := vec3{r[2], r[5], r[8]}
	thrust := dot3(fDes, bodyZ)
	if thrust < 0 {
		thrust = 0
	} else if ceil := p.MaxThrust(); thrust > ceil {
		thrust = ceil
	}

	// Desired heading; fall back to the previous yaw when the heading
	// vector is collinear with b3.
	yaw := ref.Yaw
	c1 := vec3{math.Cos(yaw), math.Sin(yaw), 0}
	b2 := cross3(b3, c1)
	if norm3(b2) < headingFloor {
		c1 = vec3{math.Cos(c.lastYaw), math.Sin(c.lastYaw), 0}
		b2 = cross3(b3, c1)
	} else {
		c.lastYaw = yaw
	}
	b2 = scale3(b2, 1/norm3(b2))
	b1 := cross3(b2, b3)
	rDes := columnsToMat3(b1, b2, b3)

	// Attitude error on SO(3).
	rT := transpose3(r)
	rDesT := transpose3(rDes)
	errMat := sub3Mat(mulMat3(rDesT, r), mulMat3(rT, rDes))
	eR := scale3(vee(errMat), 0.5)

	// Angular velocity error against the transported reference rate.
	omegaRef := vec3{0, 0, ref.YawRate}
	rtrd := mulMat3(rT, rDes)
	transported := mulMat3Vec(rtrd, mulMat3Vec(rDesT, omegaRef))
	eOmega := sub3(cur.AngularVelocity, transported)

	// Torque with gyroscopic compensation and the transport feed-forward
	// (reference angular acceleration taken as zero).
	jw := mulMat3Vec(c.inertia, cur.AngularVelocity)
	gyro := cross3(cur.AngularVelocity, jw)
	ff := mulMat3Vec(c.inertia, mulMat3Vec(hat(cur.AngularVelocity), transported))

	var torque vec3
	for i := 0; i < 3; i++ {
		torque[i] = -profile.KR[i]*eR[i] - profile.KOmega[i]*eOmega[i] + gyro[i] - ff[i]
	}

	// Per-axis torque limits.
	torque[0] = clamp(torque[0], p.MaxTiltTorque)
	torque[1] = clamp(torque[1], p.MaxTiltTorque)
	torque[2] = clamp(torque[2], p.MaxYawTorque)

	if math.IsNaN(thrust) || math.IsInf(thrust, 0) || !finite3(torque) {
		c.faults.Add(1)
		return c.hoverCommand(cur.T), ErrControllerFault
	}

	c.cycles.Add(1)
	return state.ControlCommand{
		Thrust:    thrust,
		Torque:    torque,
		Timestamp: cur.T,
	}, nil
}

// applyMode substitutes the reference for Hold and EmergencyLand.
func (c *Controller) applyMode(mode Mode, cur state.DroneState, ref state.TrajectorySample) state.TrajectorySample {
	switch mode {
	case ModeHold:
		if !c.haveHold {
			c.holdPos = cur.Position
			c.holdYaw = cur.Attitude[2]
			c.haveHold = true
		}
		return state.TrajectorySample{Position: c.holdPos, Yaw: c.holdYaw}

	case ModeEmergencyLand:
		if !c.haveHold {
			c.holdPos = cur.Position
			c.holdYaw = cur.Attitude[2]
			c.haveHold = true
		}
		return state.TrajectorySample{
			Position: cur.Position,
			Velocity: [3]float64{0, 0, -c.descentVelocity},
			Yaw:      c.holdYaw,
		}
	}
	return ref
}

// hoverCommand is the safe output emitted when a cycle aborts.
func (c *Controller) hoverCommand(t float64) state.ControlCommand {
	return state.ControlCommand{
		Thrust:    c.params.HoverThrust(),
		Timestamp: t,
	}
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// sub3Mat subtracts 3x3 matrices elementwise.
func sub3Mat(a, b mat3) mat3 {
	var out mat3
	for i := range out {
		out[i] = a[i] - b[i]
	}
	return out
}
