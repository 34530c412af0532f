// Package state defines the flight data model shared by the control core and
// the snapshot buffer that carries it between the estimator and its consumers.
package state

import (
	"math"
	"time"
)

// Frame identifies the world coordinate convention.
type Frame int

const (
	FrameENU Frame = iota
	FrameNED
)

// String returns string representation of Frame
func (f Frame) String() string {
	if f == FrameNED {
		return "NED"
	}
	return "ENU"
}

// DroneState is a single estimator output sample. All values are base SI:
// meters, m/s, radians, rad/s. Position and velocity are world frame,
// angular velocity is body frame.
type DroneState struct {
	T               float64    // monotonic seconds
	Position        [3]float64
	Velocity        [3]float64
	Attitude        [3]float64 // roll, pitch, yaw
	Quaternion      [4]float64 // w, x, y, z, unit norm
	AngularVelocity [3]float64
}

// NewDroneState builds a state from Euler attitude, deriving the quaternion.
func NewDroneState(t float64, pos, vel, att, omega [3]float64) DroneState {
	s := DroneState{
		T:               t,
		Position:        pos,
		Velocity:        vel,
		Attitude:        att,
		AngularVelocity: omega,
	}
	s.Attitude[2] = WrapYaw(s.Attitude[2])
	s.Quaternion = QuaternionFromEuler(s.Attitude)
	return s
}

// Valid reports whether every component is finite and the quaternion is
// within tolerance of unit norm.
func (s DroneState) Valid() bool {
	for i := 0; i < 3; i++ {
		if !isFinite(s.Position[i]) || !isFinite(s.Velocity[i]) ||
			!isFinite(s.Attitude[i]) || !isFinite(s.AngularVelocity[i]) {
			return false
		}
	}
	n := 0.0
	for i := 0; i < 4; i++ {
		if !isFinite(s.Quaternion[i]) {
			return false
		}
		n += s.Quaternion[i] * s.Quaternion[i]
	}
	return math.Abs(math.Sqrt(n)-1) <= 1e-6
}

// RotationMatrix returns the body-to-world rotation as a row-major 3x3.
func (s DroneState) RotationMatrix() [9]float64 {
	return RotationFromQuaternion(s.Quaternion)
}

// TrajectorySample is one point of a reference trajectory.
type TrajectorySample struct {
	Position     [3]float64
	Velocity     [3]float64
	Acceleration [3]float64
	Yaw          float64
	YawRate      float64
}

// Trajectory is an ordered reference produced by the planner and consumed by
// the controller. Samples are uniformly spaced by Dt starting at Start.
type Trajectory struct {
	PlanID  uint64
	Start   float64 // monotonic seconds of sample 0
	Dt      float64
	Samples []TrajectorySample
}

// SampleAt interpolates the reference at monotonic time t, clamping to the
// trajectory endpoints.
func (tr *Trajectory) SampleAt(t float64) TrajectorySample {
	if len(tr.Samples) == 0 {
		return TrajectorySample{}
	}
	rel := (t - tr.Start) / tr.Dt
	if rel <= 0 {
		return tr.Samples[0]
	}
	last := len(tr.Samples) - 1
	if rel >= float64(last) {
		s := tr.Samples[last]
		// Hold position at the end of the horizon.
		s.Velocity = [3]float64{}
		s.Acceleration = [3]float64{}
		s.YawRate = 0
		return s
	}
	i := int(rel)
	a := rel - float64(i)
	lo, hi := tr.Samples[i], tr.Samples[i+1]
	var out TrajectorySample
	for k := 0; k < 3; k++ {
		out.Position[k] = lo.Position[k] + a*(hi.Position[k]-lo.Position[k])
		out.Velocity[k] = lo.Velocity[k] + a*(hi.Velocity[k]-lo.Velocity[k])
		out.Acceleration[k] = lo.Acceleration[k] + a*(hi.Acceleration[k]-lo.Acceleration[k])
	}
	out.Yaw = lo.Yaw + a*wrapAngle(hi.Yaw-lo.Yaw)
	out.YawRate = lo.YawRate + a*(hi.YawRate-lo.YawRate)
	return out
}

// End returns the monotonic time of the last sample.
func (tr *Trajectory) End() float64 {
	if len(tr.Samples) == 0 {
		return tr.Start
	}
	return tr.Start + float64(len(tr.Samples)-1)*tr.Dt
}

// ControlCommand is the controller output: collective thrust plus body
// torques.
type ControlCommand struct {
	Thrust    float64    // Newtons, >= 0
	Torque    [3]float64 // N*m, body frame
	Timestamp float64    // monotonic seconds
}

// Valid reports whether the command is finite with non-negative thrust.
func (c ControlCommand) Valid() bool {
	if !isFinite(c.Thrust) || c.Thrust < 0 {
		return false
	}
	for i := 0; i < 3; i++ {
		if !isFinite(c.Torque[i]) {
			return false
		}
	}
	return true
}

// MotorCommand holds per-motor PWM microseconds after mixing.
type MotorCommand struct {
	PWM       []uint16
	Timestamp float64
}

// Snapshot wraps a buffered value with its version and provenance.
type Snapshot[T any] struct {
	State     T
	Timestamp time.Time
	Version   uint64
	Source    string
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
