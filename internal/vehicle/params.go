// Package vehicle holds the immutable airframe parameters shared read-only by
// the control core.
package vehicle

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/dartlabs/dart/internal/config"
)

// Params is constructed once at bootstrap from validated configuration and
// never mutated. All values are base SI.
type Params struct {
	Mass    float64
	Gravity float64
	Inertia *mat.SymDense // 3x3, kg*m^2

	ArmLength       float64
	NumMotors       int
	MotorDirections []int // +1 CCW, -1 CW
	MotorAngles     []float64

	ThrustCoefficient float64
	TorqueCoefficient float64

	PWMIdle          uint16
	PWMMin           uint16
	PWMMax           uint16
	PWMScalingFactor float64

	MaxMotorThrust float64
	MaxTiltTorque  float64
	MaxYawTorque   float64
}

// FromConfig builds the runtime parameter set. The configuration is assumed
// validated; construction only derives geometry.
func FromConfig(c config.VehicleConfig) (*Params, error) {
	inertia := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			inertia.SetSym(i, j, c.Inertia[i*3+j])
		}
	}

	p := &Params{
		Mass:              c.Mass,
		Gravity:           c.Gravity,
		Inertia:           inertia,
		ArmLength:         c.ArmLength,
		NumMotors:         c.NumMotors,
		MotorDirections:   append([]int(nil), c.MotorDirections...),
		MotorAngles:       motorAngles(c.NumMotors),
		ThrustCoefficient: c.ThrustCoefficient,
		TorqueCoefficient: c.TorqueCoefficient,
		PWMIdle:           uint16(c.PWMIdle),
		PWMMin:            uint16(c.PWMMin),
		PWMMax:            uint16(c.PWMMax),
		PWMScalingFactor:  c.PWMScalingFactor,
		MaxMotorThrust:    c.MaxMotorThrust,
		MaxTiltTorque:     c.MaxTiltTorque,
		MaxYawTorque:      c.MaxYawTorque,
	}

	if p.MaxTiltTorque == 0 {
		p.MaxTiltTorque = p.MaxMotorThrust * p.ArmLength
	}
	if p.MaxYawTorque == 0 {
		p.MaxYawTorque = p.MaxMotorThrust * p.TorqueCoefficient * float64(p.NumMotors) / 2
	}

	if len(p.MotorDirections) != p.NumMotors {
		return nil, fmt.Errorf("vehicle: %d motor directions for %d motors", len(p.MotorDirections), p.NumMotors)
	}
	return p, nil
}

// MaxThrust is the collective thrust ceiling across all motors.
func (p *Params) MaxThrust() float64 {
	return float64(p.NumMotors) * p.MaxMotorThrust
}

// HoverThrust is the collective thrust that balances gravity.
func (p *Params) HoverThrust() float64 {
	return p.Mass * p.Gravity
}

// motorAngles lays motors out in an X configuration, evenly spaced and
// offset so no arm points straight forward.
func motorAngles(n int) []float64 {
	angles := make([]float64, n)
	offset := math.Pi / float64(n)
	for i := range angles {
		angles[i] = offset + 2*math.Pi*float64(i)/float64(n)
	}
	return angles
}
