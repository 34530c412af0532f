// Package estimator fuses adapter measurements into DroneState snapshots
// for the state buffer.
package estimator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/dartlabs/dart/internal/hal"
	"github.com/dartlabs/dart/internal/state"
)

// stateDim is [pos(3), vel(3), att(3)]; angular velocity is passed through
// from the measurement, the filter does not model rotational dynamics.
const stateDim = 9

// Config holds filter parameters.
type Config struct {
	UpdateRate       float64
	ProcessNoise     [stateDim]float64
	MeasurementNoise [stateDim]float64
	Source           string
}

// DefaultConfig returns tuned defaults.
func DefaultConfig() Config {
	return Config{
		UpdateRate: 100,
		ProcessNoise: [stateDim]float64{
			0.01, 0.01, 0.01,
			0.1, 0.1, 0.1,
			0.001, 0.001, 0.001,
		},
		MeasurementNoise: [stateDim]float64{
			0.05, 0.05, 0.05,
			0.1, 0.1, 0.1,
			0.01, 0.01, 0.01,
		},
		Source: "ekf",
	}
}

// EKF is a constant-velocity Kalman filter over position, velocity and
// attitude. The adapter's full-state measurement keeps it linear; the value
// over raw passthrough is smoothing and dropout tolerance.
type EKF struct {
	mu sync.Mutex

	config Config
	logger *logrus.Entry

	adapter hal.Adapter
	buffer  *state.Buffer[state.DroneState]

	x *mat.VecDense
	p *mat.SymDense

	lastOmega [3]float64
	lastTime  float64
	primed    bool

	updates  uint64
	dropouts uint64
}

// New creates a filter publishing into the given buffer.
func New(config Config, adapter hal.Adapter, buffer *state.Buffer[state.DroneState], logger *logrus.Entry) *EKF {
	e := &EKF{
		config:  config,
		logger:  logger,
		adapter: adapter,
		buffer:  buffer,
		x:       mat.NewVecDense(stateDim, nil),
		p:       mat.NewSymDense(stateDim, nil),
	}
	e.reset()
	return e
}

func (e *EKF) reset() {
	for i := 0; i < stateDim; i++ {
		e.x.SetVec(i, 0)
		e.p.SetSym(i, i, 1000)
	}
	e.primed = false
}

// Step runs one predict/update cycle against the adapter and publishes the
// fused state. Returns false when the adapter had no valid estimate.
func (e *EKF) Step() bool {
	est, err := e.adapter.GetState()
	if err != nil || !est.Valid || !est.State.Valid() {
		e.mu.Lock()
		e.dropouts++
		e.mu.Unlock()
		return false
	}

	m := est.State
	dt := 1.0 / e.config.UpdateRate

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed {
		for i := 0; i < 3; i++ {
			e.x.SetVec(i, m.Position[i])
			e.x.SetVec(3+i, m.Velocity[i])
			e.x.SetVec(6+i, m.Attitude[i])
		}
		for i := 0; i < stateDim; i++ {
			e.p.SetSym(i, i, 1)
		}
		e.primed = true
	}

	// Predict: position integrates velocity; attitude held.
	for i := 0; i < 3; i++ {
		e.x.SetVec(i, e.x.AtVec(i)+e.x.AtVec(3+i)*dt)
	}
	for i := 0; i < stateDim; i++ {
		e.p.SetSym(i, i, e.p.At(i, i)+e.config.ProcessNoise[i])
	}

	// Update: the measurement observes every state directly, so the gain
	// reduces to per-axis scalar blending.
	z := [stateDim]float64{
		m.Position[0], m.Position[1], m.Position[2],
		m.Velocity[0], m.Velocity[1], m.Velocity[2],
		m.Attitude[0], m.Attitude[1], m.Attitude[2],
	}
	for i := 0; i < stateDim; i++ {
		pii := e.p.At(i, i)
		k := pii / (pii + e.config.MeasurementNoise[i])
		innov := z[i] - e.x.AtVec(i)
		if i >= 6 {
			innov = state.WrapYaw(innov)
		}
		e.x.SetVec(i, e.x.AtVec(i)+k*innov)
		e.p.SetSym(i, i, (1-k)*pii)
	}

	e.lastOmega = m.AngularVelocity
	e.lastTime = m.T
	e.updates++

	fused := state.NewDroneState(
		m.T,
		[3]float64{e.x.AtVec(0), e.x.AtVec(1), e.x.AtVec(2)},
		[3]float64{e.x.AtVec(3), e.x.AtVec(4), e.x.AtVec(5)},
		[3]float64{state.WrapYaw(e.x.AtVec(6)), state.WrapYaw(e.x.AtVec(7)), state.WrapYaw(e.x.AtVec(8))},
		e.lastOmega,
	)
	e.buffer.Update(fused, time.Now(), e.config.Source)
	return true
}

// Run steps the filter at the configured rate.
func (e *EKF) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / e.config.UpdateRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Step()
		}
	}
}

// Updates returns the number of successful fusion cycles.
func (e *EKF) Updates() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updates
}

// Dropouts returns the number of cycles without a valid measurement.
func (e *EKF) Dropouts() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropouts
}
