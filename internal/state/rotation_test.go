package state

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuaternionEulerRoundTrip(t *testing.T) {
	cases := [][3]float64{
		{0, 0, 0},
		{0.1, -0.2, 0.3},
		{0.5, 0.4, -2.0},
		{-0.3, 0.1, 3.0},
	}

	for _, att := range cases {
		q := QuaternionFromEuler(att)
		back := EulerFromQuaternion(q)
		for i := 0; i < 3; i++ {
			assert.InDelta(t, att[i], back[i], 1e-9, "axis %d for %v", i, att)
		}
	}
}

func TestWrapYaw(t *testing.T) {
	assert.InDelta(t, -math.Pi+0.1, WrapYaw(math.Pi+0.1), 1e-12)
	assert.InDelta(t, math.Pi, WrapYaw(math.Pi), 1e-12)
	assert.InDelta(t, 0.0, WrapYaw(2*math.Pi), 1e-12)
}

func TestDroneStateValid(t *testing.T) {
	s := NewDroneState(0, [3]float64{}, [3]float64{}, [3]float64{}, [3]float64{})
	assert.True(t, s.Valid())

	s.Position[0] = math.NaN()
	assert.False(t, s.Valid())

	s = NewDroneState(0, [3]float64{}, [3]float64{}, [3]float64{}, [3]float64{})
	s.Quaternion[0] = 2
	assert.False(t, s.Valid())
}

func TestTrajectorySampleAt(t *testing.T) {
	tr := &Trajectory{
		Start: 1.0,
		Dt:    0.1,
		Samples: []TrajectorySample{
			{Position: [3]float64{0, 0, 0}, Velocity: [3]float64{1, 0, 0}},
			{Position: [3]float64{1, 0, 0}, Velocity: [3]float64{1, 0, 0}},
		},
	}

	// Before the start: first sample.
	s := tr.SampleAt(0.5)
	assert.Equal(t, 0.0, s.Position[0])

	// Midpoint interpolation.
	s = tr.SampleAt(1.05)
	assert.InDelta(t, 0.5, s.Position[0], 1e-12)

	// Past the end: hold position with zeroed rates.
	s = tr.SampleAt(2.0)
	assert.Equal(t, 1.0, s.Position[0])
	assert.Equal(t, 0.0, s.Velocity[0])
}
