package planner

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dartlabs/dart/internal/config"
	"github.com/dartlabs/dart/internal/state"
)

func testSolver(t *testing.T, mutate func(*config.PlanningConfig)) *Solver {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Planning)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewSolver(cfg.Planning, cfg.Safety, logger.WithField("component", "planner"))
}

func restingState(pos [3]float64) state.DroneState {
	return state.NewDroneState(10, pos, [3]float64{}, [3]float64{}, [3]float64{})
}

func TestPlan_MovesTowardGoal(t *testing.T) {
	s := testSolver(t, nil)

	cur := restingState([3]float64{0, 0, 1})
	goal := Goal{Position: [3]float64{3, 0, 1}}

	tr, err := s.Plan(cur, goal, nil)
	require.NoError(t, err)
	require.Len(t, tr.Samples, 8)

	// The horizon must make progress in x and end closer to the goal
	// than it started.
	first := tr.Samples[0].Position[0]
	last := tr.Samples[len(tr.Samples)-1].Position[0]
	assert.Greater(t, last, first)
	assert.Less(t, math.Abs(last-3), 3.0)
}

func TestPlan_RespectsDynamicBounds(t *testing.T) {
	s := testSolver(t, nil)

	cur := restingState([3]float64{0, 0, 1})
	goal := Goal{Position: [3]float64{100, 0, 1}} // unreachable in one horizon

	tr, err := s.Plan(cur, goal, nil)
	require.NoError(t, err)

	for i, sample := range tr.Samples {
		for axis := 0; axis < 3; axis++ {
			assert.LessOrEqual(t, math.Abs(sample.Acceleration[axis]), 10.0+1e-9,
				"sample %d axis %d", i, axis)
		}
		speed := math.Sqrt(sample.Velocity[0]*sample.Velocity[0] +
			sample.Velocity[1]*sample.Velocity[1] + sample.Velocity[2]*sample.Velocity[2])
		assert.LessOrEqual(t, speed, 15.0*1.1, "sample %d", i)
	}
}

func TestPlan_MonotonicPlanIDs(t *testing.T) {
	s := testSolver(t, nil)
	cur := restingState([3]float64{0, 0, 1})
	goal := Goal{Position: [3]float64{1, 0, 1}}

	tr1, err := s.Plan(cur, goal, nil)
	require.NoError(t, err)
	tr2, err := s.Plan(cur, goal, nil)
	require.NoError(t, err)
	assert.Greater(t, tr2.PlanID, tr1.PlanID)
}

func TestPlan_WarmStartShiftsPreviousSolution(t *testing.T) {
	s := testSolver(t, nil)
	cur := restingState([3]float64{0, 0, 1})
	goal := Goal{Position: [3]float64{5, 0, 1}}

	_, err := s.Plan(cur, goal, nil)
	require.NoError(t, err)
	require.True(t, s.warm)

	// After Reset the next call re-seeds from scratch.
	s.Reset()
	assert.False(t, s.warm)
	_, err = s.Plan(cur, goal, nil)
	require.NoError(t, err)
}

func TestPlan_DeadlineCapReturnsWarmStart(t *testing.T) {
	s := testSolver(t, nil)

	// A clock that jumps past the hard cap after the first iteration
	// check forces the deadline path deterministically.
	base := time.Now()
	calls := 0
	s.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(200 * time.Millisecond)
	}

	cur := restingState([3]float64{0, 0, 1})
	tr, err := s.Plan(cur, Goal{Position: [3]float64{5, 0, 1}}, nil)

	require.NotNil(t, tr)
	require.Len(t, tr.Samples, 8)
	assert.Equal(t, uint64(1), s.Stats().DeadlineMiss)
	// The cap is hit before the first iteration, so the warm start comes
	// back unchanged and any error reported is ErrPlanningDegraded.
	if err != nil {
		assert.ErrorIs(t, err, ErrPlanningDegraded)
	}
}

func TestPlan_ObstacleOnPathKeepsClearance(t *testing.T) {
	s := testSolver(t, nil)

	cur := restingState([3]float64{0, 0, 1})
	goal := Goal{Position: [3]float64{6, 0, 1}}
	obstacles := []Obstacle{
		{Center: [3]float64{1.5, 0, 1}, Radius: 0.5, Occupancy: OccupancyOccupied},
	}

	tr, err := s.Plan(cur, goal, obstacles)
	require.NotNil(t, tr)

	if err == nil {
		clearance := MinClearance(tr, obstacles)
		assert.GreaterOrEqual(t, clearance, 0.0,
			"feasible plan must not pass through the obstacle")
	} else {
		assert.ErrorIs(t, err, ErrPlanningDegraded)
	}
}

func TestPlan_UnknownOccupancyCostsLessThanOccupied(t *testing.T) {
	s := testSolver(t, nil)

	pos := [3]float64{1, 0, 1}
	occupied := s.obstacleCost(pos, []Obstacle{{Center: [3]float64{1.5, 0, 1}, Radius: 0.5, Occupancy: OccupancyOccupied}})
	unknown := s.obstacleCost(pos, []Obstacle{{Center: [3]float64{1.5, 0, 1}, Radius: 0.5, Occupancy: OccupancyUnknown}})
	free := s.obstacleCost(pos, []Obstacle{{Center: [3]float64{1.5, 0, 1}, Radius: 0.5, Occupancy: OccupancyFree}})

	assert.Greater(t, occupied, unknown)
	assert.Greater(t, unknown, 0.0)
	assert.InDelta(t, 0.5, unknown/occupied, 1e-9)
	assert.Zero(t, free)
}

func TestPlan_TrajectoryDynamicsConsistent(t *testing.T) {
	s := testSolver(t, nil)

	cur := restingState([3]float64{0, 0, 1})
	tr, err := s.Plan(cur, Goal{Position: [3]float64{2, 1, 2}}, nil)
	require.NoError(t, err)

	// Velocities must integrate accelerations step to step.
	dt := tr.Dt
	for k := 1; k < len(tr.Samples); k++ {
		for i := 0; i < 3; i++ {
			predicted := tr.Samples[k-1].Velocity[i] + tr.Samples[k].Acceleration[i]*dt
			assert.InDelta(t, predicted, tr.Samples[k].Velocity[i], 1e-9,
				"sample %d axis %d", k, i)
		}
	}
}
