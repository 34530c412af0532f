// Package planner implements the mid-rate SE(3) model-predictive trajectory
// optimizer.
package planner

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dartlabs/dart/internal/config"
	"github.com/dartlabs/dart/internal/state"
)

// ErrPlanningDegraded signals that the optimizer failed to improve, so the
// returned trajectory is the warm-started previous solution, or that the
// returned trajectory keeps less than the safety margin from a non-free
// obstacle. Non-fatal.
var ErrPlanningDegraded = errors.New("planner: optimization degraded")

// Occupancy classifies a queried point.
type Occupancy int

const (
	OccupancyFree Occupancy = iota
	OccupancyOccupied
	OccupancyUnknown
)

// Obstacle is a convex penalty region sourced from the perception adapter.
// Unknown cells are treated as occupied at a reduced weight.
type Obstacle struct {
	Center    [3]float64
	Radius    float64
	Occupancy Occupancy
}

// Goal is the target the optimizer tracks.
type Goal struct {
	Position [3]float64
	Velocity [3]float64
	Yaw      float64
}

// Stats is a copy of the solver counters.
type Stats struct {
	Plans         uint64
	Degraded      uint64
	DeadlineMiss  uint64
	LastIterations int
	LastCost      float64
}

// Solver holds the warm start and tuning for repeated plan calls. Plan is
// invoked from a single scheduler task; the solver is not safe for
// concurrent use.
type Solver struct {
	cfg    config.PlanningConfig
	safety config.SafetyConfig
	logger *logrus.Entry

	// Decision variables: per-step world accelerations and yaw rates.
	accel   [][3]float64
	yawRate []float64
	warm    bool

	planID  atomic.Uint64
	plans   atomic.Uint64
	degraded atomic.Uint64
	misses  atomic.Uint64

	lastIterations int
	lastCost       float64

	now func() time.Time
}

// NewSolver creates a solver from the validated planning and safety
// sections.
func NewSolver(cfg config.PlanningConfig, safety config.SafetyConfig, logger *logrus.Entry) *Solver {
	n := cfg.PredictionHorizon
	return &Solver{
		cfg:     cfg,
		safety:  safety,
		logger:  logger,
		accel:   make([][3]float64, n),
		yawRate: make([]float64, n),
		now:     time.Now,
	}
}

// Reset discards the warm start. Called on watchdog mode transitions so the
// next plan re-initializes from the current state.
func (s *Solver) Reset() {
	s.warm = false
}

// Stats returns a copy of the counters.
func (s *Solver) Stats() Stats {
	return Stats{
		Plans:          s.plans.Load(),
		Degraded:       s.degraded.Load(),
		DeadlineMiss:   s.misses.Load(),
		LastIterations: s.lastIterations,
		LastCost:       s.lastCost,
	}
}

// Plan produces a reference trajectory tracking the goal. It returns within
// the configured hard wall-clock cap; past the cap it returns the warm start
// (the shifted previous solution, or the straight-line seed on a first call)
// unchanged and reports a deadline miss through Stats. A solution that failed
// to improve, or one that keeps less than the safety margin from a non-free
// obstacle, is returned alongside ErrPlanningDegraded.
func (s *Solver) Plan(cur state.DroneState, goal Goal, obstacles []Obstacle) (*state.Trajectory, error) {
	start := s.now()
	deadline := start.Add(time.Duration(s.cfg.HardCapMs * float64(time.Millisecond)))

	s.seed(cur, goal)

	n := s.cfg.PredictionHorizon
	dim := n*3 + n // accelerations plus yaw rates

	grad := make([]float64, dim)
	candidate := make([]float64, dim)
	vars := s.flatten()
	warmStart := append([]float64(nil), vars...)

	prevCost := s.cost(cur, goal, obstacles, vars)
	initialCost := prevCost
	noImprove := 0
	iterations := 0
	degraded := false

	for iterations = 0; iterations < s.cfg.MaxIterations; iterations++ {
		if s.now().After(deadline) {
			s.misses.Add(1)
			s.logger.WithField("iterations", iterations).Warn("Planner hit wall-clock cap")
			// Past the cap the warm start is returned unchanged.
			copy(vars, warmStart)
			prevCost = initialCost
			degraded = true
			break
		}

		s.gradient(cur, goal, obstacles, vars, grad)
		gnorm := 0.0
		for _, g := range grad {
			gnorm += g * g
		}
		gnorm = math.Sqrt(gnorm)
		if gnorm < 1e-9 {
			break
		}

		// Backtracking line search with projection onto the box
		// constraints.
		step := 1.0 / (1.0 + gnorm)
		improved := false
		for probe := 0; probe < 6; probe++ {
			for i := range candidate {
				candidate[i] = vars[i] - step*grad[i]
			}
			s.project(candidate)
			c := s.cost(cur, goal, obstacles, candidate)
			if s.better(c, prevCost, candidate, vars, cur) {
				copy(vars, candidate)
				// Relative improvement convergence test.
				rel := (prevCost - c) / math.Max(prevCost, 1e-12)
				prevCost = c
				improved = true
				if rel < s.cfg.ConvergenceTolerance {
					iterations++
					goto done
				}
				break
			}
			step /= 2
		}

		if !improved {
			noImprove++
			if noImprove >= 3 {
				degraded = true
				break
			}
		} else {
			noImprove = 0
		}
	}
done:

	s.lastIterations = iterations
	s.lastCost = prevCost
	s.unflatten(vars)
	s.warm = true
	s.plans.Add(1)

	traj := s.rollForward(cur)

	// A plan closer than the safety margin to a non-free obstacle is
	// infeasible and is reported as degraded.
	if (degraded && prevCost >= initialCost) || MinClearance(traj, obstacles) < s.cfg.SafetyMargin {
		s.degraded.Add(1)
		return traj, ErrPlanningDegraded
	}
	return traj, nil
}

// better implements the acceptance order: lower cost wins; at equal cost the
// lower-jerk candidate wins; at equal jerk the candidate closer to the warm
// start wins.
func (s *Solver) better(cost, prevCost float64, candidate, incumbent []float64, cur state.DroneState) bool {
	const eps = 1e-9
	if cost < prevCost-eps {
		return true
	}
	if cost > prevCost+eps {
		return false
	}
	cj := s.jerkOf(candidate)
	ij := s.jerkOf(incumbent)
	if cj < ij-eps {
		return true
	}
	if cj > ij+eps {
		return false
	}
	return s.warmDistance(candidate) < s.warmDistance(incumbent)
}

// seed initializes the decision variables: the shifted previous solution
// when warm, a straight-line profile otherwise.
func (s *Solver) seed(cur state.DroneState, goal Goal) {
	n := s.cfg.PredictionHorizon

	if s.warm {
		copy(s.accel, s.accel[1:])
		copy(s.yawRate, s.yawRate[1:])
		s.accel[n-1] = [3]float64{}
		s.yawRate[n-1] = 0
		return
	}

	// Straight-line: constant acceleration toward the goal over the
	// horizon, clipped by the box projection below.
	horizon := float64(n) * s.cfg.Dt
	for k := 0; k < n; k++ {
		for i := 0; i < 3; i++ {
			want := 2 * (goal.Position[i] - cur.Position[i] - cur.Velocity[i]*horizon) / (horizon * horizon)
			s.accel[k][i] = want
		}
		s.yawRate[k] = state.WrapYaw(goal.Yaw-cur.Attitude[2]) / horizon
	}
	vars := s.flatten()
	s.project(vars)
	s.unflatten(vars)
}

// rollForward integrates the decision variables into trajectory samples.
func (s *Solver) rollForward(cur state.DroneState) *state.Trajectory {
	n := s.cfg.PredictionHorizon
	dt := s.cfg.Dt

	samples := make([]state.TrajectorySample, n)
	pos := cur.Position
	vel := cur.Velocity
	yaw := cur.Attitude[2]

	for k := 0; k < n; k++ {
		a := s.accel[k]
		for i := 0; i < 3; i++ {
			pos[i] += vel[i]*dt + 0.5*a[i]*dt*dt
			vel[i] += a[i] * dt
		}
		yaw = state.WrapYaw(yaw + s.yawRate[k]*dt)
		samples[k] = state.TrajectorySample{
			Position:     pos,
			Velocity:     vel,
			Acceleration: a,
			Yaw:          yaw,
			YawRate:      s.yawRate[k],
		}
	}

	return &state.Trajectory{
		PlanID:  s.planID.Add(1),
		Start:   cur.T + dt,
		Dt:      dt,
		Samples: samples,
	}
}

func (s *Solver) flatten() []float64 {
	n := s.cfg.PredictionHorizon
	out := make([]float64, n*3+n)
	for k := 0; k < n; k++ {
		copy(out[k*3:], s.accel[k][:])
		out[n*3+k] = s.yawRate[k]
	}
	return out
}

func (s *Solver) unflatten(vars []float64) {
	n := s.cfg.PredictionHorizon
	for k := 0; k < n; k++ {
		copy(s.accel[k][:], vars[k*3:k*3+3])
		s.yawRate[k] = vars[n*3+k]
	}
}

// project enforces the per-axis acceleration and yaw-rate boxes in place.
func (s *Solver) project(vars []float64) {
	n := s.cfg.PredictionHorizon
	amax := s.safety.MaxAcceleration
	for i := 0; i < n*3; i++ {
		if vars[i] > amax {
			vars[i] = amax
		} else if vars[i] < -amax {
			vars[i] = -amax
		}
	}
	const yawRateMax = 2.0
	for i := n * 3; i < len(vars); i++ {
		if vars[i] > yawRateMax {
			vars[i] = yawRateMax
		} else if vars[i] < -yawRateMax {
			vars[i] = -yawRateMax
		}
	}
}

func (s *Solver) jerkOf(vars []float64) float64 {
	n := s.cfg.PredictionHorizon
	j := 0.0
	for k := 1; k < n; k++ {
		for i := 0; i < 3; i++ {
			d := vars[k*3+i] - vars[(k-1)*3+i]
			j += d * d
		}
	}
	return j
}

func (s *Solver) warmDistance(vars []float64) float64 {
	n := s.cfg.PredictionHorizon
	d := 0.0
	for k := 0; k < n; k++ {
		for i := 0; i < 3; i++ {
			diff := vars[k*3+i] - s.accel[k][i]
			d += diff * diff
		}
		diff := vars[n*3+k] - s.yawRate[k]
		d += diff * diff
	}
	return d
}
