package planner

import (
	"math"

	"github.com/dartlabs/dart/internal/state"
)

// cost evaluates the weighted objective for a flattened decision vector by
// integrating the dynamics forward from the current state.
func (s *Solver) cost(cur state.DroneState, goal Goal, obstacles []Obstacle, vars []float64) float64 {
	n := s.cfg.PredictionHorizon
	dt := s.cfg.Dt
	w := s.cfg

	pos := cur.Position
	vel := cur.Velocity
	yaw := cur.Attitude[2]

	total := 0.0
	for k := 0; k < n; k++ {
		var a [3]float64
		copy(a[:], vars[k*3:k*3+3])
		yr := vars[n*3+k]

		for i := 0; i < 3; i++ {
			pos[i] += vel[i]*dt + 0.5*a[i]*dt*dt
			vel[i] += a[i] * dt
		}
		yaw = state.WrapYaw(yaw + yr*dt)

		// Tracking terms, weighted toward the end of the horizon so the
		// tail settles on the goal.
		ramp := float64(k+1) / float64(n)
		for i := 0; i < 3; i++ {
			dp := pos[i] - goal.Position[i]
			dv := vel[i] - goal.Velocity[i]
			total += w.PositionWeight * ramp * dp * dp
			total += w.VelocityWeight * ramp * dv * dv
			total += w.EffortWeight * a[i] * a[i]
		}

		// Jerk between consecutive acceleration samples.
		if k > 0 {
			for i := 0; i < 3; i++ {
				d := vars[k*3+i] - vars[(k-1)*3+i]
				total += w.JerkWeight * d * d
			}
		}

		// Yaw smoothness and terminal heading.
		dyaw := state.WrapYaw(yaw - goal.Yaw)
		total += w.YawWeight * (ramp*dyaw*dyaw + 0.1*yr*yr)

		// Soft velocity and altitude bounds.
		speed := math.Sqrt(vel[0]*vel[0] + vel[1]*vel[1] + vel[2]*vel[2])
		if over := speed - s.safety.MaxVelocity; over > 0 {
			total += 1000 * over * over
		}
		if over := pos[2] - s.safety.MaxAltitude; over > 0 {
			total += 1000 * over * over
		}
		if under := s.safety.MinAltitude - pos[2]; under > 0 {
			total += 1000 * under * under
		}

		total += s.obstacleCost(pos, obstacles)
	}
	return total
}

// obstacleCost is an exponential barrier on clearance. Unknown occupancy is
// conservative but not maximal: the weight is scaled down.
func (s *Solver) obstacleCost(pos [3]float64, obstacles []Obstacle) float64 {
	total := 0.0
	for _, o := range obstacles {
		if o.Occupancy == OccupancyFree {
			continue
		}
		weight := s.cfg.ObstacleWeight
		if o.Occupancy == OccupancyUnknown {
			weight *= s.cfg.UnknownWeightScale
		}

		dx := pos[0] - o.Center[0]
		dy := pos[1] - o.Center[1]
		dz := pos[2] - o.Center[2]
		dist := math.Sqrt(dx*dx+dy*dy+dz*dz) - o.Radius

		clearance := dist - s.cfg.SafetyMargin
		total += weight * math.Exp(-3*clearance)
	}
	return total
}

// gradient fills grad with a forward-difference approximation of the cost
// gradient.
func (s *Solver) gradient(cur state.DroneState, goal Goal, obstacles []Obstacle, vars, grad []float64) {
	const h = 1e-4
	base := s.cost(cur, goal, obstacles, vars)
	for i := range vars {
		old := vars[i]
		vars[i] = old + h
		grad[i] = (s.cost(cur, goal, obstacles, vars) - base) / h
		vars[i] = old
	}
}

// MinClearance reports the smallest clearance between trajectory samples and
// any non-free obstacle surface.
func MinClearance(tr *state.Trajectory, obstacles []Obstacle) float64 {
	min := math.Inf(1)
	for _, sample := range tr.Samples {
		for _, o := range obstacles {
			if o.Occupancy == OccupancyFree {
				continue
			}
			dx := sample.Position[0] - o.Center[0]
			dy := sample.Position[1] - o.Center[1]
			dz := sample.Position[2] - o.Center[2]
			d := math.Sqrt(dx*dx+dy*dy+dz*dz) - o.Radius
			if d < min {
				min = d
			}
		}
	}
	return min
}
