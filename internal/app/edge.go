// Package app composes the control core into the runnable edge and cloud
// tiers.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dartlabs/dart/internal/config"
	"github.com/dartlabs/dart/internal/control"
	"github.com/dartlabs/dart/internal/estimator"
	"github.com/dartlabs/dart/internal/hal"
	halmavlink "github.com/dartlabs/dart/internal/hal/mavlink"
	halsim "github.com/dartlabs/dart/internal/hal/sim"
	"github.com/dartlabs/dart/internal/link"
	"github.com/dartlabs/dart/internal/mixer"
	"github.com/dartlabs/dart/internal/planner"
	"github.com/dartlabs/dart/internal/safety"
	"github.com/dartlabs/dart/internal/sched"
	"github.com/dartlabs/dart/internal/state"
	"github.com/dartlabs/dart/internal/telemetry"
	"github.com/dartlabs/dart/internal/vehicle"
	"github.com/dartlabs/dart/pkg/logging"
)

// ErrFatalSafety marks a run that the edge tier ended itself after an
// emergency landing completed; the CLI maps it to its own exit code.
var ErrFatalSafety = errors.New("app: fatal safety condition")

// Edge is the onboard tier: estimator, planner, controller, mixer, watchdog
// and scheduler wired over one hardware adapter.
type Edge struct {
	cfg    *config.Config
	logger *logrus.Logger

	params     *vehicle.Params
	buffer     *state.Buffer[state.DroneState]
	mix        *mixer.Mixer
	controller *control.Controller
	solver     *planner.Solver
	watchdog   *safety.Watchdog
	scheduler  *sched.Scheduler
	adapter    hal.Adapter
	sim        *halsim.Adapter // non-nil for the sim backend
	ekf        *estimator.EKF
	bridge     *link.Bridge
	metrics    *telemetry.Metrics
	feed       *telemetry.LiveFeed

	goal       atomic.Pointer[planner.Goal]
	obstacles  atomic.Pointer[[]planner.Obstacle]
	trajectory atomic.Pointer[state.Trajectory]
	planFrozen atomic.Bool

	lastVersion atomic.Uint64
	lastThrust  atomic.Uint64 // float bits
	degraded    atomic.Bool

	fatal  atomic.Bool
	cancel context.CancelFunc
}

// NewEdge builds the full onboard pipeline from validated configuration.
func NewEdge(cfg *config.Config, logger *logrus.Logger) (*Edge, error) {
	e := &Edge{
		cfg:    cfg,
		logger: logger,
	}

	params, err := vehicle.FromConfig(cfg.Vehicle)
	if err != nil {
		return nil, err
	}
	e.params = params

	e.buffer = state.NewBuffer[state.DroneState]()

	e.mix, err = mixer.New(params, logging.Component(logger, "mixer"))
	if err != nil {
		return nil, err
	}

	e.controller = control.New(
		params,
		control.StandardProfile(),
		cfg.Safety.EmergencyLandingVelocity,
		logging.Component(logger, "control"),
	)

	e.solver = planner.NewSolver(cfg.Planning, cfg.Safety, logging.Component(logger, "planner"))

	e.watchdog = safety.New(safety.Config{
		HeartbeatTimeout:    time.Duration(cfg.Communication.HeartbeatTimeoutMs) * time.Millisecond,
		MaxSafetyViolations: cfg.Safety.MaxSafetyViolations,
	}, logging.Component(logger, "safety"))

	e.scheduler = sched.New(logging.Component(logger, "sched"))
	e.metrics = telemetry.NewMetrics()
	e.feed = telemetry.NewLiveFeed(logging.Component(logger, "livefeed"))

	switch cfg.Hardware.Backend {
	case "sim":
		simAdapter := halsim.New(params, e.mix, logging.Component(logger, "sim"))
		e.adapter = simAdapter
		e.sim = simAdapter
	case "mavlink":
		e.adapter = halmavlink.New(halmavlink.Config{
			Port:     cfg.Hardware.ConnectionPath,
			BaudRate: cfg.Hardware.BaudRate,
		}, logging.Component(logger, "mavlink"))
	default:
		return nil, fmt.Errorf("app: unknown hardware backend %q", cfg.Hardware.Backend)
	}

	e.ekf = estimator.New(estimator.DefaultConfig(), e.adapter, e.buffer, logging.Component(logger, "estimator"))

	e.bridge = link.NewBridge(link.Config{
		URL:    cfg.Communication.BusURL,
		Token:  cfg.Secrets.BusToken,
		Source: "edge",
	}, logging.Component(logger, "link"))

	e.watchdog.SetTransitionHandler(e.onSafetyTransition)

	// Hover-in-place until the cloud tier supplies a goal.
	e.goal.Store(&planner.Goal{Position: [3]float64{0, 0, 1}})
	empty := []planner.Obstacle{}
	e.obstacles.Store(&empty)

	if err := e.registerTasks(); err != nil {
		return nil, err
	}
	return e, nil
}

// onSafetyTransition routes watchdog escalations into the controller and
// planner. Runs on whichever goroutine observed the event.
func (e *Edge) onSafetyTransition(s safety.State) {
	e.metrics.SafetyState.Set(float64(s))
	// Warm starts do not survive mode changes.
	e.solver.Reset()

	switch s {
	case safety.StateAutonomous:
		e.planFrozen.Store(true)
	case safety.StateEmergency:
		e.planFrozen.Store(true)
		e.controller.SetMode(control.ModeEmergencyLand)
	case safety.StateNominal:
		e.planFrozen.Store(false)
		e.controller.SetMode(control.ModeActive)
	}
}

// registerTasks declares the schedule of the core.
func (e *Edge) registerTasks() error {
	hw := e.cfg.Hardware

	controlPeriod := time.Duration(float64(time.Second) / hw.ControlFrequency)
	planPeriod := time.Duration(float64(time.Second) / hw.PlanningFrequency)
	telemetryPeriod := time.Duration(float64(time.Second) / hw.TelemetryFrequency)

	e.scheduler.SetFaultHandler(
		func(name string, err error) {
			e.logger.WithError(err).WithField("task", name).Error("Task fault")
			e.watchdog.Observe(safety.EventControllerFault)
		},
		func(name string, priority sched.Priority) {
			e.metrics.TaskDeadlineMiss.WithLabelValues(name).Inc()
			e.watchdog.Observe(safety.EventDeadlineMiss)
		},
	)

	tasks := []sched.Task{
		{
			Name:              "watchdog",
			Priority:          sched.PriorityCritical,
			Kind:              sched.KindPeriodic,
			Period:            10 * time.Millisecond,
			Deadline:          10 * time.Millisecond,
			ExpectedExecution: 100 * time.Microsecond,
			JitterBound:       500 * time.Microsecond,
			Callback: func(ctx context.Context) error {
				e.watchdog.Tick(time.Now())
				return nil
			},
		},
		{
			Name:              "control",
			Priority:          sched.PriorityHigh,
			Kind:              sched.KindPeriodic,
			Period:            controlPeriod,
			Deadline:          controlPeriod,
			ExpectedExecution: controlPeriod / 5,
			JitterBound:       controlPeriod / 10,
			DependsOn:         []string{"watchdog"},
			Callback:          e.controlCycle,
		},
		{
			Name:              "planner",
			Priority:          sched.PriorityMedium,
			Kind:              sched.KindPeriodic,
			Period:            planPeriod,
			Deadline:          time.Duration(e.cfg.Planning.BudgetMs) * time.Millisecond,
			ExpectedExecution: time.Duration(e.cfg.Planning.BudgetMs/2) * time.Millisecond,
			JitterBound:       5 * time.Millisecond,
			DependsOn:         []string{"control"},
			Callback:          e.planCycle,
		},
		{
			Name:              "telemetry",
			Priority:          sched.PriorityLow,
			Kind:              sched.KindPeriodic,
			Period:            telemetryPeriod,
			Deadline:          100 * time.Millisecond,
			ExpectedExecution: time.Millisecond,
			JitterBound:       10 * time.Millisecond,
			Callback:          e.telemetryCycle,
		},
		{
			Name:              "housekeeping",
			Priority:          sched.PriorityBackground,
			Kind:              sched.KindPeriodic,
			Period:            time.Second,
			Deadline:          time.Second,
			ExpectedExecution: time.Millisecond,
			JitterBound:       50 * time.Millisecond,
			Callback:          e.housekeepingCycle,
		},
	}

	for _, t := range tasks {
		if err := e.scheduler.Register(t); err != nil {
			return err
		}
	}
	return e.scheduler.Finalize()
}

// controlCycle is the high-rate loop: newest snapshot in, motor command out.
func (e *Edge) controlCycle(ctx context.Context) error {
	snap, ok := e.buffer.LatestAfter(e.lastVersion.Load())
	if !ok {
		return nil // estimator not primed yet
	}
	e.lastVersion.Store(snap.Version)

	cur := snap.State
	var ref state.TrajectorySample
	if tr := e.trajectory.Load(); tr != nil {
		ref = tr.SampleAt(cur.T)
	} else {
		ref = state.TrajectorySample{Position: cur.Position, Yaw: cur.Attitude[2]}
	}

	dt := 1.0 / e.cfg.Hardware.ControlFrequency
	cmd, err := e.controller.Compute(cur, ref, dt)
	if err != nil {
		e.watchdog.Observe(safety.EventControllerFault)
		// The accompanying hover command still flies the vehicle.
	}

	e.checkEnvelope(cur)
	e.lastThrust.Store(math.Float64bits(cmd.Thrust))
	e.metrics.ControlCycles.Inc()
	e.metrics.ThrustCommanded.Set(cmd.Thrust)

	motor, err := e.mix.Mix(cmd)
	if err != nil {
		e.metrics.MixerRejected.Inc()
		switch {
		case errors.Is(err, mixer.ErrCommandInvalid):
			e.watchdog.Observe(safety.EventCommandNonFinite)
		case errors.Is(err, mixer.ErrIdleWhileThrust):
			e.watchdog.Observe(safety.EventESCFault)
		}
		return nil
	}
	e.watchdog.CommandAccepted()

	if err := e.adapter.SendCommand(motor); err != nil && !errors.Is(err, hal.ErrNotConnected) {
		e.watchdog.Observe(safety.EventHardwareFault)
	}
	return nil
}

// checkEnvelope feeds velocity and altitude violations to the watchdog.
func (e *Edge) checkEnvelope(cur state.DroneState) {
	speed := math.Sqrt(cur.Velocity[0]*cur.Velocity[0] +
		cur.Velocity[1]*cur.Velocity[1] + cur.Velocity[2]*cur.Velocity[2])
	if speed > e.cfg.Safety.MaxVelocity {
		e.watchdog.Observe(safety.EventVelocityLimitExceeded)
	}
	if cur.Position[2] > e.cfg.Safety.MaxAltitude || cur.Position[2] < e.cfg.Safety.MinAltitude {
		e.watchdog.Observe(safety.EventAltitudeLimitExceeded)
	}
}

// planCycle runs one optimization unless the planner is frozen.
func (e *Edge) planCycle(ctx context.Context) error {
	if e.planFrozen.Load() {
		return nil
	}
	snap, ok := e.buffer.Latest()
	if !ok {
		return nil
	}

	start := time.Now()
	goal := e.goal.Load()
	obstacles := *e.obstacles.Load()

	tr, err := e.solver.Plan(snap.State, *goal, obstacles)
	elapsed := time.Since(start)

	e.metrics.PlansTotal.Inc()
	e.metrics.PlanDuration.Observe(elapsed.Seconds())
	e.metrics.PlanIterations.Set(float64(e.solver.Stats().LastIterations))

	budget := time.Duration(e.cfg.Planning.BudgetMs) * time.Millisecond
	e.watchdog.ObservePlannerDeadline(elapsed > budget)

	if err != nil {
		if errors.Is(err, planner.ErrPlanningDegraded) {
			e.degraded.Store(true)
			e.metrics.PlansDegraded.Inc()
			e.watchdog.Observe(safety.EventPlannerDegraded)
		} else {
			return err
		}
	} else {
		e.degraded.Store(false)
	}

	// Published atomically; the control task sees the whole trajectory or
	// none of it.
	e.trajectory.Store(tr)
	return nil
}

// telemetryCycle publishes the live feed frame and the bus event.
func (e *Edge) telemetryCycle(ctx context.Context) error {
	snap, ok := e.buffer.Latest()
	if !ok {
		return nil
	}
	cur := snap.State

	msg := telemetry.FeedMessage{
		Timestamp:    time.Now(),
		Position:     cur.Position,
		Velocity:     cur.Velocity,
		Attitude:     cur.Attitude,
		AngularRate:  cur.AngularVelocity,
		Thrust:       math.Float64frombits(e.lastThrust.Load()),
		SafetyState:  e.watchdog.State().String(),
		ControlMode:  e.controller.Mode().String(),
		PlanDegraded: e.degraded.Load(),
	}
	e.feed.Broadcast(msg)

	_ = e.bridge.PublishTelemetry(link.TelemetryMessage{
		Position:     cur.Position,
		Velocity:     cur.Velocity,
		Attitude:     cur.Attitude,
		SafetyState:  msg.SafetyState,
		PlanDegraded: msg.PlanDegraded,
	})
	return nil
}

// housekeepingCycle aggregates statistics and detects the end of an
// emergency landing.
func (e *Edge) housekeepingCycle(ctx context.Context) error {
	for _, ts := range e.scheduler.Stats() {
		e.logger.WithFields(logrus.Fields{
			"task":    ts.Name,
			"cycles":  ts.Cycles,
			"misses":  ts.DeadlineMiss,
			"mean":    ts.MeanExecution,
			"p99":     ts.P99Execution,
			"success": ts.SuccessRate,
		}).Debug("Task statistics")
	}

	if e.watchdog.State() == safety.StateEmergency {
		if snap, ok := e.buffer.Latest(); ok {
			landed := snap.State.Position[2] < 0.05 && math.Abs(snap.State.Velocity[2]) < 0.1
			if landed {
				e.logger.Warn("Emergency landing complete; cutting motors")
				_ = e.adapter.EmergencyStop()
				e.fatal.Store(true)
				if e.cancel != nil {
					e.cancel()
				}
			}
		}
	}
	return nil
}

// Run drives the edge tier until ctx is done. A run terminated by a
// completed emergency landing returns ErrFatalSafety.
func (e *Edge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel

	if err := e.adapter.Connect(ctx); err != nil {
		return err
	}
	defer e.adapter.Disconnect()

	if err := e.bridge.Connect(); err != nil {
		// The edge flies without the cloud; the watchdog will degrade.
		e.logger.WithError(err).Warn("Bus unavailable, starting autonomous")
	} else {
		defer e.bridge.Close()
		e.subscribeBus()
	}

	if e.sim != nil {
		go func() { _ = e.sim.Run(ctx, 1000) }()
	}
	go func() { _ = e.ekf.Run(ctx) }()
	go func() { _ = e.metrics.Serve(ctx, e.cfg.Hardware.MetricsPort, logging.Component(e.logger, "metrics")) }()
	go func() { _ = e.feed.Serve(ctx, e.cfg.Hardware.TelemetryPort) }()

	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	e.scheduler.EnableDynamic()
	e.logger.Info("Edge tier operational")

	<-ctx.Done()
	e.scheduler.Stop()

	if e.fatal.Load() {
		return ErrFatalSafety
	}
	return nil
}

// subscribeBus wires inbound bus traffic into the core.
func (e *Edge) subscribeBus() {
	_ = e.bridge.SubscribeHeartbeats(func(hb link.Heartbeat) {
		if hb.Source == "cloud" {
			e.metrics.HeartbeatsSeen.Inc()
			e.watchdog.OnHeartbeat("cloud")
		}
	})
	_ = e.bridge.SubscribeGoals(func(msg link.GoalMessage) {
		goal := msg.Goal
		e.goal.Store(&goal)
		obstacles := msg.Obstacles
		e.obstacles.Store(&obstacles)
	})
	_ = e.bridge.SubscribePlans(func(tr *state.Trajectory) {
		// A cloud plan supersedes the onboard solution until the next
		// local cycle publishes.
		e.trajectory.Store(tr)
	})
}

// Watchdog exposes the failsafe state machine for the CLI reset surface.
func (e *Edge) Watchdog() *safety.Watchdog { return e.watchdog }
