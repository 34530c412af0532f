// Package safety provides the heartbeat-driven watchdog and failsafe state
// machine supervising the control core.
package safety

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the watchdog parameters.
type Config struct {
	HeartbeatTimeout    time.Duration
	MaxSafetyViolations int
	ViolationWindow     time.Duration
	TickInterval        time.Duration

	// CommandInvalidLimit is the repeated CommandNonFinite count that
	// escalates to Emergency.
	CommandInvalidLimit int
}

// Watchdog tracks heartbeats and safety events and drives the failsafe
// state machine.
type Watchdog struct {
	mu sync.RWMutex

	config Config
	logger *logrus.Entry

	state State

	lastHeartbeat  map[string]time.Time
	lastCloudBeat  time.Time
	haveCloudBeat  bool

	// Sliding window of non-critical violations.
	violations []time.Time

	counters [eventCount]uint64

	plannerMissStreak   int
	commandInvalidRun   int
	sensorDropoutSince  time.Time
	sensorDropoutActive bool

	transitions uint64

	// onTransition is invoked outside the lock after every state change.
	onTransition func(State)

	now func() time.Time
}

// New creates a watchdog in the Nominal state.
func New(config Config, logger *logrus.Entry) *Watchdog {
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 500 * time.Millisecond
	}
	if config.ViolationWindow == 0 {
		config.ViolationWindow = 10 * time.Second
	}
	if config.TickInterval == 0 {
		config.TickInterval = 10 * time.Millisecond
	}
	if config.MaxSafetyViolations == 0 {
		config.MaxSafetyViolations = 10
	}
	if config.CommandInvalidLimit == 0 {
		config.CommandInvalidLimit = 3
	}

	return &Watchdog{
		config:        config,
		logger:        logger,
		state:         StateNominal,
		lastHeartbeat: make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetTransitionHandler registers the callback invoked on every state change.
// Must be called before the watchdog starts ticking.
func (w *Watchdog) SetTransitionHandler(fn func(State)) {
	w.mu.Lock()
	w.onTransition = fn
	w.mu.Unlock()
}

// OnHeartbeat marks a heartbeat received from a source. The cloud source
// drives the Autonomous/Emergency timers.
func (w *Watchdog) OnHeartbeat(source string) {
	now := w.now()
	w.mu.Lock()
	w.lastHeartbeat[source] = now
	if source == "cloud" {
		w.lastCloudBeat = now
		w.haveCloudBeat = true
	}
	w.mu.Unlock()
}

// Observe feeds a safety event. Critical events apply their transition
// synchronously so the response bound does not depend on the tick rate.
func (w *Watchdog) Observe(e Event) {
	w.mu.Lock()

	if int(e) < len(w.counters) && w.counters[e] < math.MaxUint64 {
		w.counters[e]++
	}

	now := w.now()
	escalate := StateNominal

	switch {
	case e.critical():
		escalate = StateEmergency

	case e == EventCommandNonFinite:
		w.commandInvalidRun++
		if w.commandInvalidRun >= w.config.CommandInvalidLimit {
			escalate = StateEmergency
		} else {
			w.violations = append(w.violations, now)
		}

	case e == EventSensorInvalid:
		if !w.sensorDropoutActive {
			w.sensorDropoutActive = true
			w.sensorDropoutSince = now
		}
		w.violations = append(w.violations, now)

	default:
		w.violations = append(w.violations, now)
	}

	w.pruneViolations(now)
	if escalate == StateNominal && len(w.violations) > w.config.MaxSafetyViolations/2 {
		escalate = StateDegraded
	}

	fired := w.raiseLocked(escalate, e.String())
	w.mu.Unlock()
	w.fire(fired)
}

// ObservePlannerDeadline records the outcome of one planning cycle; two
// consecutive misses degrade the system.
func (w *Watchdog) ObservePlannerDeadline(missed bool) {
	w.mu.Lock()
	if !missed {
		w.plannerMissStreak = 0
		w.mu.Unlock()
		return
	}
	w.plannerMissStreak++
	var fired []State
	if w.plannerMissStreak >= 2 {
		fired = w.raiseLocked(StateDegraded, "planner deadline missed twice")
	}
	w.mu.Unlock()
	w.fire(fired)
}

// CommandAccepted resets the repeated-invalid-command streak.
func (w *Watchdog) CommandAccepted() {
	w.mu.Lock()
	w.commandInvalidRun = 0
	w.mu.Unlock()
}

// SensorRecovered ends a sensor dropout episode.
func (w *Watchdog) SensorRecovered() {
	w.mu.Lock()
	w.sensorDropoutActive = false
	w.mu.Unlock()
}

// State returns the current failsafe state without blocking writers.
func (w *Watchdog) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Counters returns a copy of the per-event saturating counters.
func (w *Watchdog) Counters() map[Event]uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[Event]uint64, len(w.counters))
	for e, c := range w.counters {
		if c > 0 {
			out[Event(e)] = c
		}
	}
	return out
}

// Transitions returns how many state changes occurred since startup.
func (w *Watchdog) Transitions() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.transitions
}

// Tick evaluates timers. Called from the scheduler's Critical task.
func (w *Watchdog) Tick(now time.Time) {
	w.mu.Lock()

	var fired []State

	if w.haveCloudBeat {
		age := now.Sub(w.lastCloudBeat)
		if age > 3*w.config.HeartbeatTimeout {
			if w.counters[EventHeartbeatTimeout] < math.MaxUint64 {
				w.counters[EventHeartbeatTimeout]++
			}
			fired = append(fired, w.raiseLocked(StateEmergency, "cloud heartbeat lost")...)
		} else if age > w.config.HeartbeatTimeout {
			if w.counters[EventHeartbeatTimeout] < math.MaxUint64 {
				w.counters[EventHeartbeatTimeout]++
			}
			fired = append(fired, w.raiseLocked(StateAutonomous, "cloud heartbeat stale")...)
		}
	}

	if w.sensorDropoutActive {
		if now.Sub(w.sensorDropoutSince) >= time.Second {
			fired = append(fired, w.raiseLocked(StateAutonomous, "sensor dropout exceeded 1s")...)
		} else {
			fired = append(fired, w.raiseLocked(StateDegraded, "sensor dropout")...)
		}
	}

	w.pruneViolations(now)
	if len(w.violations) > w.config.MaxSafetyViolations {
		fired = append(fired, w.raiseLocked(StateEmergency, "violation budget exhausted")...)
	} else if len(w.violations) > w.config.MaxSafetyViolations/2 {
		fired = append(fired, w.raiseLocked(StateDegraded, "violation budget half spent")...)
	}

	w.mu.Unlock()
	w.fire(fired)
}

// Run drives Tick on the configured interval; used when the watchdog is not
// hosted by the scheduler.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			w.Tick(t)
		}
	}
}

// Reset is the explicit external recovery path back to Nominal.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	prev := w.state
	w.state = StateNominal
	w.violations = w.violations[:0]
	w.plannerMissStreak = 0
	w.commandInvalidRun = 0
	w.sensorDropoutActive = false
	w.haveCloudBeat = false
	handler := w.onTransition
	w.mu.Unlock()

	w.logger.WithField("from", prev.String()).Warn("Watchdog externally reset to Nominal")
	if handler != nil && prev != StateNominal {
		handler(StateNominal)
	}
}

// raiseLocked moves the state toward Emergency, never backward. Returns the
// new state to fire the handler with, if a transition happened.
func (w *Watchdog) raiseLocked(target State, reason string) []State {
	if target <= w.state {
		return nil
	}
	prev := w.state
	w.state = target
	w.transitions++
	w.logger.WithFields(logrus.Fields{
		"from":   prev.String(),
		"to":     target.String(),
		"reason": reason,
	}).Warn("Failsafe state escalated")
	return []State{target}
}

func (w *Watchdog) fire(states []State) {
	if len(states) == 0 {
		return
	}
	w.mu.RLock()
	handler := w.onTransition
	w.mu.RUnlock()
	if handler == nil {
		return
	}
	for _, s := range states {
		handler(s)
	}
}

func (w *Watchdog) pruneViolations(now time.Time) {
	cutoff := now.Add(-w.config.ViolationWindow)
	i := 0
	for ; i < len(w.violations); i++ {
		if w.violations[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.violations = append(w.violations[:0], w.violations[i:]...)
	}
}
