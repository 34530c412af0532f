package safety

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testWatchdog(clock *fakeClock) *Watchdog {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w := New(Config{
		HeartbeatTimeout:    500 * time.Millisecond,
		MaxSafetyViolations: 10,
	}, logger.WithField("component", "safety"))
	w.now = clock.Now
	return w
}

func TestWatchdog_InitialStateNominal(t *testing.T) {
	w := testWatchdog(newFakeClock())
	if w.State() != StateNominal {
		t.Errorf("initial state should be Nominal, got %v", w.State())
	}
}

func TestWatchdog_HeartbeatLossScenario(t *testing.T) {
	clock := newFakeClock()
	w := testWatchdog(clock)

	// Nominal operation: heartbeats every 100 ms for 1 s.
	for i := 0; i < 10; i++ {
		w.OnHeartbeat("cloud")
		clock.Advance(100 * time.Millisecond)
		w.Tick(clock.Now())
	}
	if w.State() != StateNominal {
		t.Fatalf("state should be Nominal while heartbeats flow, got %v", w.State())
	}

	// Heartbeats stop. 500 ms after the last one the timeout expires and
	// the next tick must observe it.
	for i := 0; i < 41; i++ { // 410 ms more; total gap 510 ms
		clock.Advance(10 * time.Millisecond)
		w.Tick(clock.Now())
	}
	if w.State() != StateAutonomous {
		t.Errorf("state should be Autonomous after %v gap, got %v", 510*time.Millisecond, w.State())
	}

	// At 1.5 s of silence the gap exceeds 3x the timeout.
	for i := 0; i < 100; i++ {
		clock.Advance(10 * time.Millisecond)
		w.Tick(clock.Now())
	}
	if w.State() != StateEmergency {
		t.Errorf("state should be Emergency after extended silence, got %v", w.State())
	}
}

func TestWatchdog_TransitionsNeverGoBackWithoutReset(t *testing.T) {
	clock := newFakeClock()
	w := testWatchdog(clock)

	w.Observe(EventManualOverride)
	if w.State() != StateEmergency {
		t.Fatalf("manual override should force Emergency, got %v", w.State())
	}

	// Fresh heartbeats do not recover the state.
	w.OnHeartbeat("cloud")
	w.Tick(clock.Now())
	if w.State() != StateEmergency {
		t.Errorf("Emergency must be terminal, got %v", w.State())
	}

	w.Reset()
	if w.State() != StateNominal {
		t.Errorf("explicit reset should return to Nominal, got %v", w.State())
	}
}

func TestWatchdog_CriticalEventImmediate(t *testing.T) {
	w := testWatchdog(newFakeClock())

	// The transition happens inside Observe, not on the next tick.
	w.Observe(EventVelocityLimitExceeded)
	if w.State() != StateEmergency {
		t.Errorf("velocity limit should escalate immediately, got %v", w.State())
	}
}

func TestWatchdog_PlannerMissTwiceDegrades(t *testing.T) {
	w := testWatchdog(newFakeClock())

	w.ObservePlannerDeadline(true)
	if w.State() != StateNominal {
		t.Fatalf("single miss must not degrade, got %v", w.State())
	}

	w.ObservePlannerDeadline(false)
	w.ObservePlannerDeadline(true)
	if w.State() != StateNominal {
		t.Fatalf("non-consecutive misses must not degrade, got %v", w.State())
	}

	w.ObservePlannerDeadline(true)
	if w.State() != StateDegraded {
		t.Errorf("two consecutive misses should degrade, got %v", w.State())
	}
}

func TestWatchdog_RepeatedInvalidCommandsEscalate(t *testing.T) {
	w := testWatchdog(newFakeClock())

	w.Observe(EventCommandNonFinite)
	w.Observe(EventCommandNonFinite)
	if w.State() == StateEmergency {
		t.Fatal("two invalid commands should not yet be Emergency")
	}

	w.Observe(EventCommandNonFinite)
	if w.State() != StateEmergency {
		t.Errorf("three invalid commands in a row should escalate, got %v", w.State())
	}
}

func TestWatchdog_CommandAcceptedResetsStreak(t *testing.T) {
	w := testWatchdog(newFakeClock())

	w.Observe(EventCommandNonFinite)
	w.Observe(EventCommandNonFinite)
	w.CommandAccepted()
	w.Observe(EventCommandNonFinite)

	if w.State() == StateEmergency {
		t.Error("streak should reset on an accepted command")
	}
}

func TestWatchdog_ViolationWindowDegrades(t *testing.T) {
	clock := newFakeClock()
	w := testWatchdog(clock)

	for i := 0; i < 6; i++ { // above threshold/2 = 5
		w.Observe(EventPlannerDegraded)
	}
	if w.State() != StateDegraded {
		t.Errorf("violation budget half spent should degrade, got %v", w.State())
	}
}

func TestWatchdog_SensorDropoutEscalatesAfterOneSecond(t *testing.T) {
	clock := newFakeClock()
	w := testWatchdog(clock)

	w.Observe(EventSensorInvalid)
	w.Tick(clock.Now())
	if w.State() != StateDegraded {
		t.Fatalf("short dropout should only degrade, got %v", w.State())
	}

	clock.Advance(1100 * time.Millisecond)
	w.Tick(clock.Now())
	if w.State() != StateAutonomous {
		t.Errorf("dropout beyond 1s should escalate, got %v", w.State())
	}
}

func TestWatchdog_TransitionHandlerFires(t *testing.T) {
	w := testWatchdog(newFakeClock())

	var got []State
	var mu sync.Mutex
	w.SetTransitionHandler(func(s State) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	w.Observe(EventManualOverride)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != StateEmergency {
		t.Errorf("handler should observe the Emergency transition, got %v", got)
	}
}

func TestWatchdog_CountersAccumulate(t *testing.T) {
	w := testWatchdog(newFakeClock())

	w.Observe(EventPlannerDegraded)
	w.Observe(EventPlannerDegraded)
	w.Observe(EventESCFault)

	counters := w.Counters()
	if counters[EventPlannerDegraded] != 2 {
		t.Errorf("expected 2 degraded events, got %d", counters[EventPlannerDegraded])
	}
	if counters[EventESCFault] != 1 {
		t.Errorf("expected 1 ESC fault, got %d", counters[EventESCFault])
	}
}
