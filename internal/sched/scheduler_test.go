package sched

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScheduler() *Scheduler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger.WithField("component", "sched"))
}

func noop(ctx context.Context) error { return nil }

func periodicTask(name string, priority Priority, period time.Duration, cb func(context.Context) error) Task {
	return Task{
		Name:              name,
		Priority:          priority,
		Kind:              KindPeriodic,
		Period:            period,
		Deadline:          period,
		ExpectedExecution: period / 10,
		JitterBound:       period / 10,
		Callback:          cb,
	}
}

func TestRegister_RefusesPlaceholderCallback(t *testing.T) {
	s := testScheduler()

	err := s.Register(Task{Name: "empty", Kind: KindPeriodic, Period: time.Second, Deadline: time.Second})
	assert.ErrorIs(t, err, ErrTaskInvalid)
}

func TestRegister_RefusesDuplicateNames(t *testing.T) {
	s := testScheduler()

	require.NoError(t, s.Register(periodicTask("a", PriorityLow, time.Second, noop)))
	err := s.Register(periodicTask("a", PriorityLow, time.Second, noop))
	assert.ErrorIs(t, err, ErrTaskInvalid)
}

func TestRegister_RefusesDeadlineBeyondPeriod(t *testing.T) {
	s := testScheduler()

	task := periodicTask("a", PriorityLow, 10*time.Millisecond, noop)
	task.Deadline = 20 * time.Millisecond
	err := s.Register(task)
	assert.ErrorIs(t, err, ErrTaskInvalid)
}

func TestRegister_RefusesBudgetBeyondDeadline(t *testing.T) {
	s := testScheduler()

	task := periodicTask("a", PriorityLow, 10*time.Millisecond, noop)
	task.ExpectedExecution = 8 * time.Millisecond
	task.JitterBound = 5 * time.Millisecond
	err := s.Register(task)
	assert.ErrorIs(t, err, ErrTaskInvalid)
}

func TestFinalize_RejectsUnknownDependency(t *testing.T) {
	s := testScheduler()

	task := periodicTask("a", PriorityLow, time.Second, noop)
	task.DependsOn = []string{"ghost"}
	require.NoError(t, s.Register(task))

	err := s.Finalize()
	assert.ErrorIs(t, err, ErrTaskInvalid)
}

func TestFinalize_RejectsDependencyCycle(t *testing.T) {
	s := testScheduler()

	a := periodicTask("a", PriorityLow, time.Second, noop)
	a.DependsOn = []string{"b"}
	b := periodicTask("b", PriorityLow, time.Second, noop)
	b.DependsOn = []string{"a"}
	require.NoError(t, s.Register(a))
	require.NoError(t, s.Register(b))

	err := s.Finalize()
	assert.ErrorIs(t, err, ErrTaskInvalid)
}

func TestRegistration_ClosedAfterFinalize(t *testing.T) {
	s := testScheduler()
	require.NoError(t, s.Finalize())

	err := s.Register(periodicTask("late", PriorityLow, time.Second, noop))
	assert.ErrorIs(t, err, ErrRegistrationClosed)
	assert.Equal(t, StageRuntime, s.Stage())
}

func TestDynamicStage_AllowsOnlyLowPriority(t *testing.T) {
	s := testScheduler()
	require.NoError(t, s.Finalize())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.EnableDynamic()
	assert.Equal(t, StageDynamic, s.Stage())

	err := s.Register(periodicTask("bg", PriorityBackground, 100*time.Millisecond, noop))
	assert.NoError(t, err)

	err = s.Register(periodicTask("crit", PriorityCritical, 10*time.Millisecond, noop))
	assert.ErrorIs(t, err, ErrRegistrationClosed)
}

func TestPeriodicExecution(t *testing.T) {
	s := testScheduler()

	var high, medium atomic.Uint64
	require.NoError(t, s.Register(periodicTask("high", PriorityHigh, 10*time.Millisecond, func(ctx context.Context) error {
		high.Add(1)
		return nil
	})))
	require.NoError(t, s.Register(periodicTask("medium", PriorityMedium, 20*time.Millisecond, func(ctx context.Context) error {
		medium.Add(1)
		return nil
	})))
	require.NoError(t, s.Finalize())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	time.Sleep(300 * time.Millisecond)
	cancel()
	s.Stop()

	// Generous bounds: schedulers on loaded CI boxes jitter, but the
	// order of magnitude must hold and misses are skips, not reruns.
	assert.GreaterOrEqual(t, high.Load(), uint64(15))
	assert.LessOrEqual(t, high.Load(), uint64(31))
	assert.GreaterOrEqual(t, medium.Load(), uint64(7))
	assert.LessOrEqual(t, medium.Load(), uint64(16))
}

func TestPanicContainment(t *testing.T) {
	s := testScheduler()

	var faulted atomic.Bool
	var healthy atomic.Uint64

	s.SetFaultHandler(func(name string, err error) {
		if name == "bomb" {
			faulted.Store(true)
		}
	}, nil)

	require.NoError(t, s.Register(periodicTask("bomb", PriorityMedium, 10*time.Millisecond, func(ctx context.Context) error {
		panic("boom")
	})))
	require.NoError(t, s.Register(periodicTask("steady", PriorityMedium, 10*time.Millisecond, func(ctx context.Context) error {
		healthy.Add(1)
		return nil
	})))
	require.NoError(t, s.Finalize())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	assert.True(t, faulted.Load(), "panic should reach the fault handler")
	assert.Greater(t, healthy.Load(), uint64(5), "other tasks must keep running")

	for _, ts := range s.Stats() {
		if ts.Name == "bomb" {
			assert.Equal(t, uint64(1), ts.Faults, "a faulted task is removed after its first panic")
		}
	}
}

func TestDeadlineMissEscalatesForCritical(t *testing.T) {
	s := testScheduler()

	var missed atomic.Bool
	s.SetFaultHandler(nil, func(name string, priority Priority) {
		if name == "slow" && priority == PriorityCritical {
			missed.Store(true)
		}
	})

	task := Task{
		Name:              "slow",
		Priority:          PriorityCritical,
		Kind:              KindPeriodic,
		Period:            20 * time.Millisecond,
		Deadline:          5 * time.Millisecond,
		ExpectedExecution: time.Millisecond,
		JitterBound:       time.Millisecond,
		Callback: func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	}
	require.NoError(t, s.Register(task))
	require.NoError(t, s.Finalize())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	time.Sleep(100 * time.Millisecond)
	cancel()
	s.Stop()

	assert.True(t, missed.Load(), "critical overrun should escalate")
}

func TestRemove_CooperativeCancellation(t *testing.T) {
	s := testScheduler()

	var runs atomic.Uint64
	require.NoError(t, s.Register(periodicTask("bg", PriorityBackground, 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})))
	require.NoError(t, s.Finalize())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Remove("bg"))
	time.Sleep(30 * time.Millisecond)
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)

	assert.LessOrEqual(t, runs.Load(), after+1, "at most one in-flight cycle after removal")

	cancel()
	s.Stop()
}

func TestTrigger_SporadicMinInterArrival(t *testing.T) {
	s := testScheduler()

	var runs atomic.Uint64
	require.NoError(t, s.Register(Task{
		Name:              "sporadic",
		Priority:          PriorityLow,
		Kind:              KindSporadic,
		Deadline:          50 * time.Millisecond,
		MinInterArrival:   time.Second,
		ExpectedExecution: time.Millisecond,
		Callback: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Finalize())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer func() {
		cancel()
		s.Stop()
	}()

	require.NoError(t, s.Trigger("sporadic"))
	err := s.Trigger("sporadic")
	assert.ErrorIs(t, err, ErrTaskInvalid, "second release inside the window is refused")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), runs.Load())
}

func TestStats_TrackExecution(t *testing.T) {
	s := testScheduler()

	require.NoError(t, s.Register(periodicTask("work", PriorityMedium, 10*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(time.Millisecond)
		return nil
	})))
	require.NoError(t, s.Finalize())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	time.Sleep(100 * time.Millisecond)
	cancel()
	s.Stop()

	stats := s.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "work", stats[0].Name)
	assert.Greater(t, stats[0].Cycles, uint64(0))
	assert.Greater(t, stats[0].MeanExecution, time.Duration(0))
	assert.GreaterOrEqual(t, stats[0].MaxExecution, stats[0].MeanExecution)
	assert.InDelta(t, 1.0, stats[0].SuccessRate, 1e-9)
}
