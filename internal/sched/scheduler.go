package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stage is the scheduler lifecycle stage.
type Stage int

const (
	StageBootstrap Stage = iota
	StageRuntime
	StageDynamic
)

// String returns string representation of Stage
func (s Stage) String() string {
	names := []string{"Bootstrap", "Runtime", "Dynamic"}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// rmUtilizationBound is the rate-monotonic sufficient condition coefficient;
// exceeding bound*n only warns.
const rmUtilizationBound = 0.69

// poolWorkers is the size of the shared worker pool for Medium and below.
const poolWorkers = 2

var (
	// ErrRegistrationClosed is returned when registering outside the
	// permitted stage.
	ErrRegistrationClosed = errors.New("sched: registration stage closed")
	// ErrTaskInvalid is returned for a descriptor that fails static
	// validation.
	ErrTaskInvalid = errors.New("sched: invalid task")
)

// Scheduler hosts the control core's tasks.
type Scheduler struct {
	mu    sync.Mutex
	stage Stage
	tasks map[string]*taskState

	logger *logrus.Entry

	// onFault and onMiss funnel failures to the safety watchdog.
	onFault func(name string, err error)
	onMiss  func(name string, priority Priority)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	readyMu   sync.Mutex
	readyCond *sync.Cond
	ready     releaseHeap
	stopped   bool
}

type taskState struct {
	task    Task
	metrics taskMetrics

	cancelled bool
	faulted   bool
	running   bool

	lastRelease time.Time // sporadic min-inter-arrival enforcement
}

// release is one due execution of a pool-tier task.
type release struct {
	name     string
	priority Priority
	deadline time.Time
}

// New creates a scheduler in the Bootstrap stage.
func New(logger *logrus.Entry) *Scheduler {
	s := &Scheduler{
		stage:  StageBootstrap,
		tasks:  make(map[string]*taskState),
		logger: logger,
	}
	s.readyCond = sync.NewCond(&s.readyMu)
	return s
}

// SetFaultHandler registers onFault, invoked when a task panics or returns an
// error, and onMiss, invoked when a task with the MissEscalate policy (forced
// for Critical tasks) misses its deadline. Bootstrap stage only.
func (s *Scheduler) SetFaultHandler(onFault func(name string, err error), onMiss func(name string, priority Priority)) {
	s.mu.Lock()
	s.onFault = onFault
	s.onMiss = onMiss
	s.mu.Unlock()
}

// Register adds a task during Bootstrap, or a Low/Background task during
// Dynamic. Placeholder (nil) callbacks are refused.
func (s *Scheduler) Register(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.stage {
	case StageBootstrap:
	case StageDynamic:
		if t.Priority != PriorityLow && t.Priority != PriorityBackground {
			return fmt.Errorf("%w: only Low/Background tasks may be added at runtime", ErrRegistrationClosed)
		}
	default:
		return ErrRegistrationClosed
	}

	if err := validateTask(t); err != nil {
		return err
	}
	if _, exists := s.tasks[t.Name]; exists {
		return fmt.Errorf("%w: duplicate name %q", ErrTaskInvalid, t.Name)
	}
	if t.Priority == PriorityCritical {
		t.OnMiss = MissEscalate
	}

	s.tasks[t.Name] = &taskState{task: t}

	if s.stage == StageDynamic {
		s.startTaskLocked(s.tasks[t.Name])
	}
	return nil
}

// Remove requests cooperative cancellation of a Low/Background task; it is
// dropped from the run queue at the next tick boundary.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: unknown task %q", ErrTaskInvalid, name)
	}
	if s.stage != StageBootstrap &&
		ts.task.Priority != PriorityLow && ts.task.Priority != PriorityBackground {
		return fmt.Errorf("%w: only Low/Background tasks may be removed at runtime", ErrRegistrationClosed)
	}
	ts.cancelled = true
	return nil
}

// Finalize validates the task set as a whole and moves to Runtime; further
// registrations are rejected until EnableDynamic.
func (s *Scheduler) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != StageBootstrap {
		return ErrRegistrationClosed
	}

	if err := s.validateGraphLocked(); err != nil {
		return err
	}

	// Rate-monotonic sufficient condition; violation is a warning only.
	utilization := 0.0
	periodic := 0
	for _, ts := range s.tasks {
		if ts.task.Kind == KindPeriodic {
			periodic++
			utilization += float64(ts.task.ExpectedExecution) / float64(ts.task.Period)
		}
	}
	if periodic > 0 && utilization > rmUtilizationBound*float64(periodic) {
		s.logger.WithFields(logrus.Fields{
			"utilization": utilization,
			"tasks":       periodic,
		}).Warn("Aggregate CPU utilization exceeds the rate-monotonic bound")
	}

	s.stage = StageRuntime
	return nil
}

// EnableDynamic opens the restricted runtime registration stage.
func (s *Scheduler) EnableDynamic() {
	s.mu.Lock()
	if s.stage == StageRuntime {
		s.stage = StageDynamic
	}
	s.mu.Unlock()
}

// Stage returns the current lifecycle stage.
func (s *Scheduler) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Start launches all task loops. Finalize must have been called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage == StageBootstrap {
		return fmt.Errorf("sched: Start before Finalize")
	}
	if s.cancel != nil {
		return fmt.Errorf("sched: already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < poolWorkers; i++ {
		s.wg.Add(1)
		go s.poolWorker()
	}

	for _, ts := range s.tasks {
		s.startTaskLocked(ts)
	}

	s.logger.WithField("tasks", len(s.tasks)).Info("Scheduler started")
	return nil
}

// Stop cancels every task and waits for the loops to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.readyMu.Lock()
	s.stopped = true
	s.readyCond.Broadcast()
	s.readyMu.Unlock()

	s.wg.Wait()
}

// Stats returns an aggregated snapshot, sorted by task name.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	states := make([]*taskState, 0, len(s.tasks))
	for _, ts := range s.tasks {
		states = append(states, ts)
	}
	s.mu.Unlock()

	out := make([]TaskStats, 0, len(states))
	for _, ts := range states {
		out = append(out, ts.metrics.snapshot(ts.task.Name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trigger releases an aperiodic or sporadic task now. Sporadic tasks are
// refused inside their minimum inter-arrival window.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	ts, ok := s.tasks[name]
	if !ok || ts.cancelled || ts.faulted {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown or stopped task %q", ErrTaskInvalid, name)
	}
	t := ts.task
	if t.Kind == KindPeriodic {
		s.mu.Unlock()
		return fmt.Errorf("%w: periodic task %q cannot be triggered", ErrTaskInvalid, name)
	}
	now := time.Now()
	if t.Kind == KindSporadic && !ts.lastRelease.IsZero() && now.Sub(ts.lastRelease) < t.MinInterArrival {
		s.mu.Unlock()
		return fmt.Errorf("%w: sporadic task %q inside min inter-arrival", ErrTaskInvalid, name)
	}
	ts.lastRelease = now
	s.mu.Unlock()

	s.enqueue(release{name: name, priority: t.Priority, deadline: now.Add(t.Deadline)})
	return nil
}

// startTaskLocked launches the loop matching the task's tier.
func (s *Scheduler) startTaskLocked(ts *taskState) {
	if s.cancel == nil || ts.task.Kind != KindPeriodic {
		return
	}
	if ts.task.Priority <= PriorityHigh {
		s.wg.Add(1)
		go s.dedicatedLoop(ts)
		return
	}
	s.wg.Add(1)
	go s.releaseLoop(ts)
}

// dedicatedLoop runs a Critical/High periodic task on its own goroutine with
// phase-aligned wakeups: the next tick is always previous+period, so drift
// does not accumulate, and missed cycles are skipped rather than re-run.
func (s *Scheduler) dedicatedLoop(ts *taskState) {
	defer s.wg.Done()

	t := ts.task
	next := time.Now().Add(t.Period)
	timer := time.NewTimer(t.Period)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		if s.taskStopped(ts) {
			return
		}

		s.execute(ts, next.Add(t.Deadline))

		// Phase-aligned advance; skip, never catch up.
		next = next.Add(t.Period)
		now := time.Now()
		for next.Before(now) {
			next = next.Add(t.Period)
			ts.metrics.recordSkip()
		}
		sleep := next.Sub(now)
		if sleep < 0 {
			sleep = 0
		} else if sleep > t.Period {
			sleep = t.Period
		}
		timer.Reset(sleep)
	}
}

// releaseLoop feeds a pool-tier periodic task into the ready queue at its
// period, skipping releases while a previous instance still runs.
func (s *Scheduler) releaseLoop(ts *taskState) {
	defer s.wg.Done()

	t := ts.task
	next := time.Now().Add(t.Period)
	timer := time.NewTimer(t.Period)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		if s.taskStopped(ts) {
			return
		}

		s.mu.Lock()
		busy := ts.running
		s.mu.Unlock()
		if busy {
			ts.metrics.recordSkip()
		} else {
			s.enqueue(release{name: t.Name, priority: t.Priority, deadline: next.Add(t.Deadline)})
		}

		next = next.Add(t.Period)
		now := time.Now()
		for next.Before(now) {
			next = next.Add(t.Period)
			ts.metrics.recordSkip()
		}
		sleep := next.Sub(now)
		if sleep < 0 {
			sleep = 0
		} else if sleep > t.Period {
			sleep = t.Period
		}
		timer.Reset(sleep)
	}
}

// poolWorker drains the ready queue, best release first.
func (s *Scheduler) poolWorker() {
	defer s.wg.Done()

	for {
		s.readyMu.Lock()
		for s.ready.Len() == 0 && !s.stopped {
			s.readyCond.Wait()
		}
		if s.stopped {
			s.readyMu.Unlock()
			return
		}
		rel := heap.Pop(&s.ready).(release)
		s.readyMu.Unlock()

		s.mu.Lock()
		ts, ok := s.tasks[rel.name]
		if !ok || ts.cancelled || ts.faulted || ts.running {
			if ok && ts.running {
				ts.metrics.recordSkip()
			}
			s.mu.Unlock()
			continue
		}
		ts.running = true
		s.mu.Unlock()

		s.execute(ts, rel.deadline)

		s.mu.Lock()
		ts.running = false
		s.mu.Unlock()
	}
}

// execute runs one cycle with panic containment and deadline measurement.
func (s *Scheduler) execute(ts *taskState, deadline time.Time) {
	t := ts.task
	start := time.Now()

	err := s.invoke(ts)
	exec := time.Since(start)

	if errors.Is(err, errTaskPanicked) {
		return
	}

	missed := exec > t.Deadline || time.Now().After(deadline)
	ts.metrics.record(exec, missed, err != nil)

	if err != nil && s.onFault != nil {
		s.onFault(t.Name, err)
	}
	if missed {
		s.logger.WithFields(logrus.Fields{
			"task": t.Name,
			"exec": exec,
		}).Warn("Deadline miss")
		if t.OnMiss == MissEscalate && s.onMiss != nil {
			s.onMiss(t.Name, t.Priority)
		}
	}
}

var errTaskPanicked = errors.New("sched: task panicked")

// invoke calls the callback, converting a panic into a fault that removes
// the task while the rest of the schedule continues.
func (s *Scheduler) invoke(ts *taskState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ts.metrics.recordFault()
			s.mu.Lock()
			ts.faulted = true
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"task":  ts.task.Name,
				"panic": r,
			}).Error("Task panicked; marked faulted")
			if s.onFault != nil {
				s.onFault(ts.task.Name, fmt.Errorf("%w: %v", errTaskPanicked, r))
			}
			err = errTaskPanicked
		}
	}()
	return ts.task.Callback(s.ctx)
}

func (s *Scheduler) taskStopped(ts *taskState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ts.cancelled || ts.faulted
}

func (s *Scheduler) enqueue(rel release) {
	s.readyMu.Lock()
	heap.Push(&s.ready, rel)
	s.readyCond.Signal()
	s.readyMu.Unlock()
}

// validateTask covers the per-descriptor static checks.
func validateTask(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrTaskInvalid)
	}
	if t.Callback == nil {
		return fmt.Errorf("%w: task %q has a placeholder callback", ErrTaskInvalid, t.Name)
	}
	if t.Deadline <= 0 {
		return fmt.Errorf("%w: task %q needs a positive deadline", ErrTaskInvalid, t.Name)
	}
	if t.Kind == KindPeriodic {
		if t.Period <= 0 {
			return fmt.Errorf("%w: periodic task %q needs a positive period", ErrTaskInvalid, t.Name)
		}
		if t.Deadline > t.Period {
			return fmt.Errorf("%w: task %q deadline exceeds period", ErrTaskInvalid, t.Name)
		}
	}
	if t.Kind == KindSporadic && t.MinInterArrival <= 0 {
		return fmt.Errorf("%w: sporadic task %q needs a min inter-arrival", ErrTaskInvalid, t.Name)
	}
	if t.ExpectedExecution+t.JitterBound > t.Deadline {
		return fmt.Errorf("%w: task %q expected execution plus jitter exceeds deadline", ErrTaskInvalid, t.Name)
	}
	return nil
}

// validateGraphLocked checks dependency existence and acyclicity.
func (s *Scheduler) validateGraphLocked() error {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(s.tasks))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle through %q", ErrTaskInvalid, name)
		case done:
			return nil
		}
		color[name] = visiting
		for _, dep := range s.tasks[name].task.DependsOn {
			if _, ok := s.tasks[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrTaskInvalid, name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = done
		return nil
	}

	for name := range s.tasks {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// releaseHeap orders releases by priority, then earliest deadline.
type releaseHeap []release

func (h releaseHeap) Len() int { return len(h) }

func (h releaseHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h releaseHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *releaseHeap) Push(x any) { *h = append(*h, x.(release)) }

func (h *releaseHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
