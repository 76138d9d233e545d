// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import "time"

// destroyMarkerOrigin identifies the sentinel task Destroy appends to the
// incoming queue to bound the task deletion protocol.
const destroyMarkerOrigin Origin = "tasksched:destroy-marker"

// HighResTimerAware is an optional interface a Pump can implement to be
// told when at least one high-resolution-timer task is pending, so it can
// arm a more precise (and more power-hungry) native timer. ChannelPump does
// not implement this; it has no native timer to coalesce.
type HighResTimerAware interface {
	SetHighResTimerActive(active bool)
}

// Scheduler is a single-threaded, cooperative task scheduler bound to
// exactly one goroutine for its lifetime: every queue and piece of
// bookkeeping below sharedQueue is touched only from that goroutine, with
// sharedQueue itself the sole cross-goroutine surface (reached directly by
// Scheduler and indirectly by every TaskRunner handle derived from it).
type Scheduler struct {
	shared   *sharedQueue
	triage   *triageQueue
	delayed  *delayedQueue
	deferred *deferredQueue
	hiRes    *hiResCounter

	pump      Pump
	annotator *TaskAnnotator
	logger    *Logger

	destructionObservers []func()
	crashObserver        func(*PanicError)
	runners              *runnerRegistry
	metrics              *SchedulerMetrics

	// state is safe to query from any goroutine; everything else in this
	// block is bound-goroutine-only and needs no further synchronization.
	state *fastState

	schedulingStarted bool
	nestDepth         int
	executionAllowed  bool
	quitWhenIdle      bool
	recentTime        time.Time
}

// NewScheduler constructs a Scheduler. It is not yet bound to a goroutine;
// call Bind (or Run, which binds implicitly) from the goroutine that will
// own it.
func NewScheduler(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	annotator := NewTaskAnnotator()
	hiRes := &hiResCounter{}
	shared := newSharedQueue(cfg.pump, annotator, cfg.logger, false)
	var metrics *SchedulerMetrics
	if cfg.metricsEnabled {
		metrics = &SchedulerMetrics{}
	}
	return &Scheduler{
		shared:               shared,
		triage:               newTriageQueue(shared, hiRes),
		delayed:              newDelayedQueue(hiRes),
		deferred:             newDeferredQueue(hiRes),
		hiRes:                hiRes,
		pump:                 cfg.pump,
		annotator:            annotator,
		logger:               cfg.logger,
		destructionObservers: cfg.destructionObserve,
		crashObserver:        cfg.crashObserver,
		runners:              newRunnerRegistry(),
		metrics:              metrics,
		state:                newFastState(),
		executionAllowed:     true,
	}, nil
}

// State returns the scheduler's current lifecycle stage. Safe to call
// from any goroutine.
func (s *Scheduler) State() SchedulerState {
	return s.state.Load()
}

// Bind associates the scheduler with the calling goroutine. Idempotent;
// Run calls it automatically, so most callers never need it directly.
func (s *Scheduler) Bind() {
	if s.shared.boundGoroutine.Load() == 0 {
		s.shared.boundGoroutine.Store(getGoroutineID() + 1)
	}
	s.state.TryTransition(StateCreated, StateBound)
}

// StartScheduling marks the scheduler ready to be woken by posts, waking
// the pump once immediately if work is already queued. Idempotent; Run
// calls it automatically.
func (s *Scheduler) StartScheduling() {
	if !s.schedulingStarted {
		s.schedulingStarted = true
		s.shared.startScheduling()
	}
}

// NewTaskRunner returns a cross-goroutine posting handle bound to this
// scheduler's sharedQueue. The handle is weakly tracked so
// DebugLiveTaskRunners can report how many issued handles are still
// reachable, without that tracking itself keeping one alive.
func (s *Scheduler) NewTaskRunner() *TaskRunner {
	r := &TaskRunner{shared: s.shared}
	s.runners.track(r)
	return r
}

// DebugLiveTaskRunners scavenges up to batchSize of this scheduler's
// weakly-tracked TaskRunner handles and reports how many of those
// sampled are still reachable. Intended for leak diagnostics and tests,
// not steady-state operation; a full count requires calling it
// repeatedly until a full ring lap completes.
func (s *Scheduler) DebugLiveTaskRunners(batchSize int) int {
	return s.runners.scavenge(batchSize)
}

// PostTask posts an immediate, nestable task from the bound goroutine (or
// any other; posting is always cross-goroutine safe).
func (s *Scheduler) PostTask(origin Origin, closure func()) bool {
	return s.shared.post(origin, closure, 0, Nestable, nil)
}

// PostDelayed posts a nestable task to run no earlier than delay from now.
func (s *Scheduler) PostDelayed(origin Origin, closure func(), delay time.Duration) bool {
	return s.shared.post(origin, closure, delay, Nestable, nil)
}

// PostNonNestableDelayed posts a task that will never run at a nesting
// depth greater than the depth at which it is posted, unless nested
// application tasks were explicitly allowed for that nested run.
func (s *Scheduler) PostNonNestableDelayed(origin Origin, closure func(), delay time.Duration) bool {
	return s.shared.post(origin, closure, delay, NonNestable, nil)
}

// Run drives the scheduler's Pump until Quit is called. Calling Run again
// from within a running task is a nested run: application (i.e. normal
// Nestable) tasks only continue to execute during it if allowApplicationTasks
// is true, matching a native modal loop that by default pumps only its own
// internal messages.
func (s *Scheduler) Run(allowApplicationTasks bool) {
	s.Bind()
	s.StartScheduling()

	prevAllowed := s.executionAllowed
	if s.nestDepth > 0 {
		s.executionAllowed = allowApplicationTasks
	} else {
		s.executionAllowed = true
	}
	if s.nestDepth == 0 {
		s.state.TransitionAny([]SchedulerState{StateBound, StateIdle}, StateRunning)
	}
	s.nestDepth++
	defer func() {
		s.nestDepth--
		s.executionAllowed = prevAllowed
		if s.nestDepth == 0 {
			s.state.Store(StateIdle)
		}
	}()

	s.pump.Run(s)
}

// Quit tells the pump to stop the innermost active Run. Bound-goroutine
// only.
func (s *Scheduler) Quit() {
	s.pump.Quit()
}

// QuitWhenIdle arms a latch so the next time DoIdleWork finds nothing to
// do, it quits the pump instead of going to sleep. Bound-goroutine only.
func (s *Scheduler) QuitWhenIdle() {
	s.quitWhenIdle = true
}

// DoWork implements RunDelegate: pop and run at most one ready task,
// routing delayed and non-nestable-deferred tasks to their queues instead.
func (s *Scheduler) DoWork() bool {
	if !s.executionAllowed {
		return false
	}
	for {
		task, ok := s.triage.Pop()
		if !ok {
			return false
		}
		if task.IsCancelled() {
			continue
		}
		if !task.IsImmediate() {
			s.delayed.Push(task)
			if top, ok := s.delayed.Peek(); ok && top.seq == task.seq {
				s.pump.ScheduleDelayedWork(top.delayedRunTime)
			}
			continue
		}
		return s.deferOrRun(&task)
	}
}

// DoDelayedWork implements RunDelegate: run the one delayed task at the
// front of the heap if its time has come, else report when the pump should
// next wake.
func (s *Scheduler) DoDelayedWork() (bool, time.Time) {
	if !s.executionAllowed || !s.delayed.HasTasks() {
		return false, time.Time{}
	}

	top, _ := s.delayed.Peek()
	if top.delayedRunTime.After(s.recentTime) {
		s.recentTime = time.Now()
		if top.delayedRunTime.After(s.recentTime) {
			next := top.delayedRunTime
			if ceiling := s.recentTime.Add(maxSleep); ceiling.Before(next) {
				next = ceiling
			}
			return false, next
		}
	}

	task, _ := s.delayed.Pop()
	did := s.deferOrRun(&task)

	var next time.Time
	if s.delayed.HasTasks() {
		top2, _ := s.delayed.Peek()
		next = top2.delayedRunTime
	}
	return did, next
}

// DoIdleWork implements RunDelegate: drain one deferred task if the
// outermost run is idle, else honor QuitWhenIdle, else refresh the
// high-resolution-timer hint on the pump if it supports one.
func (s *Scheduler) DoIdleWork() bool {
	if s.nestDepth <= 1 && s.deferred.HasTasks() {
		task, _ := s.deferred.Pop()
		s.runTask(&task)
		return true
	}
	if s.quitWhenIdle {
		s.pump.Quit()
		return false
	}
	if hr, ok := s.pump.(HighResTimerAware); ok {
		hr.SetHighResTimerActive(s.hiRes.positive())
	}
	return false
}

// deferOrRun runs task immediately if it is Nestable or the current run is
// not nested, otherwise defers it until the outer run goes idle.
func (s *Scheduler) deferOrRun(task *Task) bool {
	if task.nestable == Nestable || s.nestDepth <= 1 {
		s.runTask(task)
	} else {
		s.deferred.Push(*task)
	}
	return true
}

// runTask executes task's closure with panic recovery, so a task panic
// never crashes the bound goroutine; the recovered value is logged and
// handed to the crash observer if one is registered.
func (s *Scheduler) runTask(task *Task) {
	start := time.Now()
	panicked := false
	defer func() {
		if s.metrics != nil {
			s.metrics.record(time.Since(start), panicked)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			pe := &PanicError{Recovered: r, Origin: task.origin}
			logErr(s.logger, "recovered panic running task", pe)
			if s.crashObserver != nil {
				s.crashObserver(pe)
			}
		}
	}()
	s.annotator.Run(task)
}

// Destroy tears the scheduler down: it rejects further posts, notifies
// destruction observers, then runs the task deletion protocol (drain triage
// up to and including a marker task inserted directly after the observers
// run, moving any delayed task it encounters to the delayed queue instead
// of destroying it so destructor-driven reposts cannot loop forever) before
// dropping the deferred and delayed queues outright. Bound-goroutine only;
// idempotent.
func (s *Scheduler) Destroy() {
	if !s.state.TransitionAny([]SchedulerState{StateCreated, StateBound, StateRunning, StateIdle}, StateDestroyed) {
		return
	}

	s.shared.reject()

	for _, obs := range s.destructionObservers {
		s.safeObserve(obs)
	}

	s.destroyDrainTriage()
	s.deferred.Clear()
	s.delayed.Clear()

	s.shared.boundGoroutine.Store(0)
}

func (s *Scheduler) safeObserve(obs func()) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Recovered: r, Origin: "destruction-observer"}
			logErr(s.logger, "recovered panic in destruction observer", pe)
			if s.crashObserver != nil {
				s.crashObserver(pe)
			}
		}
	}()
	obs()
}

// destroyDrainTriage implements the task deletion protocol's triage pass:
// pending tasks are released, never run, during teardown. Delayed tasks
// encountered are moved to the delayed queue (cleared immediately after by
// the caller) rather than dropped here, so this pass always terminates
// even if a task's own release logic were to matter for ordering.
//
// The marker is injected through sharedQueue, not pushed straight into
// triage.local: anything still sitting in the incoming queue at Destroy
// time (posted before teardown began, not yet drained into triage) must be
// pulled in by triage's own reload before the marker is reached, or it
// would never be run, moved, or destroyed at all.
func (s *Scheduler) destroyDrainTriage() {
	marker := newTask(destroyMarkerOrigin, nil, time.Time{}, 0, Nestable, nil)
	s.shared.injectMarker(marker)

	for {
		task, ok := s.triage.Pop()
		if !ok {
			return
		}
		if !task.IsImmediate() {
			s.delayed.Push(task)
			continue
		}
		if task.origin == destroyMarkerOrigin {
			return
		}
	}
}
