// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"sync"
	"sync/atomic"
	"time"
)

// excessDelayThreshold triggers the diagnostic ExcessDelay log; the task is
// still accepted.
const excessDelayThreshold = 14 * 24 * time.Hour

// sharedQueue is the cross-goroutine state a Scheduler and every TaskRunner
// handle derived from it both hold a reference to. It outlives scheduler
// teardown: once a Scheduler calls reject, Post safely observes
// acceptNewTasks == false and fails instead of touching freed scheduler
// state. This is the Go analogue of the Chromium original's
// reference-counted IncomingTaskQueue, with the teardown race handled by
// ordinary GC-managed sharing instead of an explicit refcount.
type sharedQueue struct {
	mu sync.Mutex
	q  fifoQueue

	acceptNewTasks     bool
	readyForScheduling bool
	alreadyScheduled   bool
	alwaysNotifyPump   bool
	highResTaskCount   int
	seq                uint32

	// boundGoroutine is 0 until Bind, and (goroutine id + 1) after, so a
	// genuine goroutine id of 0 is never confused with "unbound".
	boundGoroutine atomic.Uint64

	pump      Pump
	annotator *TaskAnnotator
	logger    *Logger
}

func newSharedQueue(pump Pump, annotator *TaskAnnotator, logger *Logger, alwaysNotifyPump bool) *sharedQueue {
	return &sharedQueue{
		acceptNewTasks:   true,
		alwaysNotifyPump: alwaysNotifyPump,
		pump:             pump,
		annotator:        annotator,
		logger:           logger,
	}
}

// post implements §4.4's post operation; shared by Scheduler's own poster
// methods and every TaskRunner handle.
func (s *sharedQueue) post(origin Origin, closure func(), delay time.Duration, nestable Nestability, cancelled *bool) bool {
	if delay < 0 {
		delay = 0
	}
	if delay > excessDelayThreshold {
		logInfoOrigin(s.logger, "requesting super-long task delay", origin)
	}

	task := newTask(origin, closure, time.Now(), delay, nestable, cancelled)

	s.mu.Lock()
	if !s.acceptNewTasks {
		s.mu.Unlock()
		return false
	}
	s.annotator.WillQueue(&task)
	s.seq++
	task.seq = s.seq
	if task.highRes {
		s.highResTaskCount++
	}
	wasEmpty := s.q.length == 0
	s.q.push(task)
	scheduleWork := s.readyForScheduling && (s.alwaysNotifyPump || (!s.alreadyScheduled && wasEmpty))
	if scheduleWork {
		s.alreadyScheduled = true
	}
	s.mu.Unlock()

	if scheduleWork {
		s.pump.ScheduleWork()
	}
	return true
}

// injectMarker appends task directly into the incoming queue under its
// mutex, bypassing the acceptNewTasks check that post() applies to ordinary
// callers. Destroy calls this exactly once, after reject() has already
// flipped acceptNewTasks to false, to append its teardown marker behind
// whatever callers had already posted before teardown began — mirroring
// the Chromium original's SequencedTaskSource::InjectTask, which appends a
// task "at the end of this SequencedTaskSource" regardless of shutdown
// state so the task deletion protocol observes every task that was
// pending, not just whatever the triage queue already held.
func (s *sharedQueue) injectMarker(task Task) {
	s.mu.Lock()
	s.seq++
	task.seq = s.seq
	s.q.push(task)
	s.mu.Unlock()
}

func (s *sharedQueue) startScheduling() {
	s.mu.Lock()
	s.readyForScheduling = true
	scheduleWork := s.q.length > 0
	if scheduleWork {
		s.alreadyScheduled = true
	}
	s.mu.Unlock()
	if scheduleWork {
		s.pump.ScheduleWork()
	}
}

func (s *sharedQueue) reject() {
	s.mu.Lock()
	s.acceptNewTasks = false
	s.mu.Unlock()
}

func (s *sharedQueue) runsTasksInCurrentSequence() bool {
	bound := s.boundGoroutine.Load()
	return bound != 0 && bound-1 == getGoroutineID()
}

// TaskRunner is the reference-counted (in Go: GC-shared), thread-safe
// cross-thread posting surface exposed to callers. It holds a reference to
// a scheduler's sharedQueue, not to the scheduler itself, so posts racing
// against scheduler teardown see acceptNewTasks == false and fail safely
// rather than touching a torn-down Scheduler.
type TaskRunner struct {
	shared *sharedQueue
}

// PostTask posts an immediate, nestable task.
func (r *TaskRunner) PostTask(origin Origin, closure func()) bool {
	return r.shared.post(origin, closure, 0, Nestable, nil)
}

// PostDelayed posts a nestable task to run no earlier than delay from now.
func (r *TaskRunner) PostDelayed(origin Origin, closure func(), delay time.Duration) bool {
	return r.shared.post(origin, closure, delay, Nestable, nil)
}

// PostNonNestableDelayed posts a task that will never run at a nesting
// depth greater than the depth at which it is posted, unless nested
// application tasks were explicitly allowed for that nested run.
func (r *TaskRunner) PostNonNestableDelayed(origin Origin, closure func(), delay time.Duration) bool {
	return r.shared.post(origin, closure, delay, NonNestable, nil)
}

// RunsTasksInCurrentSequence reports whether the calling goroutine is the
// one this handle's scheduler has been bound to.
func (r *TaskRunner) RunsTasksInCurrentSequence() bool {
	return r.shared.runsTasksInCurrentSequence()
}
