// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// getGoroutineID extracts the numeric goroutine id from runtime.Stack
// output. Go has no native thread-local storage; this is the same
// technique the event-loop this package is descended from uses to detect
// which goroutine is "bound" to a loop.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if idx := bytes.Index(b, []byte(prefix)); idx >= 0 {
		b = b[idx+len(prefix):]
		if sp := bytes.IndexByte(b, ' '); sp >= 0 {
			b = b[:sp]
		}
		id, err := strconv.ParseUint(string(b), 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}

// RunObserver is invoked around task execution. Registering one is
// optional; once registered, both BeforeRun and AfterRun are called for
// every task. Implementations are responsible for their own thread safety,
// since BeforeRun/AfterRun may be called from any goroutine bound to any
// scheduler sharing the same annotator.
type RunObserver interface {
	BeforeRun(task *Task)
	AfterRun(task *Task)
}

// currentTaskSlot is the process-wide, per-goroutine "currently running
// task" map. It plays the role of thread-local storage: entries are
// installed by run and removed when the task returns, so a goroutine not
// presently inside TaskAnnotator.Run has no entry.
var currentTaskSlot sync.Map // goroutine id (uint64) -> *Task

// TaskAnnotator stamps poster causality into tasks and runs them with
// before/after observer hooks. Each Scheduler constructs its own
// TaskAnnotator; sharing one across schedulers is also valid, since the
// thread-local slot is keyed by goroutine regardless.
type TaskAnnotator struct {
	hash     uint64
	observer atomic.Pointer[RunObserver]
}

// annotatorSeed is combined into each annotator's hash so GetTraceID differs
// across annotator instances even for identical task sequence numbers.
var annotatorSeed atomic.Uint64

// NewTaskAnnotator constructs an annotator with a unique hash component for
// trace IDs.
func NewTaskAnnotator() *TaskAnnotator {
	return &TaskAnnotator{hash: annotatorSeed.Add(1)}
}

// SetObserverForTesting installs a single RunObserver on this annotator
// instance (other annotators are unaffected). Pass nil to clear. Intended for tests and tracing; must be
// set at most once at a time (a second call replaces, not stacks, the prior
// observer).
func (a *TaskAnnotator) SetObserverForTesting(o RunObserver) {
	if o == nil {
		a.observer.Store(nil)
		return
	}
	a.observer.Store(&o)
}

// WillQueue stamps poster causality into task immediately before it is
// pushed into a queue. Precondition: task.backtrace is empty (the zero
// value). Reads the calling goroutine's current-task slot; if set, copies
// that task's origin into backtrace slot 0 and shifts the rest down.
func (a *TaskAnnotator) WillQueue(task *Task) {
	if cur, ok := currentTaskSlot.Load(getGoroutineID()); ok {
		parent := cur.(*Task)
		task.backtrace.pushBacktrace(parent.origin)
		for i := 1; i < backtraceDepth; i++ {
			task.backtrace[i] = parent.backtrace[i-1]
		}
	}
}

// Run executes task's closure on the calling goroutine, maintaining the
// thread-local current-task slot across the call (including through nested
// Run invocations) and invoking the before/after observer hooks if one is
// registered. Run does not recover panics: a panic from the closure
// propagates out of Run (after the current-task slot is restored) and is
// recovered by the caller (the scheduler).
func (a *TaskAnnotator) Run(task *Task) {
	gid := getGoroutineID()
	prev, hadPrev := currentTaskSlot.Load(gid)
	currentTaskSlot.Store(gid, task)
	defer func() {
		if hadPrev {
			currentTaskSlot.Store(gid, prev)
		} else {
			currentTaskSlot.Delete(gid)
		}
	}()

	if op := a.observer.Load(); op != nil {
		(*op).BeforeRun(task)
		defer (*op).AfterRun(task)
	}

	task.run()
}

// GetTraceID returns a 64-bit id combining the task's seq and this
// annotator's instance hash, stable across WillQueue followed by Run for
// the same task.
func (a *TaskAnnotator) GetTraceID(task *Task) uint64 {
	return uint64(task.seq) ^ (a.hash << 32) ^ (a.hash >> 32)
}

// CurrentTask returns the task presently running on the calling goroutine,
// if any, and whether one was found.
func CurrentTask() (*Task, bool) {
	if v, ok := currentTaskSlot.Load(getGoroutineID()); ok {
		return v.(*Task), true
	}
	return nil, false
}
