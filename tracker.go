// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// ShutdownBehavior controls what happens to a task that has not started
// running by the time TaskTracker.Shutdown is called.
type ShutdownBehavior uint8

const (
	// BlockShutdown tasks always run; Shutdown does not return until the
	// last one posted before it was called has finished.
	BlockShutdown ShutdownBehavior = iota
	// ContinueOnShutdown tasks run to completion if already started, but
	// are skipped if they have not started by the time shutdown begins.
	ContinueOnShutdown
	// SkipOnShutdown tasks are skipped if they have not started when
	// shutdown begins; once started they block shutdown like BlockShutdown.
	SkipOnShutdown
)

func (b ShutdownBehavior) String() string {
	switch b {
	case BlockShutdown:
		return "BlockShutdown"
	case ContinueOnShutdown:
		return "ContinueOnShutdown"
	case SkipOnShutdown:
		return "SkipOnShutdown"
	default:
		return "unknown"
	}
}

// SequencedTask is one task queued within a Sequence, carrying the
// metadata TaskTracker needs to admit, account for, and measure it.
type SequencedTask struct {
	Origin           Origin
	Closure          func()
	Priority         Priority
	ShutdownBehavior ShutdownBehavior
	MayBlock         bool
	QueuedAt         time.Time
}

// Sequence is an ordered run of tasks that must execute one at a time in
// FIFO order, sharing one admission identity for background-priority
// scheduling. It is TaskTracker's unit of scheduling.
type Sequence struct {
	mu       sync.Mutex
	priority Priority
	tasks    []SequencedTask
}

// NewSequence constructs an empty Sequence at the given priority.
func NewSequence(priority Priority) *Sequence {
	return &Sequence{priority: priority}
}

// Priority returns the sequence's scheduling priority.
func (s *Sequence) Priority() Priority { return s.priority }

// PushBack appends a task to the sequence.
func (s *Sequence) PushBack(task SequencedTask) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
}

// PeekNext returns the next task without removing it.
func (s *Sequence) PeekNext() (SequencedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return SequencedTask{}, false
	}
	return s.tasks[0], true
}

// PopNext removes and returns the next task.
func (s *Sequence) PopNext() (SequencedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return SequencedTask{}, false
	}
	t := s.tasks[0]
	s.tasks[0] = SequencedTask{}
	s.tasks = s.tasks[1:]
	return t, true
}

// Empty reports whether the sequence has no remaining tasks.
func (s *Sequence) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks) == 0
}

// preemptedEntry is one background Sequence waiting for an admission slot,
// ordered by its next task's queued time (earliest first), mirroring the
// FIFO fairness the triage queue gives foreground work.
type preemptedEntry struct {
	seq      *Sequence
	queuedAt time.Time
}

type preemptedHeap []*preemptedEntry

func (h preemptedHeap) Len() int            { return len(h) }
func (h preemptedHeap) Less(i, j int) bool  { return h[i].queuedAt.Before(h[j].queuedAt) }
func (h preemptedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *preemptedHeap) Push(x any)         { *h = append(*h, x.(*preemptedEntry)) }
func (h *preemptedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

const (
	shutdownStartedMask = uint32(1)
	blockingCountShift   = 1
)

func startedFrom(word uint32) bool     { return word&shutdownStartedMask != 0 }
func blockingCountOf(word uint32) uint32 { return word >> blockingCountShift }

// TaskTracker is the shutdown-aware admission layer sitting in front of a
// pool of worker sequences. It owns:
//   - the single atomic shutdown-state word (bit 0 started, bits 1..31 the
//     count of tasks currently blocking shutdown), updated with bare
//     compare-and-swap loops rather than a mutex, matching the
//     non-fence-RMW policy this state is specified to use;
//   - the bounded background-admission counter and its preempted-sequence
//     heap, guarded by an ordinary mutex since unlike the shutdown word
//     this bookkeeping has no latency budget tight enough to need
//     lock-freedom;
//   - the two-dimensional per-(priority, may-block) latency histogram.
type TaskTracker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	maxScheduled int
	numScheduled int
	preempted    preemptedHeap

	numPendingUndelayed int

	shutdownWord     atomic.Uint32
	shutdownOnce     sync.Once
	completeOnce     sync.Once
	completed        atomic.Bool
	shutdownComplete chan struct{}

	blockShutdownPostedDuringShutdown atomic.Uint64

	histogram *LatencyHistogram
	logger    *Logger
}

// NewTaskTracker constructs a TaskTracker ready to admit work.
func NewTaskTracker(opts ...TrackerOption) *TaskTracker {
	cfg := resolveTrackerOptions(opts)
	t := &TaskTracker{
		maxScheduled:     cfg.maxScheduled,
		histogram:        newLatencyHistogram(cfg.percentiles),
		logger:           cfg.logger,
		shutdownComplete: make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *TaskTracker) incrementBlocking() uint32 {
	for {
		old := t.shutdownWord.Load()
		next := old + (1 << blockingCountShift)
		if t.shutdownWord.CompareAndSwap(old, next) {
			return old
		}
	}
}

func (t *TaskTracker) decrementBlocking() uint32 {
	for {
		old := t.shutdownWord.Load()
		if blockingCountOf(old) == 0 {
			panic("tasksched: task tracker blocking-count underflow")
		}
		next := old - (1 << blockingCountShift)
		if t.shutdownWord.CompareAndSwap(old, next) {
			return next
		}
	}
}

func (t *TaskTracker) decrementBlockingAndMaybeSignal() {
	next := t.decrementBlocking()
	if startedFrom(next) && blockingCountOf(next) == 0 {
		t.signalComplete()
	}
}

func (t *TaskTracker) setStarted() uint32 {
	for {
		old := t.shutdownWord.Load()
		if startedFrom(old) {
			return old
		}
		next := old | shutdownStartedMask
		if t.shutdownWord.CompareAndSwap(old, next) {
			return old
		}
	}
}

func (t *TaskTracker) isShutdownStarted() bool {
	return startedFrom(t.shutdownWord.Load())
}

func (t *TaskTracker) signalComplete() {
	t.completeOnce.Do(func() {
		t.completed.Store(true)
		close(t.shutdownComplete)
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
}

// WillPost is consulted before a task is pushed onto its Sequence. A false
// return means the task must be discarded, never queued.
func (t *TaskTracker) WillPost(behavior ShutdownBehavior) bool {
	var admit bool
	switch behavior {
	case BlockShutdown:
		old := t.incrementBlocking()
		admit = true
		if startedFrom(old) {
			if t.completed.Load() {
				t.decrementBlockingAndMaybeSignal()
				admit = false
			} else {
				t.blockShutdownPostedDuringShutdown.Add(1)
			}
		}
	default:
		admit = !t.isShutdownStarted()
	}
	if admit {
		t.mu.Lock()
		t.numPendingUndelayed++
		t.mu.Unlock()
	}
	return admit
}

// WillSchedule is consulted once a Sequence has at least one task ready to
// run. Foreground sequences are always returned unchanged; a background
// sequence is admitted only while fewer than maxScheduled background
// sequences are already running, otherwise it is parked in the preempted
// heap and nil is returned.
func (t *TaskTracker) WillSchedule(seq *Sequence) *Sequence {
	if seq.Priority() != Background {
		return seq
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.numScheduled < t.maxScheduled {
		t.numScheduled++
		return seq
	}
	var queuedAt time.Time
	if next, ok := seq.PeekNext(); ok {
		queuedAt = next.QueuedAt
	}
	heap.Push(&t.preempted, &preemptedEntry{seq: seq, queuedAt: queuedAt})
	return nil
}

// RunNext pops and, depending on shutdown_behavior and shutdown state,
// either runs or skips the next task of seq, records its latency, and
// returns the Sequence that should be handed back to the worker pool for
// rescheduling (nil if none is ready right now).
func (t *TaskTracker) RunNext(seq *Sequence) *Sequence {
	task, ok := seq.PopNext()
	if !ok {
		return nil
	}

	start := time.Now()
	ran := false
	switch task.ShutdownBehavior {
	case BlockShutdown:
		t.runTaskClosure(task)
		ran = true
		t.decrementBlockingAndMaybeSignal()
	case SkipOnShutdown:
		old := t.incrementBlocking()
		if startedFrom(old) {
			t.decrementBlockingAndMaybeSignal()
		} else {
			t.runTaskClosure(task)
			ran = true
			t.decrementBlockingAndMaybeSignal()
		}
	case ContinueOnShutdown:
		if !t.isShutdownStarted() {
			t.runTaskClosure(task)
			ran = true
		}
	}

	if ran {
		t.histogram.Record(task.Priority, task.MayBlock, time.Since(start))
	}

	t.mu.Lock()
	t.numPendingUndelayed--
	t.cond.Broadcast()
	t.mu.Unlock()

	if seq.Empty() {
		if task.Priority == Background {
			return t.promoteNextPreempted()
		}
		return nil
	}
	if task.Priority == Background {
		return t.maybeSwapPreempted(seq)
	}
	return seq
}

func (t *TaskTracker) runTaskClosure(task SequencedTask) {
	defer func() {
		if r := recover(); r != nil {
			logErr(t.logger, "recovered panic running tracked task", &PanicError{Recovered: r, Origin: task.Origin})
		}
	}()
	if task.Closure != nil {
		task.Closure()
	}
}

// maybeSwapPreempted lets a waiting background sequence cut in ahead of seq
// if its next task has been waiting strictly longer, preserving rough
// cross-sequence fairness under the bounded admission scheme.
func (t *TaskTracker) maybeSwapPreempted(seq *Sequence) *Sequence {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.preempted) == 0 {
		return seq
	}
	next, ok := seq.PeekNext()
	if !ok {
		return seq
	}
	head := t.preempted[0]
	if head.queuedAt.Before(next.QueuedAt) {
		heap.Pop(&t.preempted)
		heap.Push(&t.preempted, &preemptedEntry{seq: seq, queuedAt: next.QueuedAt})
		return head.seq
	}
	return seq
}

// promoteNextPreempted is called when a background sequence has run out of
// tasks, freeing its admission slot; it either hands that slot to the
// longest-waiting preempted sequence or, if none is waiting, releases it.
func (t *TaskTracker) promoteNextPreempted() *Sequence {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.preempted) == 0 {
		t.numScheduled--
		return nil
	}
	entry := heap.Pop(&t.preempted).(*preemptedEntry)
	return entry.seq
}

// Shutdown blocks until every BlockShutdown task posted before it was
// called has finished running (or, if none is currently blocking, returns
// immediately). Safe to call more than once; only the first call performs
// the transition.
func (t *TaskTracker) Shutdown() {
	t.shutdownOnce.Do(func() {
		old := t.setStarted()
		if blockingCountOf(old) == 0 {
			t.signalComplete()
		}
	})
	<-t.shutdownComplete
	logInfo(t.logger, "task tracker shutdown complete")
}

// Flush blocks until there are no undelayed tasks pending anywhere in the
// tracker, or until shutdown completes, whichever happens first.
func (t *TaskTracker) Flush() {
	t.mu.Lock()
	for t.numPendingUndelayed > 0 && !t.completed.Load() {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// Histogram exposes the tracker's latency histogram for metrics export.
func (t *TaskTracker) Histogram() *LatencyHistogram { return t.histogram }
