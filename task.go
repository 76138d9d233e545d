// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import "time"

// HighResDelayThreshold is the exclusive upper bound on a delay for the
// resulting task to be flagged high_res. A delay of exactly this value, or
// larger, does not set the flag.
const HighResDelayThreshold = 32 * time.Millisecond

// Nestability controls whether a task may run inside a nested Run call that
// was not explicitly permitted to accept application tasks.
type Nestability uint8

const (
	// Nestable tasks may run at any nesting depth.
	Nestable Nestability = iota
	// NonNestable tasks never run deeper than the level at which they were
	// posted, unless nested application tasks were explicitly allowed.
	NonNestable
)

func (n Nestability) String() string {
	if n == NonNestable {
		return "NonNestable"
	}
	return "Nestable"
}

// backtraceDepth is the fixed depth of the poster backtrace ring.
const backtraceDepth = 4

// Backtrace is a fixed-size ring of ancestor task origins, most recent
// poster first.
type Backtrace [backtraceDepth]Origin

// Origin identifies the source site a task was posted from, for diagnostics.
type Origin string

// Task is a single, move-only, single-shot unit of work. A zero Task is not
// valid; construct one with newTask. A Task is owned by exactly one queue at
// a time; Pop transfers ownership out of a queue and the caller must not
// requeue the same Task value.
type Task struct {
	// closure is the work itself. Nil after the task has run, to catch
	// accidental double-execution.
	closure func()

	origin Origin

	// seq is assigned once, inside the incoming queue lock, and is strictly
	// monotonic (mod 2^32) per scheduler for its lifetime.
	seq uint32

	// delayedRunTime is the zero time.Time for immediate tasks.
	delayedRunTime time.Time

	nestable Nestability

	// highRes is set iff the requested delay was in (0, HighResDelayThreshold).
	highRes bool

	backtrace Backtrace

	// cancelled, if non-nil, is polled by queues to silently discard the
	// task instead of running its closure. There is no cancel-by-id: the
	// closure's own caller owns this pointer and flips it directly.
	cancelled *bool
}

// newTask constructs a Task ready to be queued. now is the scheduler's
// monotonic clock reading at post time; delay<=0 means immediate.
func newTask(origin Origin, closure func(), now time.Time, delay time.Duration, nestable Nestability, cancelled *bool) Task {
	t := Task{
		closure:   closure,
		origin:    origin,
		nestable:  nestable,
		cancelled: cancelled,
	}
	if delay > 0 {
		t.delayedRunTime = now.Add(delay)
		t.highRes = delay < HighResDelayThreshold
	}
	return t
}

// IsImmediate reports whether the task has no delayed run time.
func (t *Task) IsImmediate() bool {
	return t.delayedRunTime.IsZero()
}

// IsCancelled reports whether the task's closure has been marked cancelled.
// Queues consult this at the front/top of their storage and silently drop
// cancelled entries instead of running them.
func (t *Task) IsCancelled() bool {
	return t.cancelled != nil && *t.cancelled
}

// Origin returns the site the task was posted from.
func (t *Task) Origin() Origin { return t.origin }

// Seq returns the task's assigned sequence number.
func (t *Task) Seq() uint32 { return t.seq }

// Nestable reports the task's nestability.
func (t *Task) Nestable() Nestability { return t.nestable }

// HighRes reports whether the task requested high-resolution timer service.
func (t *Task) HighRes() bool { return t.highRes }

// Backtrace returns the poster backtrace, slot 0 the most immediate poster.
func (t *Task) Backtrace() Backtrace { return t.backtrace }

// run invokes the closure exactly once and clears it, so a second call is a
// deliberate no-op rather than a double-execution.
func (t *Task) run() {
	if t.closure == nil {
		return
	}
	closure := t.closure
	t.closure = nil
	closure()
}

// seqLess implements the signed-wraparound comparison required to break ties
// between two tasks scheduled for the same delayedRunTime: the one with the
// numerically "earlier" seq, computed as a signed difference so a 32-bit
// counter rolling over still orders correctly.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// delayedLess orders two delayed tasks: earlier delayedRunTime first, ties
// broken by seqLess. Used as the delayed-queue heap's Less.
func delayedLess(a, b *Task) bool {
	if !a.delayedRunTime.Equal(b.delayedRunTime) {
		return a.delayedRunTime.Before(b.delayedRunTime)
	}
	return seqLess(a.seq, b.seq)
}

// pushBacktrace shifts the backtrace ring down by one and writes origin into
// slot 0, dropping the oldest (slot backtraceDepth-1) entry.
func (b *Backtrace) pushBacktrace(origin Origin) {
	for i := backtraceDepth - 1; i > 0; i-- {
		b[i] = b[i-1]
	}
	b[0] = origin
}
