// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"container/heap"
	"sync"
)

// fifoChunkSize is the number of tasks stored per chunk of a fifoQueue.
const fifoChunkSize = 128

type fifoChunk struct {
	tasks   [fifoChunkSize]Task
	next    *fifoChunk
	readPos int
	pos     int
}

var fifoChunkPool = sync.Pool{New: func() any { return new(fifoChunk) }}

func newFifoChunk() *fifoChunk {
	return fifoChunkPool.Get().(*fifoChunk)
}

func returnFifoChunk(c *fifoChunk) {
	for i := range c.tasks {
		c.tasks[i] = Task{}
	}
	c.next = nil
	c.readPos = 0
	c.pos = 0
	fifoChunkPool.Put(c)
}

// fifoQueue is an unbounded FIFO of Task values built from pooled,
// fixed-size chunks. It is NOT thread-safe: callers synchronize externally
// (sharedQueue guards it with a mutex; the triage and deferred queues are
// only ever touched from the bound goroutine).
type fifoQueue struct {
	head, tail *fifoChunk
	length     int
}

func (q *fifoQueue) push(t Task) {
	if q.tail == nil || q.tail.pos == fifoChunkSize {
		c := newFifoChunk()
		if q.tail == nil {
			q.head = c
		} else {
			q.tail.next = c
		}
		q.tail = c
	}
	q.tail.tasks[q.tail.pos] = t
	q.tail.pos++
	q.length++
}

func (q *fifoQueue) peek() (*Task, bool) {
	if q.head == nil || q.head.readPos == q.head.pos {
		return nil, false
	}
	return &q.head.tasks[q.head.readPos], true
}

func (q *fifoQueue) pop() (Task, bool) {
	if q.head == nil || q.head.readPos == q.head.pos {
		return Task{}, false
	}
	t := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = Task{}
	q.head.readPos++
	q.length--
	if q.head.readPos == fifoChunkSize {
		old := q.head
		q.head = old.next
		if q.head == nil {
			q.tail = nil
		}
		returnFifoChunk(old)
	}
	return t, true
}

// swap exchanges this queue's contents with an empty queue and returns the
// prior contents, used by the shared queue's bulk drain.
func (q *fifoQueue) swap() fifoQueue {
	old := *q
	*q = fifoQueue{}
	return old
}

// hiResCounter is the single running count of high_res tasks pending
// across the triage, delayed, and deferred queues combined, matching the
// Chromium original's single outer pending_high_res_tasks_ field rather
// than one counter per queue. Bound-goroutine only.
//
// Pushing a high_res task into the deferred queue still increments this
// counter, which is documented upstream as arguably wrong (a deferred
// task is no longer in the delayed queue, so it shouldn't keep a
// high-resolution timer armed) but intentionally preserved here rather
// than "fixed", per the carried-over behavior this package reproduces.
type hiResCounter struct{ n int }

func (c *hiResCounter) inc(highRes bool) {
	if highRes {
		c.n++
	}
}

func (c *hiResCounter) dec(highRes bool) {
	if highRes {
		c.n--
	}
}

func (c *hiResCounter) positive() bool { return c.n > 0 }

// triageQueue is the bound-goroutine FIFO of work drained from a
// scheduler's sharedQueue. Peek/Pop/HasTasks lazily reload when the local
// queue is empty. Clear drains only what is already here (it is not a
// reload-then-drain): any delayed task found must go to the delayed queue
// instead of being destroyed, so callers pass one in.
//
// Reloading is also where two pieces of cross-goroutine bookkeeping fold
// back in, matching the Chromium original precisely:
//   - the high-resolution-task aux counter accumulated under the shared
//     lock since the last reload is always added into hiRes and zeroed;
//   - the "pump already scheduled" flag is reset to false only when the
//     reload finds the shared queue itself empty (if it is not empty, the
//     swap satisfies the pending work and no further wake is owed until
//     the pump goes idle again).
type triageQueue struct {
	local  fifoQueue
	shared *sharedQueue
	hiRes  *hiResCounter
}

func newTriageQueue(shared *sharedQueue, hiRes *hiResCounter) *triageQueue {
	return &triageQueue{shared: shared, hiRes: hiRes}
}

func (t *triageQueue) reloadIfEmpty() {
	if t.local.length > 0 {
		return
	}
	t.shared.mu.Lock()
	if t.shared.q.length == 0 {
		t.shared.alreadyScheduled = false
	} else {
		t.local = t.shared.q.swap()
	}
	hr := t.shared.highResTaskCount
	t.shared.highResTaskCount = 0
	t.shared.mu.Unlock()
	t.hiRes.n += hr
}

func (t *triageQueue) Peek() (*Task, bool) {
	t.reloadIfEmpty()
	return t.local.peek()
}

func (t *triageQueue) Pop() (Task, bool) {
	t.reloadIfEmpty()
	task, ok := t.local.pop()
	if ok {
		t.hiRes.dec(task.highRes)
	}
	return task, ok
}

func (t *triageQueue) HasTasks() bool {
	t.reloadIfEmpty()
	return t.local.length > 0
}

// Clear drains the already-reloaded portion of the triage queue, pushing
// any delayed task into delayed instead of discarding it, and returns the
// immediate tasks it removed so the caller can run destructors on them.
func (t *triageQueue) Clear(delayed *delayedQueue) []Task {
	var drained []Task
	for {
		task, ok := t.local.pop()
		if !ok {
			break
		}
		t.hiRes.dec(task.highRes)
		if !task.IsImmediate() {
			delayed.Push(task)
			continue
		}
		drained = append(drained, task)
	}
	return drained
}

// delayedTaskHeap implements container/heap.Interface. container/heap is
// already a min-heap, so Less is delayedLess unmodified (the Chromium
// original inverts its comparison because std::priority_queue is a
// max-heap; Go's heap needs no such inversion).
type delayedTaskHeap []*Task

func (h delayedTaskHeap) Len() int           { return len(h) }
func (h delayedTaskHeap) Less(i, j int) bool { return delayedLess(h[i], h[j]) }
func (h delayedTaskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedTaskHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *delayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedQueue is the min-heap of tasks waiting for their delayed run
// time, ordered by (delayedRunTime, seq). Bound-goroutine only.
type delayedQueue struct {
	heap  delayedTaskHeap
	hiRes *hiResCounter
}

func newDelayedQueue(hiRes *hiResCounter) *delayedQueue {
	return &delayedQueue{hiRes: hiRes}
}

func (d *delayedQueue) Push(t Task) {
	d.hiRes.inc(t.highRes)
	heap.Push(&d.heap, &t)
}

func (d *delayedQueue) Peek() (*Task, bool) {
	if !d.HasTasks() {
		return nil, false
	}
	return d.heap[0], true
}

func (d *delayedQueue) Pop() (Task, bool) {
	if !d.HasTasks() {
		return Task{}, false
	}
	t := heap.Pop(&d.heap).(*Task)
	d.hiRes.dec(t.highRes)
	return *t, true
}

// HasTasks lazily discards cancelled entries at the top until it finds a
// live one or empties. Cancellation scanning only happens here, at the
// front: cancelled middle entries persist until they reach the top, so the
// hiRes / length counts are upper bounds only. This mirrors the Chromium
// original's documented, intentional amortization tradeoff.
func (d *delayedQueue) HasTasks() bool {
	for len(d.heap) > 0 {
		top := d.heap[0]
		if !top.IsCancelled() {
			return true
		}
		discarded := heap.Pop(&d.heap).(*Task)
		d.hiRes.dec(discarded.highRes)
	}
	return false
}

func (d *delayedQueue) Clear() []Task {
	out := make([]Task, 0, len(d.heap))
	for len(d.heap) > 0 {
		t := heap.Pop(&d.heap).(*Task)
		d.hiRes.dec(t.highRes)
		out = append(out, *t)
	}
	return out
}

func (d *delayedQueue) Len() int { return len(d.heap) }

// deferredQueue holds non-nestable tasks that arrived during a nested run,
// drained one at a time at idle of the outer run. Bound-goroutine only.
type deferredQueue struct {
	q     fifoQueue
	hiRes *hiResCounter
}

func newDeferredQueue(hiRes *hiResCounter) *deferredQueue {
	return &deferredQueue{hiRes: hiRes}
}

func (d *deferredQueue) Push(t Task) {
	d.hiRes.inc(t.highRes)
	d.q.push(t)
}

func (d *deferredQueue) Peek() (*Task, bool) { return d.q.peek() }

func (d *deferredQueue) Pop() (Task, bool) {
	t, ok := d.q.pop()
	if ok {
		d.hiRes.dec(t.highRes)
	}
	return t, ok
}

func (d *deferredQueue) HasTasks() bool { return d.q.length > 0 }

func (d *deferredQueue) Clear() []Task {
	out := make([]Task, 0, d.q.length)
	for {
		t, ok := d.q.pop()
		if !ok {
			break
		}
		d.hiRes.dec(t.highRes)
		out = append(out, t)
	}
	return out
}
