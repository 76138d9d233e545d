// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoQueuePushPeekPop(t *testing.T) {
	var q fifoQueue
	_, ok := q.peek()
	assert.False(t, ok)

	q.push(newTask("a", func() {}, time.Now(), 0, Nestable, nil))
	q.push(newTask("b", func() {}, time.Now(), 0, Nestable, nil))

	top, ok := q.peek()
	require.True(t, ok)
	assert.Equal(t, Origin("a"), top.Origin())

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, Origin("a"), first.Origin())

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, Origin("b"), second.Origin())

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestFifoQueueSpansMultipleChunks(t *testing.T) {
	var q fifoQueue
	n := fifoChunkSize*2 + 7
	for i := 0; i < n; i++ {
		q.push(newTask(Origin(rune('0'+i%10)), func() {}, time.Now(), 0, Nestable, nil))
	}
	assert.Equal(t, n, q.length)
	for i := 0; i < n; i++ {
		_, ok := q.pop()
		require.True(t, ok)
	}
	assert.Equal(t, 0, q.length)
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestFifoQueueSwap(t *testing.T) {
	var q fifoQueue
	q.push(newTask("a", func() {}, time.Now(), 0, Nestable, nil))
	old := q.swap()
	assert.Equal(t, 0, q.length)
	assert.Equal(t, 1, old.length)
}

func TestTriageQueueReloadsFromShared(t *testing.T) {
	hiRes := &hiResCounter{}
	shared := newSharedQueue(noopPump{}, NewTaskAnnotator(), nil, false)
	shared.q.push(newTask("a", func() {}, time.Now(), 0, Nestable, nil))
	shared.q.push(newTask("b", func() {}, time.Now(), HighResDelayThreshold-time.Millisecond, Nestable, nil))
	shared.highResTaskCount = 1

	tq := newTriageQueue(shared, hiRes)
	assert.True(t, tq.HasTasks())
	assert.Equal(t, 1, hiRes.n, "the shared high-res count folds into the local counter on reload")

	first, ok := tq.Pop()
	require.True(t, ok)
	assert.Equal(t, Origin("a"), first.Origin())

	second, ok := tq.Pop()
	require.True(t, ok)
	assert.Equal(t, Origin("b"), second.Origin())
	assert.Equal(t, 0, hiRes.n, "popping the high-res task decrements the counter back to zero")

	assert.False(t, tq.HasTasks())
}

func TestTriageQueueClearDivertsDelayedTasks(t *testing.T) {
	hiRes := &hiResCounter{}
	shared := newSharedQueue(noopPump{}, NewTaskAnnotator(), nil, false)
	shared.q.push(newTask("immediate", func() {}, time.Now(), 0, Nestable, nil))
	shared.q.push(newTask("delayed", func() {}, time.Now(), time.Hour, Nestable, nil))

	tq := newTriageQueue(shared, hiRes)
	delayed := newDelayedQueue(hiRes)

	// Clear does not reload from the incoming queue itself, so pull the
	// batch into triage first.
	require.True(t, tq.HasTasks())
	drained := tq.Clear(delayed)
	require.Len(t, drained, 1)
	assert.Equal(t, Origin("immediate"), drained[0].Origin())
	assert.Equal(t, 1, delayed.Len(), "the delayed task is moved to the delayed queue, not discarded")
}

func TestDelayedQueueOrdering(t *testing.T) {
	hiRes := &hiResCounter{}
	d := newDelayedQueue(hiRes)
	base := time.Now()

	d.Push(Task{origin: "later", delayedRunTime: base.Add(time.Second), seq: 1})
	d.Push(Task{origin: "earlier", delayedRunTime: base, seq: 2})
	d.Push(Task{origin: "tie-break", delayedRunTime: base, seq: 1})

	first, ok := d.Pop()
	require.True(t, ok)
	assert.Equal(t, Origin("tie-break"), first.origin, "equal run times break ties on seq")

	second, ok := d.Pop()
	require.True(t, ok)
	assert.Equal(t, Origin("earlier"), second.origin)

	third, ok := d.Pop()
	require.True(t, ok)
	assert.Equal(t, Origin("later"), third.origin)
}

func TestDelayedQueueDiscardsCancelledAtTop(t *testing.T) {
	hiRes := &hiResCounter{}
	d := newDelayedQueue(hiRes)
	base := time.Now()

	cancelled := true
	d.Push(Task{origin: "cancelled", delayedRunTime: base, seq: 1, cancelled: &cancelled})
	d.Push(Task{origin: "live", delayedRunTime: base.Add(time.Second), seq: 2})

	require.True(t, d.HasTasks())
	top, ok := d.Peek()
	require.True(t, ok)
	assert.Equal(t, Origin("live"), top.origin, "the cancelled entry is lazily discarded once it reaches the top")
}

func TestDelayedQueueHighResCounting(t *testing.T) {
	hiRes := &hiResCounter{}
	d := newDelayedQueue(hiRes)
	d.Push(newTask("hr", func() {}, time.Now(), HighResDelayThreshold-time.Millisecond, Nestable, nil))
	assert.Equal(t, 1, hiRes.n)
	_, ok := d.Pop()
	require.True(t, ok)
	assert.Equal(t, 0, hiRes.n)
}

func TestDelayedQueueClearReturnsAllAndResetsHiRes(t *testing.T) {
	hiRes := &hiResCounter{}
	d := newDelayedQueue(hiRes)
	d.Push(newTask("hr", func() {}, time.Now(), HighResDelayThreshold-time.Millisecond, Nestable, nil))
	d.Push(newTask("lr", func() {}, time.Now(), time.Hour, Nestable, nil))

	out := d.Clear()
	assert.Len(t, out, 2)
	assert.Equal(t, 0, hiRes.n)
	assert.Equal(t, 0, d.Len())
}

func TestDeferredQueueFIFO(t *testing.T) {
	hiRes := &hiResCounter{}
	dq := newDeferredQueue(hiRes)
	dq.Push(newTask("a", func() {}, time.Now(), 0, NonNestable, nil))
	dq.Push(newTask("b", func() {}, time.Now(), 0, NonNestable, nil))

	assert.True(t, dq.HasTasks())
	first, ok := dq.Pop()
	require.True(t, ok)
	assert.Equal(t, Origin("a"), first.Origin())

	second, ok := dq.Pop()
	require.True(t, ok)
	assert.Equal(t, Origin("b"), second.Origin())
	assert.False(t, dq.HasTasks())
}

func TestDeferredQueueClear(t *testing.T) {
	hiRes := &hiResCounter{}
	dq := newDeferredQueue(hiRes)
	dq.Push(newTask("a", func() {}, time.Now(), HighResDelayThreshold-time.Millisecond, NonNestable, nil))
	out := dq.Clear()
	assert.Len(t, out, 1)
	assert.Equal(t, 0, hiRes.n)
	assert.False(t, dq.HasTasks())
}

type noopPump struct{}

func (noopPump) Run(RunDelegate)              {}
func (noopPump) Quit()                        {}
func (noopPump) ScheduleWork()                {}
func (noopPump) ScheduleDelayedWork(time.Time) {}
func (noopPump) SetTimerSlack(time.Duration)  {}
