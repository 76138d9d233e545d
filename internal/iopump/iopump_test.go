// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package iopump

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// noWorkDelegate never reports work and never schedules a delayed wakeup,
// forcing Run to block in EpollWait every cycle.
type noWorkDelegate struct{}

func (noWorkDelegate) DoWork() bool                     { return false }
func (noWorkDelegate) DoDelayedWork() (bool, time.Time) { return false, time.Time{} }
func (noWorkDelegate) DoIdleWork() bool                 { return false }

func TestPumpRegisterFDDispatchesOnReadable(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan IOEvents, 1)
	require.NoError(t, p.RegisterFD(int(r.Fd()), EventRead, func(ev IOEvents) {
		fired <- ev
		p.Quit()
	}))

	done := make(chan struct{})
	go func() {
		p.Run(noWorkDelegate{})
		close(done)
	}()

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-fired:
		assert.NotZero(t, ev&EventRead, "callback must report the fd as readable")
	case <-time.After(time.Second):
		t.Fatal("callback never fired for a readable fd")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after Quit from the dispatch callback")
	}
}

func TestPumpRegisterFDDuplicateReturnsError(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, p.RegisterFD(int(r.Fd()), EventRead, func(IOEvents) {}))
	assert.ErrorIs(t, p.RegisterFD(int(r.Fd()), EventRead, func(IOEvents) {}), ErrFDAlreadyRegistered)
}

func TestPumpUnregisterUnknownFDReturnsError(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.UnregisterFD(999), ErrFDNotRegistered)
}

func TestPumpModifyUnknownFDReturnsError(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.ModifyFD(999, EventRead), ErrFDNotRegistered)
}

func TestPumpUnregisterFDStopsDispatch(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, p.RegisterFD(int(r.Fd()), EventRead, func(IOEvents) {}))
	require.NoError(t, p.UnregisterFD(int(r.Fd())))
	assert.ErrorIs(t, p.UnregisterFD(int(r.Fd())), ErrFDNotRegistered, "a second unregister of the same fd must fail")

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
}

func TestPumpRegisterFDAfterCloseReturnsErrClosed(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.RegisterFD(0, EventRead, func(IOEvents) {}), ErrClosed)
}

func TestPumpCloseIsIdempotent(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

// quitOnceDelegate calls Quit on its first DoWork, mirroring the inner
// delegate of a nested Run.
type quitOnceDelegate struct {
	pump *Pump
	done atomic.Bool
}

func (d *quitOnceDelegate) DoWork() bool {
	if d.done.CompareAndSwap(false, true) {
		d.pump.Quit()
	}
	return false
}
func (d *quitOnceDelegate) DoDelayedWork() (bool, time.Time) { return false, time.Time{} }
func (d *quitOnceDelegate) DoIdleWork() bool                 { return false }

// nestedOuterDelegate starts a nested Run (driven by quitOnceDelegate) on
// its first DoWork call, signalling innerDone once that nested Run returns.
type nestedOuterDelegate struct {
	pump      *Pump
	innerDone chan struct{}
	started   atomic.Bool
}

func (d *nestedOuterDelegate) DoWork() bool {
	if d.started.CompareAndSwap(false, true) {
		d.pump.Run(&quitOnceDelegate{pump: d.pump})
		close(d.innerDone)
		return true
	}
	return false
}
func (d *nestedOuterDelegate) DoDelayedWork() (bool, time.Time) { return false, time.Time{} }
func (d *nestedOuterDelegate) DoIdleWork() bool                 { return false }

func TestPumpQuitStopsOnlyInnermostRun(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	innerDone := make(chan struct{})
	outerDone := make(chan struct{})
	outer := &nestedOuterDelegate{pump: p, innerDone: innerDone}

	go func() {
		p.Run(outer)
		close(outerDone)
	}()

	select {
	case <-innerDone:
	case <-time.After(time.Second):
		t.Fatal("nested Run never completed")
	}

	// The nested Run's own Quit must not have stopped the outer Run.
	select {
	case <-outerDone:
		t.Fatal("outer Run stopped when only the inner Run's Quit fired")
	case <-time.After(20 * time.Millisecond):
	}

	p.Quit()
	select {
	case <-outerDone:
	case <-time.After(time.Second):
		t.Fatal("outer Run never stopped after its own Quit")
	}
}

// wakeSignalDelegate reports no work until it has observed two DoWork
// calls: the first lets Run fall asleep in EpollWait, the second only
// happens once something wakes that wait.
type wakeSignalDelegate struct {
	pump  *Pump
	calls atomic.Int32
	wake  chan struct{}
}

func (d *wakeSignalDelegate) DoWork() bool {
	switch d.calls.Add(1) {
	case 1:
		return false
	case 2:
		close(d.wake)
		d.pump.Quit()
		return false
	default:
		return false
	}
}
func (d *wakeSignalDelegate) DoDelayedWork() (bool, time.Time) { return false, time.Time{} }
func (d *wakeSignalDelegate) DoIdleWork() bool                 { return false }

func TestPumpScheduleWorkWakesBlockedEpollWait(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	delegate := &wakeSignalDelegate{pump: p, wake: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		p.Run(delegate)
		close(done)
	}()

	// Give Run's first DoWork call (which reports no work) time to enter
	// EpollWait with no registered fd and no delayed deadline, i.e. an
	// indefinite block that only a wakeup can end.
	time.Sleep(20 * time.Millisecond)
	p.ScheduleWork()

	select {
	case <-delegate.wake:
	case <-time.After(time.Second):
		t.Fatal("ScheduleWork never woke a Run blocked in EpollWait")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after its own Quit")
	}
}

func TestPumpSetTimerSlackStoresValue(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	p.SetTimerSlack(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, p.timerSlack)
}

func TestPumpSetHighResTimerActiveStoresValue(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	assert.False(t, p.hiResActive.Load())
	p.SetHighResTimerActive(true)
	assert.True(t, p.hiResActive.Load())
	p.SetHighResTimerActive(false)
	assert.False(t, p.hiResActive.Load())
}

func TestPumpScheduleDelayedWorkStoresNext(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	next := time.Now().Add(time.Hour)
	p.ScheduleDelayedWork(next)
	got := p.nextDelayed.Load()
	require.NotNil(t, got)
	assert.True(t, got.Equal(next))
}

func TestEventsToEpollMapping(t *testing.T) {
	assert.Equal(t, uint32(unix.EPOLLIN), eventsToEpoll(EventRead))
	assert.Equal(t, uint32(unix.EPOLLOUT), eventsToEpoll(EventWrite))
	assert.Equal(t, uint32(unix.EPOLLIN|unix.EPOLLOUT), eventsToEpoll(EventRead|EventWrite))
	assert.Equal(t, uint32(0), eventsToEpoll(EventError|EventHangup), "error/hangup are not requestable, only reported")
}

func TestEpollToEventsMapping(t *testing.T) {
	assert.Equal(t, EventRead, epollToEvents(unix.EPOLLIN))
	assert.Equal(t, EventWrite, epollToEvents(unix.EPOLLOUT))
	combined := epollToEvents(uint32(unix.EPOLLIN) | uint32(unix.EPOLLERR) | uint32(unix.EPOLLHUP))
	assert.Equal(t, EventRead|EventError|EventHangup, combined)
}
