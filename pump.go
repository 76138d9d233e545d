// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"sync"
	"time"
)

// RunDelegate is implemented by the Scheduler and driven by a Pump.
type RunDelegate interface {
	// DoWork pops and executes at most one ready task, reporting whether it
	// did so.
	DoWork() (didWork bool)
	// DoDelayedWork executes at most one expired delayed task and reports
	// the next delayed_run_time the pump should wake for, or the zero
	// time.Time if there is none pending.
	DoDelayedWork() (didWork bool, nextDelayed time.Time)
	// DoIdleWork runs deferred work and idle bookkeeping.
	DoIdleWork() (didWork bool)
}

// Pump drives a RunDelegate's callbacks, sleeping between cycles and
// waking on ScheduleWork/ScheduleDelayedWork or its own externally-driven
// events (native messages, descriptor readiness). Implementations consumed
// by Scheduler must satisfy:
//   - Run blocks until Quit is called (or the delegate never schedules
//     further work and the pump chooses to return, for pumps that support
//     running until idle).
//   - ScheduleWork is safe to call from any goroutine.
//   - ScheduleDelayedWork is bound-goroutine only.
type Pump interface {
	Run(delegate RunDelegate)
	Quit()
	ScheduleWork()
	ScheduleDelayedWork(t time.Time)
	SetTimerSlack(d time.Duration)
}

// maxSleep caps how long a pump sleeps in one cycle, mitigating platforms
// (and, here, simply pathological timers) that reject very long waits.
const maxSleep = 24 * time.Hour

// ChannelPump is the in-process default Pump: an ordinary goroutine loop
// woken by a buffered signal channel and a timer, with no native event
// source. It is the pure-Go analogue of a UI/IO message pump and is what
// Scheduler uses when no Pump option is supplied.
//
// Run may be called reentrantly (a task dispatched by one Run invoking
// Run again on the same goroutine, for a nested run). Each invocation
// gets its own quit signal pushed onto quitStack; Quit closes only the
// top of the stack, so it stops the innermost active Run without
// disturbing an outer one still waiting to resume.
type ChannelPump struct {
	wake chan struct{}

	mu        sync.Mutex
	quitStack []chan struct{}

	next time.Time // written by ScheduleDelayedWork, guarded by mu for reads in tests
}

// NewChannelPump constructs a ready-to-run ChannelPump.
func NewChannelPump() *ChannelPump {
	return &ChannelPump{
		wake: make(chan struct{}, 1),
	}
}

func (p *ChannelPump) Run(delegate RunDelegate) {
	myQuit := make(chan struct{})
	p.mu.Lock()
	p.quitStack = append(p.quitStack, myQuit)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.quitStack = p.quitStack[:len(p.quitStack)-1]
		p.mu.Unlock()
	}()

	for {
		select {
		case <-myQuit:
			return
		default:
		}

		if delegate.DoWork() {
			continue
		}

		didDelayed, nextDelayed := delegate.DoDelayedWork()
		if didDelayed {
			continue
		}

		if delegate.DoIdleWork() {
			continue
		}

		timeout := maxSleep
		if !nextDelayed.IsZero() {
			if d := time.Until(nextDelayed); d < timeout {
				if d < 0 {
					d = 0
				}
				timeout = d
			}
		}

		timer := time.NewTimer(timeout)
		select {
		case <-myQuit:
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Quit stops the innermost active Run at its next safe point, leaving any
// outer (nested) Run still waiting to resume.
func (p *ChannelPump) Quit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.quitStack) == 0 {
		return
	}
	top := p.quitStack[len(p.quitStack)-1]
	select {
	case <-top:
	default:
		close(top)
	}
}

// ScheduleWork wakes the pump if it is sleeping. Safe from any goroutine.
func (p *ChannelPump) ScheduleWork() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// ScheduleDelayedWork records the next desired wakeup time. Bound-goroutine
// only; the Run loop itself reads the value returned from DoDelayedWork
// rather than this field, but it is retained for introspection/tests.
func (p *ChannelPump) ScheduleDelayedWork(t time.Time) {
	p.mu.Lock()
	p.next = t
	p.mu.Unlock()
}

// SetTimerSlack is opaque to ChannelPump; it has no native high-resolution
// timer to coalesce.
func (p *ChannelPump) SetTimerSlack(time.Duration) {}

// IsRunning reports whether Run is currently executing (at any nesting
// depth), for tests.
func (p *ChannelPump) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.quitStack) > 0
}
