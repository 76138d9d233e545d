// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import "sync/atomic"

// SchedulerState is a point in a Scheduler's lifecycle:
//
//	created --Bind--> bound --Run--> running --(Run returns)--> idle
//	                                    ^                          |
//	                                    |-------- nested Run -------|
//	created/bound/running/idle --Destroy--> destroyed
//
// Nested Run calls do not change the exported state; only the outermost
// Run/return pair transitions between running and idle.
type SchedulerState uint64

const (
	StateCreated SchedulerState = iota
	StateBound
	StateRunning
	StateIdle
	StateDestroyed
)

func (s SchedulerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// fastState is a lock-free state machine: every transition is a single
// atomic CAS or store, so any goroutine can query a Scheduler's lifecycle stage (State) without
// touching the bound-goroutine-only fields that drive it.
type fastState struct {
	v atomic.Uint64
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateCreated))
	return s
}

func (s *fastState) Load() SchedulerState { return SchedulerState(s.v.Load()) }

func (s *fastState) Store(state SchedulerState) { s.v.Store(uint64(state)) }

// TryTransition performs a single from->to CAS.
func (s *fastState) TryTransition(from, to SchedulerState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny tries each candidate source state in order and commits the
// first one that is still current.
func (s *fastState) TransitionAny(from []SchedulerState, to SchedulerState) bool {
	for _, f := range from {
		if s.v.CompareAndSwap(uint64(f), uint64(to)) {
			return true
		}
	}
	return false
}
