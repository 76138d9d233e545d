// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"sync/atomic"
	"time"
)

// SchedulerMetrics accumulates coarse per-task run counters for a
// Scheduler, enabled with WithSchedulerMetrics(true). It has no opinion
// about priority or may-block (that breakdown belongs to the TaskTracker's
// LatencyHistogram, §4.6); this is the cheap always-on counterpart for a
// bare Scheduler with no tracker in front of it.
type SchedulerMetrics struct {
	tasksRun     atomic.Uint64
	tasksPanic   atomic.Uint64
	totalRunTime atomic.Int64 // nanoseconds
}

// TasksRun returns the number of task closures that have completed,
// including ones that panicked.
func (m *SchedulerMetrics) TasksRun() uint64 { return m.tasksRun.Load() }

// TasksPanicked returns the number of task closures whose panic was
// recovered by the scheduler.
func (m *SchedulerMetrics) TasksPanicked() uint64 { return m.tasksPanic.Load() }

// TotalRunTime returns the cumulative wall-clock time spent inside task
// closures.
func (m *SchedulerMetrics) TotalRunTime() time.Duration {
	return time.Duration(m.totalRunTime.Load())
}

func (m *SchedulerMetrics) record(d time.Duration, panicked bool) {
	m.tasksRun.Add(1)
	m.totalRunTime.Add(int64(d))
	if panicked {
		m.tasksPanic.Add(1)
	}
}

// Metrics returns the scheduler's run counters, or nil if
// WithSchedulerMetrics was never enabled.
func (s *Scheduler) Metrics() *SchedulerMetrics { return s.metrics }
