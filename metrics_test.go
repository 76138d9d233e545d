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
)

func TestSchedulerMetricsRecord(t *testing.T) {
	m := &SchedulerMetrics{}
	assert.EqualValues(t, 0, m.TasksRun())

	m.record(5*time.Millisecond, false)
	m.record(10*time.Millisecond, true)

	assert.EqualValues(t, 2, m.TasksRun())
	assert.EqualValues(t, 1, m.TasksPanicked())
	assert.Equal(t, 15*time.Millisecond, m.TotalRunTime())
}
