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

// Priority is the scheduling priority of a sequence admitted through the
// TaskTracker. Only Background is subject to the bounded admission
// control in §4.6; UserVisible and UserBlocking are foreground.
type Priority uint8

const (
	Background Priority = iota
	UserVisible
	UserBlocking
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case Background:
		return "background"
	case UserVisible:
		return "user-visible"
	case UserBlocking:
		return "user-blocking"
	default:
		return "unknown"
	}
}

// latencyCell is one (priority, may-block) bucket of the latency
// histogram, backed by a streaming P² multi-quantile estimator so memory
// use stays O(percentiles) regardless of task volume.
type latencyCell struct {
	estimator *pSquareMultiQuantile
}

// LatencyHistogram is the two-dimensional (priority x may-block-or-sync)
// task latency histogram required by the task tracker's run_next
// operation. It is indexed by Priority and a boolean "may block/sync"
// flag, matching the three priorities times two may-block states named
// in the carried-over specification.
//
// TaskTracker.RunNext is called concurrently by every worker goroutine
// draining a Sequence, so access to the cells is guarded by mu: the
// underlying pSquareMultiQuantile estimators are not themselves safe for
// concurrent use.
type LatencyHistogram struct {
	mu          sync.Mutex
	percentiles []float64
	cells       [priorityCount][2]latencyCell
}

// newLatencyHistogram constructs a histogram tracking percentiles in every
// cell, lazily initializing each cell's estimator on first Record.
func newLatencyHistogram(percentiles []float64) *LatencyHistogram {
	return &LatencyHistogram{percentiles: percentiles}
}

func mayBlockIndex(mayBlock bool) int {
	if mayBlock {
		return 1
	}
	return 0
}

// Record adds one latency observation to the (priority, mayBlock) cell.
// Safe for concurrent use; the underlying estimator is not, so access is
// internally serialized by mu.
func (h *LatencyHistogram) Record(priority Priority, mayBlock bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cell := &h.cells[priority][mayBlockIndex(mayBlock)]
	if cell.estimator == nil {
		cell.estimator = newPSquareMultiQuantile(h.percentiles...)
	}
	cell.estimator.Update(float64(latency))
}

// Quantile returns the estimated value, as a time.Duration, of the i-th
// configured percentile for the given cell. ok is false if the cell has
// no observations yet.
func (h *LatencyHistogram) Quantile(priority Priority, mayBlock bool, i int) (d time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cell := h.cells[priority][mayBlockIndex(mayBlock)]
	if cell.estimator == nil || cell.estimator.Count() == 0 {
		return 0, false
	}
	return time.Duration(cell.estimator.Quantile(i)), true
}

// Count returns the number of observations recorded in a cell.
func (h *LatencyHistogram) Count(priority Priority, mayBlock bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cell := h.cells[priority][mayBlockIndex(mayBlock)]
	if cell.estimator == nil {
		return 0
	}
	return cell.estimator.Count()
}

// Max returns the largest latency observed in a cell. ok is false if the
// cell has no observations yet.
func (h *LatencyHistogram) Max(priority Priority, mayBlock bool) (d time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cell := h.cells[priority][mayBlockIndex(mayBlock)]
	if cell.estimator == nil || cell.estimator.Count() == 0 {
		return 0, false
	}
	return time.Duration(cell.estimator.Max()), true
}

// Mean returns the arithmetic mean latency observed in a cell. ok is false
// if the cell has no observations yet.
func (h *LatencyHistogram) Mean(priority Priority, mayBlock bool) (d time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cell := h.cells[priority][mayBlockIndex(mayBlock)]
	if cell.estimator == nil || cell.estimator.Count() == 0 {
		return 0, false
	}
	return time.Duration(cell.estimator.Mean()), true
}

// Sum returns the running total latency observed in a cell, for computing
// throughput-style aggregates across cells. ok is false if the cell has no
// observations yet.
func (h *LatencyHistogram) Sum(priority Priority, mayBlock bool) (d time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cell := h.cells[priority][mayBlockIndex(mayBlock)]
	if cell.estimator == nil || cell.estimator.Count() == 0 {
		return 0, false
	}
	return time.Duration(cell.estimator.Sum()), true
}

// Reset clears every cell's accumulated state, so a long-running process
// can periodically roll its latency histogram over without discarding the
// TaskTracker itself.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.cells {
		for j := range h.cells[i] {
			if est := h.cells[i][j].estimator; est != nil {
				est.Reset()
			}
		}
	}
}
