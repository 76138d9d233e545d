// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import "math"

// pSquareQuantile streams one target percentile of task run latency without
// storing a single observation, backing one cell of LatencyHistogram.
// TaskTracker.RunNext calls Record on every completed task, so this has to
// stay O(1) per update regardless of how long a Scheduler has been running.
//
// Reference: Jain, R. and Chlamtac, I. (1985). "The P² Algorithm for Dynamic
// Calculation of Quantiles and Histograms Without Storing Observations".
// Communications of the ACM, 28(10), pp. 1076-1085.
//
// Not safe for concurrent use; LatencyHistogram.mu is what makes
// TaskTracker.RunNext's latency recording safe across workers.
type pSquareQuantile struct {
	p float64

	// q holds the five marker heights (observed latency values).
	q [5]float64
	// n holds the five marker positions.
	n [5]int
	// np holds the five desired (idealized, fractional) marker positions.
	np [5]float64
	// dn holds the per-update increments applied to np.
	dn [5]float64

	initialized bool
	count       int

	// initBuffer holds the first five latencies before the markers are
	// seeded; the algorithm has no estimate until it fills.
	initBuffer [5]float64
}

// newPSquareQuantile constructs an estimator for quantile p, clamped to
// [0, 1] so a misconfigured percentile option never produces a nonsensical
// marker layout.
func newPSquareQuantile(p float64) *pSquareQuantile {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &pSquareQuantile{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// Update folds one latency observation in. O(1).
func (ps *pSquareQuantile) Update(x float64) {
	ps.count++

	if ps.count <= 5 {
		ps.initBuffer[ps.count-1] = x
		if ps.count == 5 {
			ps.initialize()
		}
		return
	}

	var k int
	switch {
	case x < ps.q[0]:
		ps.q[0] = x
		k = 0
	case x >= ps.q[4]:
		ps.q[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if ps.q[k] <= x && x < ps.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		ps.n[i]++
	}
	for i := 0; i < 5; i++ {
		ps.np[i] += ps.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := ps.np[i] - float64(ps.n[i])
		if (d >= 1 && ps.n[i+1]-ps.n[i] > 1) || (d <= -1 && ps.n[i-1]-ps.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := ps.parabolic(i, sign)
			if ps.q[i-1] < qPrime && qPrime < ps.q[i+1] {
				ps.q[i] = qPrime
			} else {
				ps.q[i] = ps.linear(i, sign)
			}
			ps.n[i] += sign
		}
	}
}

// initialize seeds the five markers from the first five latencies once they
// have all arrived.
func (ps *pSquareQuantile) initialize() {
	for i := 1; i < 5; i++ {
		key := ps.initBuffer[i]
		j := i - 1
		for j >= 0 && ps.initBuffer[j] > key {
			ps.initBuffer[j+1] = ps.initBuffer[j]
			j--
		}
		ps.initBuffer[j+1] = key
	}

	for i := 0; i < 5; i++ {
		ps.q[i] = ps.initBuffer[i]
		ps.n[i] = i
	}
	ps.np = [5]float64{0, 2 * ps.p, 4 * ps.p, 2 + 2*ps.p, 4}
	ps.initialized = true
}

// parabolic computes the P² parabolic marker-height adjustment.
func (ps *pSquareQuantile) parabolic(i, d int) float64 {
	df := float64(d)
	ni := float64(ps.n[i])
	niPrev := float64(ps.n[i-1])
	niNext := float64(ps.n[i+1])

	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (ps.q[i+1] - ps.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (ps.q[i] - ps.q[i-1]) / (ni - niPrev)
	return ps.q[i] + term1*(term2+term3)
}

// linear computes the P² linear marker-height adjustment, the fallback when
// parabolic would leave a marker out of order.
func (ps *pSquareQuantile) linear(i, d int) float64 {
	if d == 1 {
		return ps.q[i] + (ps.q[i+1]-ps.q[i])/float64(ps.n[i+1]-ps.n[i])
	}
	return ps.q[i] - (ps.q[i]-ps.q[i-1])/float64(ps.n[i]-ps.n[i-1])
}

// Quantile returns the current latency estimate for p. O(1).
func (ps *pSquareQuantile) Quantile() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		sorted := make([]float64, ps.count)
		copy(sorted, ps.initBuffer[:ps.count])
		for i := 1; i < ps.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(ps.count-1) * ps.p)
		if index >= ps.count {
			index = ps.count - 1
		}
		return sorted[index]
	}
	return ps.q[2]
}

// Count returns the number of latencies observed so far.
func (ps *pSquareQuantile) Count() int { return ps.count }

// Max returns the largest latency observed so far.
func (ps *pSquareQuantile) Max() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		max := ps.initBuffer[0]
		for i := 1; i < ps.count; i++ {
			if ps.initBuffer[i] > max {
				max = ps.initBuffer[i]
			}
		}
		return max
	}
	return ps.q[4]
}

// pSquareMultiQuantile backs one LatencyHistogram cell: it runs one
// pSquareQuantile per percentile the tracker was configured with (e.g. p50,
// p90, p99), plus the running sum/max needed for LatencyHistogram's Mean
// and Max accessors. Not safe for concurrent use.
type pSquareMultiQuantile struct {
	estimators []*pSquareQuantile
	sum        float64
	count      int
	max        float64
}

// newPSquareMultiQuantile constructs one estimator per percentile in
// percentiles, sharing a single pass over each observation.
func newPSquareMultiQuantile(percentiles ...float64) *pSquareMultiQuantile {
	m := &pSquareMultiQuantile{
		estimators: make([]*pSquareQuantile, len(percentiles)),
		max:        -math.MaxFloat64,
	}
	for i, p := range percentiles {
		m.estimators[i] = newPSquareQuantile(p)
	}
	return m
}

// Update folds one latency observation into every tracked percentile, plus
// the running sum and max. O(k) in the number of percentiles.
func (m *pSquareMultiQuantile) Update(x float64) {
	m.count++
	m.sum += x
	if x > m.max {
		m.max = x
	}
	for _, est := range m.estimators {
		est.Update(x)
	}
}

// Quantile returns the estimate for the i-th configured percentile.
func (m *pSquareMultiQuantile) Quantile(i int) float64 {
	if i < 0 || i >= len(m.estimators) {
		return 0
	}
	return m.estimators[i].Quantile()
}

// Count returns the total number of observations across all percentiles.
func (m *pSquareMultiQuantile) Count() int { return m.count }

// Sum returns the running sum of all observations, backing
// LatencyHistogram's throughput-style accessors.
func (m *pSquareMultiQuantile) Sum() float64 { return m.sum }

// Max returns the largest observation seen.
func (m *pSquareMultiQuantile) Max() float64 {
	if m.count == 0 {
		return 0
	}
	return m.max
}

// Mean returns the arithmetic mean of all observations.
func (m *pSquareMultiQuantile) Mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Reset clears all state so the cell can be reused, backing
// LatencyHistogram.Reset.
func (m *pSquareMultiQuantile) Reset() {
	m.sum = 0
	m.count = 0
	m.max = -math.MaxFloat64
	for _, est := range m.estimators {
		*est = *newPSquareQuantile(est.p)
	}
}
