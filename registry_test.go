// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRegistryTrackAndCount(t *testing.T) {
	reg := newRunnerRegistry()
	r := &TaskRunner{}
	reg.track(r)
	assert.Equal(t, 1, reg.count())
	runtime.KeepAlive(r)
}

func TestRunnerRegistryScavengeReportsLiveHandle(t *testing.T) {
	reg := newRunnerRegistry()
	r := &TaskRunner{}
	reg.track(r)

	live := reg.scavenge(16)
	assert.Equal(t, 1, live)
	runtime.KeepAlive(r)
}

func TestRunnerRegistryScavengeDropsCollectedHandle(t *testing.T) {
	reg := newRunnerRegistry()
	func() {
		r := &TaskRunner{}
		reg.track(r)
	}()

	// No strong reference to r survives the closure above; force a
	// collection cycle so its weak pointer clears before scavenging.
	runtime.GC()
	runtime.GC()

	live := reg.scavenge(16)
	assert.Equal(t, 0, live)
	assert.Equal(t, 0, reg.count(), "a scavenged dead id is removed from the backing map")
}

func TestRunnerRegistryScavengeBatchSizeZeroIsNoop(t *testing.T) {
	reg := newRunnerRegistry()
	r := &TaskRunner{}
	reg.track(r)
	assert.Equal(t, 0, reg.scavenge(0))
	runtime.KeepAlive(r)
}

func TestRunnerRegistryScavengeEmptyRegistry(t *testing.T) {
	reg := newRunnerRegistry()
	assert.Equal(t, 0, reg.scavenge(16))
}

func TestRunnerRegistryScavengeWalksInBatches(t *testing.T) {
	reg := newRunnerRegistry()
	runners := make([]*TaskRunner, 0, 10)
	for i := 0; i < 10; i++ {
		r := &TaskRunner{}
		runners = append(runners, r)
		reg.track(r)
	}

	total := 0
	for i := 0; i < 10; i += 3 {
		total += reg.scavenge(3)
	}
	assert.Equal(t, 10, total, "walking the ring in batches of 3 eventually observes all 10 live handles")
	runtime.KeepAlive(runners)
}

func TestRunnerRegistryConstructedEmpty(t *testing.T) {
	reg := newRunnerRegistry()
	require.Equal(t, 0, reg.count())
}
