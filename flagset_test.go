// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagSetSetActiveAndRunActive(t *testing.T) {
	set := NewAtomicFlagSet()
	var calls int
	h := set.AddFlag(func() { calls++ })

	set.RunActive()
	assert.Equal(t, 0, calls, "callback not invoked until the flag is set active")

	h.SetActive(true)
	set.RunActive()
	assert.Equal(t, 1, calls)

	set.RunActive()
	assert.Equal(t, 1, calls, "a second RunActive with no new SetActive must not re-invoke")
}

func TestFlagSetMultipleFlagsIndependent(t *testing.T) {
	set := NewAtomicFlagSet()
	var a, b int
	ha := set.AddFlag(func() { a++ })
	hb := set.AddFlag(func() { b++ })

	ha.SetActive(true)
	set.RunActive()
	assert.Equal(t, 1, a)
	assert.Equal(t, 0, b)

	hb.SetActive(true)
	set.RunActive()
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestFlagSetMoreThanOneGroup(t *testing.T) {
	set := NewAtomicFlagSet()
	var count atomic.Int64
	handles := make([]*FlagHandle, 0, flagGroupBits+5)
	for i := 0; i < flagGroupBits+5; i++ {
		handles = append(handles, set.AddFlag(func() { count.Add(1) }))
	}
	for _, h := range handles {
		h.SetActive(true)
	}
	set.RunActive()
	assert.EqualValues(t, flagGroupBits+5, count.Load())
}

func TestFlagSetReleaseFreesAndCompacts(t *testing.T) {
	set := NewAtomicFlagSet()
	var calls int
	h := set.AddFlag(func() { calls++ })
	h.SetActive(true)
	h.Release()

	set.RunActive()
	assert.Equal(t, 0, calls, "a released flag's callback must never fire")
	assert.Nil(t, set.head, "the sole group empties out and is unlinked on release")
}

func TestFlagSetConcurrentSetActive(t *testing.T) {
	set := NewAtomicFlagSet()
	var calls atomic.Int64
	h := set.AddFlag(func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.SetActive(true)
		}()
	}
	wg.Wait()

	set.RunActive()
	assert.EqualValues(t, 1, calls.Load(), "concurrent SetActive(true) calls collapse to one observed set bit")
}

func TestFlagSetHandleReuseAfterRelease(t *testing.T) {
	set := NewAtomicFlagSet()
	h1 := set.AddFlag(func() {})
	h1.Release()

	var called bool
	h2 := set.AddFlag(func() { called = true })
	require.Equal(t, h1.bit, h2.bit, "the freed bit is reused by the next AddFlag")

	h2.SetActive(true)
	set.RunActive()
	assert.True(t, called)
}
