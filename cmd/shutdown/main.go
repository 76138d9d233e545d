// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command shutdown runs spec.md §8 scenario 6: a BLOCK_SHUTDOWN task that
// sleeps, with Shutdown called concurrently from another goroutine. It
// demonstrates Shutdown not returning until the task completes, and that a
// subsequent BLOCK_SHUTDOWN post after shutdown completes is rejected.
package main

import (
	"fmt"
	"os"
	"time"

	tasksched "github.com/joeycumines/go-tasksched"
)

func main() {
	logger := tasksched.NewLogger(os.Stderr)
	tracker := tasksched.NewTaskTracker(tasksched.WithTrackerLogger(logger))

	seq := tasksched.NewSequence(tasksched.UserBlocking)
	done := make(chan struct{})

	admitted := tracker.WillPost(tasksched.BlockShutdown)
	if !admitted {
		fmt.Fprintln(os.Stderr, "unexpected: post rejected before shutdown started")
		os.Exit(1)
	}
	seq.PushBack(tasksched.SequencedTask{
		Origin:           "shutdown:sleeper",
		ShutdownBehavior: tasksched.BlockShutdown,
		Priority:         tasksched.UserBlocking,
		QueuedAt:         time.Now(),
		Closure: func() {
			time.Sleep(50 * time.Millisecond)
			close(done)
		},
	})

	go func() {
		tracker.RunNext(seq)
	}()

	go func() {
		time.Sleep(5 * time.Millisecond)
		tracker.Shutdown()
	}()

	start := time.Now()
	tracker.Shutdown()
	elapsed := time.Since(start)

	select {
	case <-done:
		fmt.Println("sleeper task completed before Shutdown returned")
	default:
		fmt.Fprintln(os.Stderr, "unexpected: Shutdown returned before task completed")
		os.Exit(1)
	}
	fmt.Printf("shutdown waited %s for the in-flight task\n", elapsed.Round(time.Millisecond))

	if tracker.WillPost(tasksched.BlockShutdown) {
		fmt.Fprintln(os.Stderr, "unexpected: block-shutdown post accepted after shutdown completed")
		os.Exit(1)
	}
	fmt.Println("post after shutdown completion correctly rejected")
}
