// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command fifo runs spec.md §8 scenario 1: three immediate tasks posted
// from the bound goroutine, run in exactly the order they were posted.
package main

import (
	"fmt"
	"os"

	tasksched "github.com/joeycumines/go-tasksched"
)

func main() {
	sched, err := tasksched.NewScheduler(tasksched.WithLogger(tasksched.NewLogger(os.Stderr)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "new scheduler:", err)
		os.Exit(1)
	}

	var order []int
	sched.PostTask("fifo:1", func() { order = append(order, 1) })
	sched.PostTask("fifo:2", func() { order = append(order, 2) })
	sched.PostTask("fifo:3", func() {
		order = append(order, 3)
		sched.QuitWhenIdle()
	})

	sched.Run(false)
	sched.Destroy()

	fmt.Println("order:", order)
}
