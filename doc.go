// Package tasksched provides a single-threaded, cooperative task
// scheduler in the style of Chromium's base::MessageLoop: a bound
// goroutine drains an incoming queue through triage, delayed, and
// deferred stages, driven by a pluggable [Pump].
//
// # Architecture
//
// A [Scheduler] owns four queues (incoming/triage/delayed/deferred), a
// [TaskAnnotator] for poster-causality tracking, and an [AtomicFlagSet]
// for lock-free wakeup signaling. It is bound to exactly one goroutine
// for its lifetime via [Scheduler.Bind] (implicit in [Scheduler.Run]);
// cross-goroutine posting goes through a [TaskRunner] handle obtained
// from [Scheduler.NewTaskRunner], which outlives scheduler teardown.
//
// A [TaskTracker] sits above the scheduler as an optional shutdown-aware
// admission layer: it enforces the three per-task [ShutdownBehavior]
// policies and bounds how many background [Sequence] values may run
// concurrently, preempting the rest into a priority queue keyed by
// queue time.
//
// # Platform support
//
// The default [ChannelPump] is pure Go and requires no native event
// source. The internal iopump package provides an epoll-based [Pump]
// for Linux, letting a Scheduler wait on real file descriptors in the
// same loop that drains its task queues.
//
// # Thread safety
//
// [Scheduler.PostTask], [Scheduler.PostDelayed], and every [TaskRunner]
// method are safe to call from any goroutine. Triage, delayed, and
// deferred queues, and all [Scheduler] bookkeeping derived from them,
// are touched only by the bound goroutine.
//
// # Usage
//
//	sched, err := tasksched.NewScheduler()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sched.PostTask("main", func() {
//	    fmt.Println("hello from the bound goroutine")
//	    sched.Quit()
//	})
//	sched.Run(false)
//	sched.Destroy()
//
// # Error types
//
// A rejected post (scheduler tearing down, or a tracker's shutdown-complete
// event already fired for a BLOCK_SHUTDOWN task) is reported as a plain
// bool return, per the carried-over specification's error taxonomy; nothing
// in steady-state operation returns an error value for it. [PanicError]
// wraps a recovered task panic so it can be logged and handed to a crash
// observer instead of crashing the bound goroutine, and works with
// errors.Is/errors.As via [WrapError] and [PanicError.Unwrap].
package tasksched
