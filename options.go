// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

// schedulerOptions holds configuration resolved at Scheduler construction.
type schedulerOptions struct {
	pump               Pump
	logger             *Logger
	metricsEnabled     bool
	destructionObserve []func()
	crashObserver      func(*PanicError)
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

type optionImpl struct {
	apply func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.apply(opts)
}

// WithPump supplies the Pump the Scheduler binds to. If omitted, a
// ChannelPump is created.
func WithPump(p Pump) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.pump = p
		return nil
	}}
}

// WithLogger attaches a structured logger. Omitting this option leaves
// logging a no-op.
func WithLogger(l *Logger) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = l
		return nil
	}}
}

// WithSchedulerMetrics enables the Scheduler's per-task run counters
// (SchedulerMetrics), recorded around every task the Scheduler runs.
func WithSchedulerMetrics(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithDestructionObserver registers a callback invoked once, on the bound
// goroutine, after the scheduler has rejected further posts and before its
// queues are drained. Multiple registrations are invoked in registration
// order.
func WithDestructionObserver(observer func()) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.destructionObserve = append(opts.destructionObserve, observer)
		return nil
	}}
}

// WithCrashObserver registers a hook invoked with a *PanicError whenever a
// task closure or destruction observer panics and is recovered.
func WithCrashObserver(observer func(*PanicError)) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.crashObserver = observer
		return nil
	}}
}

func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.pump == nil {
		cfg.pump = NewChannelPump()
	}
	return cfg, nil
}

// trackerOptions holds configuration for TaskTracker construction.
type trackerOptions struct {
	maxScheduled int
	logger       *Logger
	percentiles  []float64
}

// TrackerOption configures a TaskTracker instance.
type TrackerOption interface {
	applyTracker(*trackerOptions)
}

type trackerOptionImpl struct {
	apply func(*trackerOptions)
}

func (o *trackerOptionImpl) applyTracker(opts *trackerOptions) {
	o.apply(opts)
}

// WithMaxScheduled bounds concurrently-running background sequences.
func WithMaxScheduled(n int) TrackerOption {
	return &trackerOptionImpl{func(opts *trackerOptions) {
		opts.maxScheduled = n
	}}
}

// WithTrackerLogger attaches a structured logger to a TaskTracker.
func WithTrackerLogger(l *Logger) TrackerOption {
	return &trackerOptionImpl{func(opts *trackerOptions) {
		opts.logger = l
	}}
}

// WithLatencyPercentiles configures which percentiles the tracker's
// latency histogram tracks. Defaults to p50/p90/p99 if never set.
func WithLatencyPercentiles(percentiles ...float64) TrackerOption {
	return &trackerOptionImpl{func(opts *trackerOptions) {
		opts.percentiles = percentiles
	}}
}

func resolveTrackerOptions(opts []TrackerOption) *trackerOptions {
	cfg := &trackerOptions{
		maxScheduled: 4,
		percentiles:  []float64{0.5, 0.9, 0.99},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyTracker(cfg)
	}
	return cfg
}
