package durable

import (
	"time"

	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// Options configures one invocation of Execute.
//
// Zero values select defaults, except SuspendOnIdle which is only honored
// through WithSuspendOnIdle or DefaultOptions.
type Options struct {
	// PollInterval is the minimum spacing between status polls issued by
	// WaitForStatusChange. Default: 500ms.
	PollInterval time.Duration

	// SuspendOnIdle ends the invocation with status PENDING when no operation
	// is executing, no checkpoint is in flight, and at least one task waits.
	// Default: true.
	SuspendOnIdle bool

	// IdleGracePeriod is how long the execution must stay idle before it
	// suspends. Default: 50ms.
	IdleGracePeriod time.Duration

	// MaxCheckpointBatch caps the number of updates sent in one checkpoint
	// call. Default: 100.
	MaxCheckpointBatch int

	// StackTraces records stack lines on step failures.
	StackTraces bool

	// PageSize is the page size used when loading execution state. Default: 100.
	PageSize int

	// Clock reports the current time. Default: time.Now.
	Clock store.Clock

	// Emitter receives observability events. Default: emit.NullEmitter.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics. Nil disables metrics.
	Metrics *PrometheusMetrics
}

// DefaultOptions returns the options used when Execute is called without any.
func DefaultOptions() Options {
	return Options{
		PollInterval:       500 * time.Millisecond,
		SuspendOnIdle:      true,
		IdleGracePeriod:    50 * time.Millisecond,
		MaxCheckpointBatch: 100,
		PageSize:           store.DefaultPageSize,
		Clock:              time.Now,
		Emitter:            emit.NewNullEmitter(),
	}
}

// Option is a functional option for configuring Execute.
//
// Example:
//
//	out, err := durable.Execute(ctx, svc, executionID, handler,
//	    durable.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	    durable.WithPollInterval(200*time.Millisecond),
//	)
type Option func(*executionConfig) error

// executionConfig collects options before Execute applies them.
type executionConfig struct {
	opts Options
}

func newExecutionConfig(options []Option) (*executionConfig, error) {
	cfg := &executionConfig{opts: DefaultOptions()}
	for _, opt := range options {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// WithOptions replaces every setting with opts, filling unset fields with defaults.
func WithOptions(opts Options) Option {
	return func(cfg *executionConfig) error {
		def := DefaultOptions()
		if opts.PollInterval <= 0 {
			opts.PollInterval = def.PollInterval
		}
		if opts.IdleGracePeriod <= 0 {
			opts.IdleGracePeriod = def.IdleGracePeriod
		}
		if opts.MaxCheckpointBatch <= 0 {
			opts.MaxCheckpointBatch = def.MaxCheckpointBatch
		}
		if opts.PageSize <= 0 {
			opts.PageSize = def.PageSize
		}
		if opts.Clock == nil {
			opts.Clock = def.Clock
		}
		if opts.Emitter == nil {
			opts.Emitter = def.Emitter
		}
		cfg.opts = opts
		return nil
	}
}

// WithEmitter sets the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *executionConfig) error {
		if e == nil {
			return &EngineError{Message: "emitter cannot be nil", Code: "INVALID_OPTION"}
		}
		cfg.opts.Emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := durable.NewPrometheusMetrics(registry)
//	out, err := durable.Execute(ctx, svc, id, handler, durable.WithMetrics(metrics))
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *executionConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// WithClock replaces the wall clock used for retry timers and timestamps.
// Pair it with the same clock on the store when testing time-based behavior.
func WithClock(clock store.Clock) Option {
	return func(cfg *executionConfig) error {
		if clock == nil {
			return &EngineError{Message: "clock cannot be nil", Code: "INVALID_OPTION"}
		}
		cfg.opts.Clock = clock
		return nil
	}
}

// WithPollInterval sets the minimum spacing between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *executionConfig) error {
		if d <= 0 {
			return &EngineError{Message: "poll interval must be positive", Code: "INVALID_OPTION"}
		}
		cfg.opts.PollInterval = d
		return nil
	}
}

// WithSuspendOnIdle enables or disables suspension when every task is waiting.
//
// With suspension disabled, waits poll the service until they resolve and
// Execute only returns once the function completes or ctx is cancelled.
func WithSuspendOnIdle(enabled bool) Option {
	return func(cfg *executionConfig) error {
		cfg.opts.SuspendOnIdle = enabled
		return nil
	}
}

// WithIdleGracePeriod sets how long the execution must stay idle before suspending.
func WithIdleGracePeriod(d time.Duration) Option {
	return func(cfg *executionConfig) error {
		if d < 0 {
			return &EngineError{Message: "idle grace period cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.IdleGracePeriod = d
		return nil
	}
}

// WithMaxCheckpointBatch caps the number of updates per checkpoint call.
func WithMaxCheckpointBatch(n int) Option {
	return func(cfg *executionConfig) error {
		if n < 1 {
			return &EngineError{Message: "checkpoint batch size must be >= 1", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxCheckpointBatch = n
		return nil
	}
}

// WithStackTraces enables stack capture on step failures.
func WithStackTraces(enabled bool) Option {
	return func(cfg *executionConfig) error {
		cfg.opts.StackTraces = enabled
		return nil
	}
}

// WithPageSize sets the page size for loading execution state.
func WithPageSize(n int) Option {
	return func(cfg *executionConfig) error {
		if n < 1 {
			return &EngineError{Message: "page size must be >= 1", Code: "INVALID_OPTION"}
		}
		cfg.opts.PageSize = n
		return nil
	}
}
