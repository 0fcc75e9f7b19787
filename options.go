package tracestream

import (
	"time"

	"github.com/jdziat/tracestream/pkg/batch"
	"github.com/jdziat/tracestream/pkg/message"
)

// Option modifies a Config.
type Option func(*Config)

// WithMaxQueueSize sets the message queue capacity. Pass UnboundedQueue to
// remove the limit.
func WithMaxQueueSize(size int) Option {
	return func(c *Config) {
		c.MaxQueueSize = size
	}
}

// WithBatching turns batching of batchable kinds on or off.
func WithBatching(enabled bool) Option {
	return func(c *Config) {
		c.UseBatching = enabled
	}
}

// WithBatcher sets the limits of the batcher for kind.
//
//	tracestream.WithBatcher(message.KindCreateSpan, 200, 500*time.Millisecond)
func WithBatcher(kind message.Kind, maxBatchSize int, flushInterval time.Duration) Option {
	return func(c *Config) {
		if c.Batching == nil {
			c.Batching = make(map[string]batch.Config)
		}
		c.Batching[kind.String()] = batch.Config{
			MaxBatchSize:  maxBatchSize,
			FlushInterval: flushInterval,
		}
	}
}

// WithConsumers sets the number of queue consumers.
func WithConsumers(n int) Option {
	return func(c *Config) {
		c.Consumers = n
	}
}

// WithUploadWorkers sets the size of the attachment upload pool.
func WithUploadWorkers(n int) Option {
	return func(c *Config) {
		c.UploadWorkers = n
	}
}

// WithUploadTimeout bounds a single attachment upload.
func WithUploadTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.UploadTimeout = timeout
	}
}

// WithPollTimeout sets how long a consumer waits for a message before
// checking its batchers.
func WithPollTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.PollTimeout = timeout
	}
}

// WithDefaultRetryAfter sets the backoff used when a rate-limit signal
// carries no delay.
func WithDefaultRetryAfter(d time.Duration) Option {
	return func(c *Config) {
		c.DefaultRetryAfter = d
	}
}

// WithFlushTimeout bounds the flush performed by Close(0).
func WithFlushTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.FlushTimeout = timeout
	}
}

// WithIdleWarning logs a warning when nothing is put for d.
func WithIdleWarning(d time.Duration) Option {
	return func(c *Config) {
		c.IdleWarningDuration = d
	}
}

// WithLogger sets the logger.
//
//	tracestream.WithLogger(tracestream.NewSlogAdapter(slog.Default()))
func WithLogger(logger StructuredLogger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets a metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithErrorHandler sets a callback for dropped messages and failed uploads.
// The callback runs on pipeline goroutines and must not block.
func WithErrorHandler(fn func(*AsyncError)) Option {
	return func(c *Config) {
		c.OnError = fn
	}
}

// WithErrorBufferSize sets the capacity of Streamer.Errors.
func WithErrorBufferSize(size int) Option {
	return func(c *Config) {
		c.ErrorBufferSize = size
	}
}

// WithOnBackpressure sets a callback for queue fill level changes.
func WithOnBackpressure(fn func(BackpressureState)) Option {
	return func(c *Config) {
		c.OnBackpressure = fn
	}
}

// WithBackpressureThreshold sets the fill percentages of the backpressure
// levels.
func WithBackpressureThreshold(t BackpressureThreshold) Option {
	return func(c *Config) {
		c.BackpressureThreshold = t
	}
}

// WithDebug enables debug logging to stderr when no logger is set.
func WithDebug(debug bool) Option {
	return func(c *Config) {
		c.Debug = debug
	}
}

// withClock replaces the clock used by batchers and consumers.
func withClock(now func() time.Time) Option {
	return func(c *Config) {
		c.clock = now
	}
}
