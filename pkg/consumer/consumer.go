// Package consumer drains the shared queue and hands messages to a Processor.
//
// Each Consumer runs one goroutine. Batchable messages are passed to the
// batch Manager, whose emitted batches wait on a separate ready queue that is
// served before the shared queue; all other messages go straight to the
// Processor. Every loop iteration, at most once per poll timeout, batchers
// whose flush interval has passed are cut, so a busy queue cannot hold a
// small batch back. A processor error that carries a rate-limit signal puts
// the message back at the head of the queue it came from and pauses this
// consumer until the server's retry-after has passed. Any other error drops
// the message.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/tracestream/pkg/batch"
	pkgerrors "github.com/jdziat/tracestream/pkg/errors"
	"github.com/jdziat/tracestream/pkg/message"
	"github.com/jdziat/tracestream/pkg/queue"
)

// Defaults for Config.
const (
	DefaultPollTimeout = 100 * time.Millisecond
	DefaultIdleSleep   = 10 * time.Millisecond
	DefaultRetryAfter  = time.Second
)

// Processor sends a message to the collector.
//
// A returned error for which errors.IsRateLimited reports true is retried
// after the carried delay. Every other non-nil error is fatal for the message.
type Processor interface {
	Process(ctx context.Context, msg message.Message) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg message.Message) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, msg message.Message) error {
	return f(ctx, msg)
}

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics is the metrics surface used by this package.
type Metrics interface {
	IncrementCounter(name string, value int64)
	RecordDuration(name string, d time.Duration)
}

// ErrorHandler receives dropped messages.
type ErrorHandler interface {
	Handle(err *pkgerrors.AsyncError)
}

// Config configures a Consumer.
type Config struct {
	// ID names the consumer in logs.
	ID int

	// Queue is the shared message queue. Required.
	Queue *queue.Queue[message.Message]

	// Batches receives batchable messages. If nil every message is processed
	// directly.
	Batches *batch.Manager

	// Ready holds batches emitted by Batches. It is polled without waiting
	// before Queue on every iteration. Optional.
	Ready *queue.Queue[message.Message]

	// Processor sends messages. Required.
	Processor Processor

	Logger  Logger
	Metrics Metrics
	Errors  ErrorHandler

	// PollTimeout bounds how long one Get waits for a message.
	PollTimeout time.Duration

	// IdleSleep is slept after an empty poll.
	IdleSleep time.Duration

	// DefaultRetryAfter is used when a rate-limit signal carries no delay.
	DefaultRetryAfter time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Consumer is a background queue reader.
type Consumer struct {
	cfg Config
	log Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	started   atomic.Bool
	stopped   atomic.Bool
	busy      atomic.Bool
	done      chan struct{}

	// nextAllowed is a Unix nano timestamp.
	nextAllowed atomic.Int64

	// lastTick is only touched by the consumer goroutine.
	lastTick time.Time
}

// New creates a consumer. Call Start to run it.
func New(cfg Config) (*Consumer, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("consumer: queue is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("consumer: processor is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = DefaultRetryAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the consumer goroutine. Calling Start more than once has no
// further effect.
func (c *Consumer) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run()
	})
}

// Stop asks the consumer to exit after the message it is working on.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
	c.cancel()
}

// Join waits up to timeout for the consumer goroutine to exit and reports
// whether it did. A consumer that was never started counts as exited.
func (c *Consumer) Join(timeout time.Duration) bool {
	if !c.started.Load() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return true
	case <-timer.C:
		return false
	}
}

// Busy reports whether a message is being handled.
func (c *Consumer) Busy() bool {
	return c.busy.Load()
}

// NextAllowed returns the earliest time the consumer will take another
// message. It is the zero time when the consumer is not rate limited.
func (c *Consumer) NextAllowed() time.Time {
	ns := c.nextAllowed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Consumer) run() {
	defer close(c.done)
	c.log.Debug("consumer started", "consumer", c.cfg.ID)
	for !c.stopped.Load() {
		c.step()
	}
	c.log.Debug("consumer stopped", "consumer", c.cfg.ID)
}

// step performs one loop iteration.
func (c *Consumer) step() {
	if wait := c.NextAllowed().Sub(c.cfg.Clock()); wait > 0 {
		c.sleep(min(wait, c.cfg.PollTimeout))
		return
	}

	c.tick()

	src, msg, ok := c.next()
	if !ok {
		c.sleep(c.cfg.IdleSleep)
		return
	}

	c.busy.Store(true)
	defer c.busy.Store(false)
	// Done runs after any PutFront or batch emission so the queue never
	// looks finished while the message is still in the pipeline.
	defer src.Done()

	c.handle(src, msg)
}

// tick cuts the batchers whose flush interval has elapsed. It runs at most
// once per PollTimeout whether or not the queue is empty.
func (c *Consumer) tick() {
	if c.cfg.Batches == nil {
		return
	}
	now := c.cfg.Clock()
	if !c.lastTick.IsZero() && now.Sub(c.lastTick) < c.cfg.PollTimeout {
		return
	}
	c.lastTick = now
	if err := c.cfg.Batches.FlushReady(); err != nil {
		c.log.Error("flush ready batches failed", "consumer", c.cfg.ID, "error", err)
	}
}

// next returns a ready batch if one is waiting, otherwise it polls the
// shared queue for up to PollTimeout.
func (c *Consumer) next() (*queue.Queue[message.Message], message.Message, bool) {
	if c.cfg.Ready != nil {
		if msg, ok := c.cfg.Ready.Get(c.ctx, 0); ok {
			return c.cfg.Ready, msg, true
		}
	}
	msg, ok := c.cfg.Queue.Get(c.ctx, c.cfg.PollTimeout)
	return c.cfg.Queue, msg, ok
}

func (c *Consumer) handle(src *queue.Queue[message.Message], msg message.Message) {
	switch msg.Kind().Route() {
	case message.RouteBatch:
		if c.cfg.Batches != nil {
			handled, err := c.cfg.Batches.Process(msg)
			if err != nil {
				c.drop(msg, fmt.Errorf("consumer: batch %s: %w", msg.Kind(), err))
				return
			}
			if handled {
				return
			}
		}
		c.process(src, msg)
	case message.RouteDirect:
		c.process(src, msg)
	case message.RouteUpload:
		c.drop(msg, fmt.Errorf("consumer: %s must be submitted to the upload manager", msg.Kind()))
	}
}

func (c *Consumer) process(src *queue.Queue[message.Message], msg message.Message) {
	start := c.cfg.Clock()
	err := c.safeProcess(msg)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordDuration("tracestream.consumer.process_duration", c.cfg.Clock().Sub(start))
	}

	if err == nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncrementCounter("tracestream.consumer.processed", int64(messageCount(msg)))
		}
		return
	}

	retryAfter, limited := pkgerrors.IsRateLimited(err)
	if !limited {
		c.drop(msg, err)
		return
	}
	if retryAfter <= 0 {
		retryAfter = c.cfg.DefaultRetryAfter
	}
	if perr := src.PutFront(msg); perr != nil {
		c.drop(msg, fmt.Errorf("consumer: requeue after rate limit: %w", perr))
		return
	}
	c.nextAllowed.Store(c.cfg.Clock().Add(retryAfter).UnixNano())

	c.log.Warn("rate limited, pausing consumer",
		"consumer", c.cfg.ID,
		"kind", msg.Kind().String(),
		"message_id", msg.ID(),
		"retry_after", retryAfter,
	)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncrementCounter("tracestream.consumer.rate_limited", 1)
	}
}

// safeProcess converts a processor panic into an error.
func (c *Consumer) safeProcess(msg message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.IncrementCounter("tracestream.consumer.panics", 1)
			}
			err = fmt.Errorf("consumer: processor panicked: %v", r)
		}
	}()
	return c.cfg.Processor.Process(context.Background(), msg)
}

func (c *Consumer) drop(msg message.Message, err error) {
	n := messageCount(msg)
	c.log.Error("dropping message after processing failure",
		"consumer", c.cfg.ID,
		"kind", msg.Kind().String(),
		"message_id", msg.ID(),
		"messages", n,
		"error", err,
	)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncrementCounter("tracestream.consumer.dropped", int64(n))
	}
	if c.cfg.Errors != nil {
		c.cfg.Errors.Handle(pkgerrors.NewAsyncError(pkgerrors.AsyncOpProcess, err).
			WithMessageIDs(messageIDs(msg)...).
			WithContext("kind", msg.Kind().String()))
	}
}

// sleep waits for d or until Stop.
func (c *Consumer) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
	}
}

func messageCount(msg message.Message) int {
	if b, ok := msg.(*message.Batch); ok {
		return b.Len()
	}
	return 1
}

func messageIDs(msg message.Message) []string {
	b, ok := msg.(*message.Batch)
	if !ok {
		return []string{msg.ID()}
	}
	ids := make([]string, 0, b.Len())
	for _, item := range b.Items() {
		ids = append(ids, item.ID())
	}
	return ids
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
