package tracestream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jdziat/tracestream/pkg/batch"
	"github.com/jdziat/tracestream/pkg/consumer"
	pkgerrors "github.com/jdziat/tracestream/pkg/errors"
	"github.com/jdziat/tracestream/pkg/lifecycle"
	"github.com/jdziat/tracestream/pkg/message"
	"github.com/jdziat/tracestream/pkg/queue"
	"github.com/jdziat/tracestream/pkg/upload"
)

// shutdownGrace is the least time Close gives consumers and upload workers
// to exit once the flush deadline has passed.
const shutdownGrace = 250 * time.Millisecond

// errNoUploader is reported for attachments put on a streamer built without
// an uploader.
var errNoUploader = errors.New("tracestream: no uploader configured")

// Streamer delivers messages to a collector in the background.
//
// Put never blocks on the network. Messages are queued, batched per kind and
// handed to the Processor by background consumers; attachments go to a
// separate upload pool. Flush waits for everything put so far, and Close
// shuts the pipeline down.
type Streamer struct {
	cfg     Config
	log     StructuredLogger
	metrics Metrics

	queue     *queue.Queue[message.Message]
	ready     *queue.Queue[message.Message]
	monitor   *queue.Monitor
	batches   *batch.Manager
	consumers []*consumer.Consumer
	uploads   *upload.Manager
	lifecycle *lifecycle.Manager
	errors    *pkgerrors.AsyncErrorHandler

	accepted      atomic.Int64
	evicted       atomic.Int64
	rejected      atomic.Int64
	closedCleanly atomic.Bool
}

// New creates and starts a streamer.
//
//	s, err := tracestream.New(processor, uploader,
//	    tracestream.WithMaxQueueSize(5000),
//	    tracestream.WithBatcher(message.KindCreateSpan, 200, time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	defer s.Close(10 * time.Second)
//
// uploader may be nil when no attachments are sent; attachments are then
// dropped and reported as upload errors.
func New(processor Processor, uploader Uploader, opts ...Option) (*Streamer, error) {
	cfg := &Config{UseBatching: true}
	for _, opt := range opts {
		opt(cfg)
	}
	return NewFromConfig(cfg, processor, uploader)
}

// NewFromConfig creates and starts a streamer from cfg. A nil cfg means
// DefaultConfig. cfg is copied and not modified.
func NewFromConfig(cfg *Config, processor Processor, uploader Uploader) (*Streamer, error) {
	if processor == nil {
		return nil, errors.New("tracestream: processor is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	batchConfigs, err := c.batchConfigs()
	if err != nil {
		return nil, err
	}
	now := c.clock
	if now == nil {
		now = time.Now
	}
	if uploader == nil {
		uploader = upload.UploaderFunc(func(_ context.Context, _ *upload.Task) error {
			return errNoUploader
		})
	}

	s := &Streamer{
		cfg:     c,
		log:     c.logger(),
		metrics: c.Metrics,
	}
	s.errors = pkgerrors.NewAsyncErrorHandler(&pkgerrors.AsyncErrorConfig{
		BufferSize: c.ErrorBufferSize,
		Metrics:    c.Metrics,
		Logger:     s.log,
		OnError:    c.OnError,
	})

	if c.MaxQueueSize > 0 {
		s.monitor = queue.NewMonitor(queue.MonitorConfig{
			Capacity:      c.MaxQueueSize,
			Threshold:     c.BackpressureThreshold,
			OnLevelChange: c.OnBackpressure,
			Logger:        s.log,
			Metrics:       c.Metrics,
		})
	}
	s.queue = queue.New(queue.Config[message.Message]{
		MaxSize: c.MaxQueueSize,
		OnEvict: s.onEvict,
		Monitor: s.monitor,
	})

	// Emitted batches already hold accepted messages, so the ready queue is
	// not bounded by MaxQueueSize.
	s.ready = queue.New(queue.Config[message.Message]{})

	if c.UseBatching {
		s.batches, err = batch.NewManager(batchConfigs, s.enqueueBatch, batch.Clock(now))
		if err != nil {
			return nil, err
		}
	}

	s.uploads, err = upload.NewManager(upload.Config{
		Workers:  c.UploadWorkers,
		Uploader: uploader,
		Timeout:  c.UploadTimeout,
		Logger:   s.log,
		Metrics:  c.Metrics,
		Errors:   s.errors,
	})
	if err != nil {
		return nil, err
	}

	for i := range c.Consumers {
		cons, err := consumer.New(consumer.Config{
			ID:                i,
			Queue:             s.queue,
			Ready:             s.ready,
			Batches:           s.batches,
			Processor:         processor,
			Logger:            s.log,
			Metrics:           c.Metrics,
			Errors:            s.errors,
			PollTimeout:       c.PollTimeout,
			DefaultRetryAfter: c.DefaultRetryAfter,
			Clock:             now,
		})
		if err != nil {
			s.uploads.Close(0)
			return nil, err
		}
		s.consumers = append(s.consumers, cons)
	}

	s.lifecycle = lifecycle.NewManager(&lifecycle.Config{
		IdleWarningDuration: c.IdleWarningDuration,
		Logger:              s.log,
		Metrics:             c.Metrics,
	})

	for _, cons := range s.consumers {
		cons.Start()
	}

	s.log.Debug("streamer started",
		"max_queue_size", c.MaxQueueSize,
		"batching", c.UseBatching,
		"consumers", c.Consumers,
		"upload_workers", c.UploadWorkers,
	)
	return s, nil
}

// Put hands msg to the pipeline. Attachments go to the upload pool; every
// other message is queued. Put does not wait for delivery and never returns
// delivery errors; those are logged and reported through Errors. After Close
// it returns ErrStreamerClosed and msg is dropped.
//
// When the queue is full the oldest message that has not been attempted yet
// is evicted to make room.
func (s *Streamer) Put(msg Message) error {
	if message.IsNil(msg) {
		return errors.New("tracestream: nil message")
	}
	if !s.lifecycle.Accepting() {
		s.rejected.Add(1)
		return ErrStreamerClosed
	}
	s.lifecycle.RecordActivity()

	var err error
	if msg.Kind().Route() == message.RouteUpload {
		err = s.submitUpload(msg)
	} else {
		err = s.queue.Put(msg)
	}

	switch {
	case err == nil:
		s.accepted.Add(1)
		return nil
	case errors.Is(err, pkgerrors.ErrClosed):
		s.rejected.Add(1)
		return ErrStreamerClosed
	default:
		// Queue pressure and bad attachments are already logged and
		// reported; producers are not told.
		return nil
	}
}

func (s *Streamer) submitUpload(msg Message) error {
	a, ok := msg.(*message.Attachment)
	if !ok {
		err := fmt.Errorf("tracestream: %s message has type %T", msg.Kind(), msg)
		s.reportUpload(msg, err)
		return err
	}
	task, err := upload.NewTask(a)
	if err != nil {
		s.reportUpload(msg, err)
		return err
	}
	return s.uploads.Submit(task)
}

func (s *Streamer) reportUpload(msg Message, err error) {
	s.log.Error("attachment dropped", "message_id", msg.ID(), "error", err)
	s.count(MetricUploadsRejected, 1)
	s.errors.Handle(pkgerrors.NewAsyncError(pkgerrors.AsyncOpUpload, err).WithMessageIDs(msg.ID()))
}

// onEvict runs for every message the queue drops to stay within capacity.
func (s *Streamer) onEvict(msg message.Message) {
	s.evicted.Add(1)
	s.log.Warn("queue full, message dropped",
		"kind", msg.Kind().String(),
		"message_id", msg.ID(),
		"capacity", s.queue.Cap(),
	)
	s.errors.Handle(pkgerrors.NewAsyncError(pkgerrors.AsyncOpQueue, pkgerrors.ErrQueueFull).
		WithMessageIDs(messageIDs(msg)...).
		WithContext("kind", msg.Kind().String()))
}

// enqueueBatch hands an emitted batch to the ready queue, which consumers
// serve ahead of the message queue.
func (s *Streamer) enqueueBatch(b *message.Batch) {
	err := s.ready.Put(b)
	if err == nil {
		return
	}
	s.log.Error("batch dropped", "kind", b.Kind().String(), "batch_id", b.ID(), "messages", b.Len(), "error", err)
	s.errors.Handle(pkgerrors.NewAsyncError(pkgerrors.AsyncOpFlush, err).
		WithMessageIDs(messageIDs(b)...).
		WithContext("kind", b.Kind().String()))
}

// Flush waits until every queued message has been processed, every batcher
// is empty and every upload has finished, checking every uploadSleep. It
// returns true when the pipeline drained and false when timeout elapsed
// first. Concurrent flushes are allowed. Messages put during a flush may
// extend it.
func (s *Streamer) Flush(timeout, uploadSleep time.Duration) bool {
	end, err := s.lifecycle.BeginDrain()
	if err != nil {
		return s.idle()
	}
	defer end()

	if uploadSleep <= 0 {
		uploadSleep = DefaultUploadSleep
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		if s.drained() {
			s.duration(MetricFlushDuration, time.Since(start))
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			stats := s.Stats()
			s.log.Warn("flush timed out",
				"timeout", timeout,
				"unfinished", stats.Unfinished,
				"pending_batched", stats.PendingBatched,
				"uploads", stats.Uploads,
			)
			s.count(MetricFlushTimeouts, 1)
			return false
		}
		time.Sleep(min(uploadSleep, remaining))
	}
}

// drained flushes every batcher and reports whether no work remains.
func (s *Streamer) drained() bool {
	if s.batches != nil {
		if err := s.batches.FlushAll(); err != nil {
			s.log.Error("flushing batches failed", "error", err)
		}
	}
	return s.idle()
}

// idle reports whether no work remains without flushing batchers.
//
// The stages are checked in the order messages move through them. A message
// taken from the queue is counted until it has reached its batcher, and a
// batcher counts a cut batch until it is on the ready queue.
func (s *Streamer) idle() bool {
	if s.queue.Unfinished() > 0 {
		return false
	}
	if s.batches != nil && !s.batches.IsEmpty() {
		return false
	}
	if s.ready.Unfinished() > 0 {
		return false
	}
	return s.uploads.RemainingData().Uploads == 0
}

// Close stops accepting messages, flushes for up to timeout, then stops the
// consumers and the upload pool. A non-positive timeout uses
// Config.FlushTimeout. It returns true when everything was delivered and
// every goroutine exited in time.
//
// Close is idempotent. Later calls return immediately with the result of
// the first, or false while the first is still running. In-flight processor
// and upload calls are not interrupted.
func (s *Streamer) Close(timeout time.Duration) bool {
	if !s.lifecycle.BeginClose() {
		return s.closedCleanly.Load()
	}
	if timeout <= 0 {
		timeout = s.cfg.FlushTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	grace := func() time.Duration {
		return max(time.Until(deadline), shutdownGrace)
	}

	flushed := s.Flush(timeout, DefaultUploadSleep)

	for _, c := range s.consumers {
		c.Stop()
	}
	joined := true
	for _, c := range s.consumers {
		if !c.Join(grace()) {
			joined = false
		}
	}
	if !joined {
		s.log.Warn("consumers still busy at shutdown")
	}

	if s.batches != nil {
		// Whatever the batchers still hold is reported with the leftovers.
		if err := s.batches.FlushAll(); err != nil {
			s.log.Error("flushing batches failed", "error", err)
		}
	}
	s.queue.Close()
	s.ready.Close()
	left := append(s.ready.Drain(), s.queue.Drain()...)
	if len(left) > 0 {
		ids := make([]string, 0, len(left))
		for _, msg := range left {
			ids = append(ids, messageIDs(msg)...)
		}
		s.log.Error("messages left undelivered at shutdown", "messages", len(ids))
		s.count(MetricShutdownDropped, int64(len(ids)))
		s.errors.Handle(pkgerrors.NewAsyncError(pkgerrors.AsyncOpShutdown,
			fmt.Errorf("tracestream: %d messages undelivered at shutdown", len(ids))).
			WithMessageIDs(ids...))
	}

	uploadsDone := s.uploads.Close(grace())

	s.lifecycle.CompleteClose()
	s.errors.Close()

	clean := flushed && joined && uploadsDone
	s.closedCleanly.Store(clean)
	s.duration(MetricCloseDuration, time.Since(start))
	s.log.Debug("streamer closed", "clean", clean, "duration", time.Since(start))
	return clean
}

// State returns the streamer state.
func (s *Streamer) State() State {
	return s.lifecycle.State()
}

// Errors returns the channel on which dropped messages and failed uploads
// are reported. Reading it is optional; when its buffer is full new errors
// are only counted. It is closed by Close.
func (s *Streamer) Errors() <-chan *AsyncError {
	return s.errors.Errors
}

func (s *Streamer) count(name string, v int64) {
	if s.metrics != nil {
		s.metrics.IncrementCounter(name, v)
	}
}

func (s *Streamer) duration(name string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordDuration(name, d)
	}
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
