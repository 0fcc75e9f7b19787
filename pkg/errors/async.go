package errors

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the logging surface used by this package.
type Logger interface {
	Warn(msg string, args ...any)
}

// Metrics is the metrics surface used by this package.
type Metrics interface {
	IncrementCounter(name string, value int64)
}

// AsyncErrorOperation identifies the background operation that failed.
type AsyncErrorOperation string

// Async error operations.
const (
	AsyncOpProcess  AsyncErrorOperation = "process"
	AsyncOpUpload   AsyncErrorOperation = "upload"
	AsyncOpQueue    AsyncErrorOperation = "queue"
	AsyncOpFlush    AsyncErrorOperation = "flush"
	AsyncOpShutdown AsyncErrorOperation = "shutdown"
)

// AsyncError describes a failure in background processing. The pipeline never
// returns these to producers; they are delivered to an AsyncErrorHandler.
type AsyncError struct {
	// Time is when the error occurred.
	Time time.Time

	// Operation identifies the operation that failed.
	Operation AsyncErrorOperation

	// MessageIDs contains the ids of the dropped messages, if known.
	MessageIDs []string

	// Err is the underlying error.
	Err error

	// Context contains additional details.
	Context map[string]any
}

// Error implements the error interface.
func (e *AsyncError) Error() string {
	if len(e.MessageIDs) > 0 {
		return fmt.Sprintf("tracestream async error [%s] at %s (%d messages affected): %v",
			e.Operation, e.Time.Format(time.RFC3339), len(e.MessageIDs), e.Err)
	}
	return fmt.Sprintf("tracestream async error [%s] at %s: %v",
		e.Operation, e.Time.Format(time.RFC3339), e.Err)
}

// Unwrap returns the underlying error.
func (e *AsyncError) Unwrap() error {
	return e.Err
}

// NewAsyncError creates a new async error.
func NewAsyncError(op AsyncErrorOperation, err error) *AsyncError {
	return &AsyncError{
		Time:      time.Now(),
		Operation: op,
		Err:       err,
	}
}

// WithMessageIDs records the affected message ids.
func (e *AsyncError) WithMessageIDs(ids ...string) *AsyncError {
	e.MessageIDs = ids
	return e
}

// WithContext adds a detail to the error.
func (e *AsyncError) WithContext(key string, value any) *AsyncError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// AsyncErrorHandler buffers background errors in a channel and fans them out
// to an optional callback.
type AsyncErrorHandler struct {
	// Errors receives async errors. Reading it is optional; when the buffer
	// is full new errors are counted as dropped.
	Errors chan *AsyncError

	bufferSize int
	metrics    Metrics
	logger     Logger
	onError    func(*AsyncError)

	mu     sync.RWMutex
	closed bool

	totalErrors  atomic.Int64
	droppedCount atomic.Int64
	errorsByOp   sync.Map // map[AsyncErrorOperation]*atomic.Int64
}

// AsyncErrorConfig configures the AsyncErrorHandler.
type AsyncErrorConfig struct {
	// BufferSize is the size of the error channel buffer.
	// Default: 100
	BufferSize int

	Metrics Metrics
	Logger  Logger

	// OnError is called for every error.
	OnError func(*AsyncError)
}

// NewAsyncErrorHandler creates a new async error handler.
func NewAsyncErrorHandler(cfg *AsyncErrorConfig) *AsyncErrorHandler {
	if cfg == nil {
		cfg = &AsyncErrorConfig{}
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 100
	}

	return &AsyncErrorHandler{
		Errors:     make(chan *AsyncError, bufferSize),
		bufferSize: bufferSize,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		onError:    cfg.OnError,
	}
}

// Handle records an async error. It never blocks.
func (h *AsyncErrorHandler) Handle(err *AsyncError) {
	if err == nil {
		return
	}

	h.totalErrors.Add(1)
	counter, _ := h.errorsByOp.LoadOrStore(err.Operation, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)

	h.mu.RLock()
	if !h.closed {
		select {
		case h.Errors <- err:
		default:
			dropped := h.droppedCount.Add(1)
			if h.metrics != nil {
				h.metrics.IncrementCounter("tracestream.async_errors.dropped", 1)
			}
			if h.logger != nil {
				h.logger.Warn("async error dropped, buffer full", "dropped_total", dropped, "error", err)
			}
		}
	}
	h.mu.RUnlock()

	if h.onError != nil {
		h.onError(err)
	}

	if h.metrics != nil {
		h.metrics.IncrementCounter("tracestream.async_errors.total", 1)
		h.metrics.IncrementCounter(fmt.Sprintf("tracestream.async_errors.%s", err.Operation), 1)
	}
}

// TotalErrors returns the number of errors handled.
func (h *AsyncErrorHandler) TotalErrors() int64 {
	return h.totalErrors.Load()
}

// DroppedCount returns the number of errors that did not fit in the buffer.
func (h *AsyncErrorHandler) DroppedCount() int64 {
	return h.droppedCount.Load()
}

// ErrorsByOperation returns the error count for one operation.
func (h *AsyncErrorHandler) ErrorsByOperation(op AsyncErrorOperation) int64 {
	counter, ok := h.errorsByOp.Load(op)
	if !ok {
		return 0
	}
	return counter.(*atomic.Int64).Load()
}

// Drain returns all buffered errors without blocking.
func (h *AsyncErrorHandler) Drain() []*AsyncError {
	var errs []*AsyncError
	for {
		select {
		case err, ok := <-h.Errors:
			if !ok {
				return errs
			}
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

// Close closes the Errors channel. Errors handled afterwards still reach the
// callback but are no longer buffered. Close is idempotent.
func (h *AsyncErrorHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.Errors)
}
