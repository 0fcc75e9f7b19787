package tracestream

import (
	"time"

	pkgerrors "github.com/jdziat/tracestream/pkg/errors"
)

// Error types re-exported from pkg/errors.
type (
	// APIError is an error response from the collector.
	APIError = pkgerrors.APIError

	// RateLimitedError is the rate-limit signal a Processor returns.
	RateLimitedError = pkgerrors.RateLimitedError

	// AsyncError describes a message or upload dropped in the background.
	AsyncError = pkgerrors.AsyncError

	// AsyncErrorOperation identifies the background operation that failed.
	AsyncErrorOperation = pkgerrors.AsyncErrorOperation
)

// Async error operations.
const (
	AsyncOpProcess  = pkgerrors.AsyncOpProcess
	AsyncOpUpload   = pkgerrors.AsyncOpUpload
	AsyncOpQueue    = pkgerrors.AsyncOpQueue
	AsyncOpFlush    = pkgerrors.AsyncOpFlush
	AsyncOpShutdown = pkgerrors.AsyncOpShutdown
)

// Sentinel errors for use with errors.Is.
var (
	// ErrClosed matches every error caused by using a closed component.
	ErrClosed = pkgerrors.ErrClosed

	// ErrStreamerClosed is returned by Put after Close.
	ErrStreamerClosed = pkgerrors.ErrStreamerClosed

	// ErrQueueFull is reported when a message is rejected because the queue
	// holds only messages awaiting retry.
	ErrQueueFull = pkgerrors.ErrQueueFull

	// ErrRateLimited matches rate-limit signals.
	ErrRateLimited = pkgerrors.ErrRateLimited
)

// NewRateLimitedError creates the rate-limit signal a Processor returns to
// make the pipeline retry a message after retryAfter.
func NewRateLimitedError(retryAfter time.Duration, cause error) *RateLimitedError {
	return pkgerrors.NewRateLimitedError(retryAfter, cause)
}

// IsRateLimited reports whether err is a rate-limit signal and returns its
// retry-after hint.
func IsRateLimited(err error) (time.Duration, bool) {
	return pkgerrors.IsRateLimited(err)
}
