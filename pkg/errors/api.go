package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = stderrors.New("tracestream: closed")

	// ErrStreamerClosed is returned by Put after the streamer has been closed.
	ErrStreamerClosed = fmt.Errorf("tracestream: streamer closed: %w", ErrClosed)

	// ErrQueueFull is returned when an item cannot be placed in a full queue
	// without evicting an already-attempted item.
	ErrQueueFull = stderrors.New("tracestream: queue full")

	// ErrRateLimited matches any APIError with status 429 and any RateLimitedError.
	ErrRateLimited = &APIError{StatusCode: 429}
)

// APIError represents an error response from the collector.
// It supports error wrapping via Unwrap() and comparison via Is().
type APIError struct {
	StatusCode int           `json:"statusCode"`
	Message    string        `json:"message"`
	Errors     []string      `json:"errors,omitempty"`
	RequestID  string        `json:"-"`
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && len(e.Errors) > 0 {
		msg = e.Errors[0]
	}

	if msg != "" {
		if e.RequestID != "" {
			return fmt.Sprintf("tracestream: API error (status %d, request %s): %s", e.StatusCode, e.RequestID, msg)
		}
		return fmt.Sprintf("tracestream: API error (status %d): %s", e.StatusCode, msg)
	}

	if e.RequestID != "" {
		return fmt.Sprintf("tracestream: API error (status %d, request %s)", e.StatusCode, e.RequestID)
	}
	return fmt.Sprintf("tracestream: API error (status %d)", e.StatusCode)
}

// Unwrap returns the underlying error for error chain support.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches on status code, allowing comparisons like:
//
//	if errors.Is(err, errors.ErrRateLimited) { ... }
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.StatusCode == t.StatusCode
}

// IsRateLimited returns true if the error is a 429 Too Many Requests error.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsServerError returns true if the error is a 5xx server error.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable reports whether repeating the same request may succeed.
// Rate limiting is excluded; it is handled by the pipeline's backoff.
func (e *APIError) IsRetryable() bool {
	return e.IsServerError() || e.StatusCode == 408
}

// RateLimitedError signals that the collector asked the client to slow down.
// RetryAfter is the server's hint for how long to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

// NewRateLimitedError creates a rate-limit signal with the given hint.
func NewRateLimitedError(retryAfter time.Duration, cause error) *RateLimitedError {
	return &RateLimitedError{RetryAfter: retryAfter, Err: cause}
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tracestream: rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("tracestream: rate limited, retry after %s", e.RetryAfter)
}

// Unwrap returns the underlying error.
func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// Is reports a match against ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.StatusCode == 429
}

// IsRateLimited reports whether err is a rate-limit signal and returns the
// retry-after hint it carries. Errors not explicitly tagged as rate limited
// are fatal to the pipeline.
func IsRateLimited(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var rl *RateLimitedError
	if stderrors.As(err, &rl) {
		return rl.RetryAfter, true
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) && apiErr.IsRateLimited() {
		return apiErr.RetryAfter, true
	}

	return 0, false
}
