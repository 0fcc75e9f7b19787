package http

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// RetryableError is an interface for errors that know if they're retryable.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryableNetworkError determines if a network error is transient and should be retried.
// Returns false for permanent errors like DNS failures, connection refused, TLS errors.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNRESET, syscall.ETIMEDOUT:
			return true
		case syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return false
		}
	}

	// DNS lookup failures are usually permanent.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return IsRetryableNetworkError(urlErr.Err)
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"certificate", "x509:", "tls:", "no such host", "connection refused"} {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}
	for _, pattern := range []string{"timeout", "reset by peer", "broken pipe", "temporary failure", "eof"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// RetryStrategy decides whether a failed request is retried inside a single
// Process or Upload call. Rate-limit responses are never retried here; they
// go back to the pipeline, which owns that backoff.
type RetryStrategy interface {
	// ShouldRetry returns true if the request should be retried.
	ShouldRetry(attempt int, err error) bool

	// RetryDelay returns how long to wait before the next attempt.
	RetryDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with optional jitter.
type ExponentialBackoff struct {
	// InitialDelay is the delay before the first retry.
	// Defaults to 500ms if not set.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Defaults to 10 seconds if not set.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases.
	// Defaults to 2.0 if not set.
	Multiplier float64

	// Jitter multiplies the delay by a random factor between 0.5 and 1.5.
	Jitter bool

	// MaxRetries is the maximum number of retry attempts.
	// Defaults to 3 if not set.
	MaxRetries int
}

// NewExponentialBackoff creates a new exponential backoff strategy with defaults.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		MaxRetries:   3,
	}
}

// ShouldRetry implements RetryStrategy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) bool {
	maxRetries := e.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	if attempt >= maxRetries {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	return IsRetryableNetworkError(err)
}

// RetryDelay implements RetryStrategy.
func (e *ExponentialBackoff) RetryDelay(attempt int) time.Duration {
	initialDelay := e.InitialDelay
	if initialDelay == 0 {
		initialDelay = 500 * time.Millisecond
	}
	maxDelay := e.MaxDelay
	if maxDelay == 0 {
		maxDelay = 10 * time.Second
	}
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	delay := float64(initialDelay) * math.Pow(multiplier, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if e.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// NoRetry is a retry strategy that never retries.
type NoRetry struct{}

// ShouldRetry implements RetryStrategy.
func (NoRetry) ShouldRetry(int, error) bool { return false }

// RetryDelay implements RetryStrategy.
func (NoRetry) RetryDelay(int) time.Duration { return 0 }
