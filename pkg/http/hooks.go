package http

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HookPriority determines how hook failures are handled.
type HookPriority int

const (
	// HookPriorityObservational indicates a hook that should not abort requests on failure.
	// Use for logging, metrics, tracing, and other observational concerns.
	HookPriorityObservational HookPriority = iota

	// HookPriorityCritical indicates a hook that should abort requests on failure.
	// Use for authentication, request signing, and other critical concerns.
	HookPriorityCritical
)

// String returns a string representation of the hook priority.
func (p HookPriority) String() string {
	switch p {
	case HookPriorityObservational:
		return "observational"
	case HookPriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// HTTPHook allows customizing HTTP request/response handling.
type HTTPHook interface {
	// BeforeRequest is called before sending the HTTP request.
	// It can modify the request (e.g., add headers) and return an error to abort.
	BeforeRequest(ctx context.Context, req *http.Request) error

	// AfterResponse is called after receiving the HTTP response.
	AfterResponse(ctx context.Context, req *http.Request, resp *http.Response, duration time.Duration, err error)
}

// ClassifiedHook wraps an HTTPHook with priority information.
type ClassifiedHook struct {
	// Hook is the underlying HTTP hook.
	Hook HTTPHook

	// Priority determines how failures are handled.
	Priority HookPriority

	// Name is used for error messages and logging.
	Name string
}

// HTTPHookFunc is a function adapter for simple hooks.
type HTTPHookFunc struct {
	Before func(ctx context.Context, req *http.Request) error
	After  func(ctx context.Context, req *http.Request, resp *http.Response, duration time.Duration, err error)
}

// BeforeRequest implements HTTPHook.
func (f HTTPHookFunc) BeforeRequest(ctx context.Context, req *http.Request) error {
	if f.Before != nil {
		return f.Before(ctx, req)
	}
	return nil
}

// AfterResponse implements HTTPHook.
func (f HTTPHookFunc) AfterResponse(ctx context.Context, req *http.Request, resp *http.Response, duration time.Duration, err error) {
	if f.After != nil {
		f.After(ctx, req, resp, duration, err)
	}
}

// hookChain runs classified hooks with priority-aware error handling.
// Observational failures and panics are logged and never abort a request.
type hookChain struct {
	hooks   []ClassifiedHook
	logger  Logger
	metrics Metrics
}

func newHookChain(hooks []ClassifiedHook, logger Logger, metrics Metrics) *hookChain {
	return &hookChain{hooks: hooks, logger: logger, metrics: metrics}
}

func (c *hookChain) beforeRequest(ctx context.Context, req *http.Request) error {
	for _, ch := range c.hooks {
		if err := c.callBeforeRequest(ctx, req, ch); err != nil {
			return err
		}
	}
	return nil
}

func (c *hookChain) callBeforeRequest(ctx context.Context, req *http.Request, ch ClassifiedHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("hook panicked in BeforeRequest", "hook", ch.Name, "panic", r)
			c.count("tracestream.http.hooks.panics")
			if ch.Priority == HookPriorityCritical {
				err = fmt.Errorf("tracestream: critical hook %q panicked: %v", ch.Name, r)
			}
		}
	}()

	herr := ch.Hook.BeforeRequest(ctx, req)
	if herr == nil {
		return nil
	}
	c.count("tracestream.http.hooks.failures")

	if ch.Priority == HookPriorityObservational {
		c.logger.Warn("observational hook failed, continuing", "hook", ch.Name, "error", herr)
		return nil
	}
	return fmt.Errorf("tracestream: critical hook %q failed: %w", ch.Name, herr)
}

// afterResponse calls hooks in reverse order so they wrap like middleware.
func (c *hookChain) afterResponse(ctx context.Context, req *http.Request, resp *http.Response, duration time.Duration, err error) {
	for i := len(c.hooks) - 1; i >= 0; i-- {
		c.callAfterResponse(ctx, req, resp, duration, err, c.hooks[i])
	}
}

func (c *hookChain) callAfterResponse(ctx context.Context, req *http.Request, resp *http.Response, duration time.Duration, requestErr error, ch ClassifiedHook) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("hook panicked in AfterResponse", "hook", ch.Name, "panic", r)
			c.count("tracestream.http.hooks.panics")
		}
	}()
	ch.Hook.AfterResponse(ctx, req, resp, duration, requestErr)
}

func (c *hookChain) count(name string) {
	if c.metrics != nil {
		c.metrics.IncrementCounter(name, 1)
	}
}

// HeaderHook creates a critical hook that adds headers to all requests.
func HeaderHook(name string, headers map[string]string) ClassifiedHook {
	return ClassifiedHook{
		Name:     name,
		Priority: HookPriorityCritical,
		Hook: HTTPHookFunc{
			Before: func(ctx context.Context, req *http.Request) error {
				for k, v := range headers {
					req.Header.Set(k, v)
				}
				return nil
			},
		},
	}
}

// AuthHook creates a critical hook that authenticates each request.
func AuthHook(authFunc func(*http.Request) error) ClassifiedHook {
	return ClassifiedHook{
		Name:     "auth",
		Priority: HookPriorityCritical,
		Hook: HTTPHookFunc{
			Before: func(ctx context.Context, req *http.Request) error {
				return authFunc(req)
			},
		},
	}
}

// LoggingHook creates an observational hook that logs each request.
func LoggingHook(logger Logger) ClassifiedHook {
	return ClassifiedHook{
		Name:     "logging",
		Priority: HookPriorityObservational,
		Hook: HTTPHookFunc{
			After: func(ctx context.Context, req *http.Request, resp *http.Response, duration time.Duration, err error) {
				if err != nil {
					logger.Warn("request failed", "method", req.Method, "path", req.URL.Path, "duration", duration, "error", err)
				} else if resp != nil {
					logger.Debug("request completed", "method", req.Method, "path", req.URL.Path, "duration", duration, "status", resp.StatusCode)
				}
			},
		},
	}
}

// MetricsHook creates an observational hook that records request metrics.
//
// Metrics recorded:
//   - tracestream.http.requests (counter): Total request count
//   - tracestream.http.duration (timing): Request duration
//   - tracestream.http.errors (counter): Transport error count
//   - tracestream.http.status.{code} (counter): Per-status-code count
func MetricsHook(m Metrics) ClassifiedHook {
	return ClassifiedHook{
		Name:     "metrics",
		Priority: HookPriorityObservational,
		Hook: HTTPHookFunc{
			After: func(ctx context.Context, req *http.Request, resp *http.Response, duration time.Duration, err error) {
				m.IncrementCounter("tracestream.http.requests", 1)
				m.RecordDuration("tracestream.http.duration", duration)
				if err != nil {
					m.IncrementCounter("tracestream.http.errors", 1)
				}
				if resp != nil {
					m.IncrementCounter(fmt.Sprintf("tracestream.http.status.%d", resp.StatusCode), 1)
				}
			},
		},
	}
}
