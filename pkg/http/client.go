package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/jdziat/tracestream/pkg/errors"
	"github.com/jdziat/tracestream/pkg/wire"
)

// Defaults for Config.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "tracestream-go"
)

// Header names.
const (
	HeaderRetryAfter     = "Retry-After"
	HeaderRateLimitReset = "RateLimit-Reset"
	HeaderRequestID      = "X-Request-Id"
	HeaderContentBlake3  = "X-Content-Blake3"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics is the metrics surface used by this package.
type Metrics interface {
	IncrementCounter(name string, value int64)
	RecordDuration(name string, d time.Duration)
}

// Config configures a Processor or Uploader.
type Config struct {
	// BaseURL is the collector root, e.g. "https://collector.example.com/api".
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds each HTTP attempt when Doer is not set.
	Timeout time.Duration `yaml:"timeout"`

	// Compression selects the body encoding for message requests.
	Compression Compression `yaml:"compression"`

	// CompressionThreshold is the smallest body that is compressed.
	CompressionThreshold int `yaml:"compression_threshold"`

	// Doer sends requests. Defaults to an *http.Client with Timeout.
	Doer Doer `yaml:"-"`

	// Retry decides retries of transient failures inside one call.
	// Defaults to NewExponentialBackoff(). Rate-limit responses are never
	// retried here.
	Retry RetryStrategy `yaml:"-"`

	// CircuitBreaker, when set, fails fast while the collector keeps failing.
	// An open circuit is reported as a rate-limit signal lasting until the
	// circuit half-opens.
	CircuitBreaker *CircuitBreakerConfig `yaml:"-"`

	// Hooks run around every request.
	Hooks []ClassifiedHook `yaml:"-"`

	// Logger, when set, also gets a LoggingHook ahead of Hooks.
	Logger Logger `yaml:"-"`

	// Metrics, when set, also gets a MetricsHook ahead of Hooks.
	Metrics Metrics `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Compression == "" {
		c.Compression = CompressionGzip
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.Doer == nil {
		c.Doer = &http.Client{Timeout: c.Timeout}
	}
	if c.Retry == nil {
		c.Retry = NewExponentialBackoff()
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return errors.New("tracestream: base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("tracestream: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("tracestream: base URL scheme must be http or https, got %q", u.Scheme)
	}
	return c.Compression.Validate()
}

// client is the request core shared by Processor and Uploader.
type client struct {
	cfg     Config
	baseURL string
	hooks   *hookChain
	breaker *CircuitBreaker
}

func newClient(cfg Config) (*client, error) {
	hooks := builtinHooks(cfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		hooks:   newHookChain(hooks, cfg.Logger, cfg.Metrics),
	}
	if cfg.CircuitBreaker != nil {
		bc := *cfg.CircuitBreaker
		if bc.IsFailure == nil {
			bc.IsFailure = countsAgainstCircuit
		}
		c.breaker = NewCircuitBreaker(bc)
	}
	return c, nil
}

// builtinHooks puts the logging and metrics hooks for the configured
// observers in front of the caller's hooks, so they see each request first
// and its response last. Called before defaults fill in Logger.
func builtinHooks(cfg Config) []ClassifiedHook {
	hooks := make([]ClassifiedHook, 0, len(cfg.Hooks)+2)
	if cfg.Logger != nil {
		hooks = append(hooks, LoggingHook(cfg.Logger))
	}
	if cfg.Metrics != nil {
		hooks = append(hooks, MetricsHook(cfg.Metrics))
	}
	return append(hooks, cfg.Hooks...)
}

// countsAgainstCircuit ignores client errors; they say nothing about the
// collector's health.
func countsAgainstCircuit(err error) bool {
	var apiErr *pkgerrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsServerError()
	}
	return true
}

// request describes one logical call. body is reopened for every attempt.
type request struct {
	method        string
	path          string
	query         url.Values
	header        http.Header
	body          func() (io.ReadCloser, error)
	contentLength int64
}

func bytesBody(data []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// do runs req with retries and the circuit breaker.
func (c *client) do(ctx context.Context, req *request) error {
	if c.breaker != nil && !c.breaker.Allow() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncrementCounter("tracestream.http.circuit_open", 1)
		}
		return pkgerrors.NewRateLimitedError(c.breaker.OpenRemaining(), ErrCircuitOpen)
	}

	err := c.doWithRetry(ctx, req)
	if c.breaker != nil {
		if _, limited := pkgerrors.IsRateLimited(err); !limited {
			c.breaker.Record(err)
		}
	}
	return err
}

func (c *client) doWithRetry(ctx context.Context, req *request) error {
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, req)
		if err == nil {
			return nil
		}
		if _, limited := pkgerrors.IsRateLimited(err); limited {
			return err
		}
		if !c.cfg.Retry.ShouldRetry(attempt, err) {
			return err
		}

		delay := c.cfg.Retry.RetryDelay(attempt)
		c.cfg.Logger.Debug("retrying request", "method", req.method, "path", req.path, "attempt", attempt+1, "delay", delay, "error", err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncrementCounter("tracestream.http.retries", 1)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("tracestream: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func (c *client) doOnce(ctx context.Context, req *request) error {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var body io.ReadCloser
	if req.body != nil {
		var err error
		if body, err = req.body(); err != nil {
			return err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return fmt.Errorf("tracestream: create request: %w", err)
	}
	if req.contentLength > 0 {
		httpReq.ContentLength = req.contentLength
	}

	requestID := uuid.NewString()
	httpReq.Header.Set("User-Agent", DefaultUserAgent)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderRequestID, requestID)
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.header {
		httpReq.Header[k] = v
	}

	if err := c.hooks.beforeRequest(ctx, httpReq); err != nil {
		if body != nil {
			body.Close()
		}
		return err
	}

	start := time.Now()
	resp, err := c.cfg.Doer.Do(httpReq)
	duration := time.Since(start)
	c.hooks.afterResponse(ctx, httpReq, resp, duration, err)
	if err != nil {
		return fmt.Errorf("tracestream: %s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeError(resp, requestID)
}

// decodeError builds the error for a failed response. A 429 becomes a
// rate-limit signal carrying the server's delay hint.
func decodeError(resp *http.Response, requestID string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &pkgerrors.APIError{StatusCode: resp.StatusCode}
	if len(data) > 0 {
		if err := wire.Unmarshal(data, apiErr); err != nil || (apiErr.Message == "" && len(apiErr.Errors) == 0) {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	apiErr.StatusCode = resp.StatusCode
	apiErr.RequestID = resp.Header.Get(HeaderRequestID)
	if apiErr.RequestID == "" {
		apiErr.RequestID = requestID
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header, time.Now())
		apiErr.RetryAfter = retryAfter
		return pkgerrors.NewRateLimitedError(retryAfter, apiErr)
	}
	return apiErr
}

// parseRetryAfter reads Retry-After as delta-seconds or an HTTP date, then
// falls back to RateLimit-Reset in seconds. It returns zero when neither
// header gives a usable delay.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get(HeaderRetryAfter)); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	if v := strings.TrimSpace(h.Get(HeaderRateLimitReset)); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
