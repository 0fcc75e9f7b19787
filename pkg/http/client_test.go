package http

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	pkgerrors "github.com/jdziat/tracestream/pkg/errors"
	"github.com/jdziat/tracestream/pkg/message"
	"github.com/jdziat/tracestream/pkg/upload"
	"github.com/jdziat/tracestream/pkg/wire"
)

// captured is one request seen by the test server.
type captured struct {
	method   string
	path     string
	query    map[string]string
	header   http.Header
	body     []byte
	encoding string
}

type testServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []captured
	respond  func(n int, w http.ResponseWriter)
}

func newTestServer(t *testing.T, respond func(n int, w http.ResponseWriter)) *testServer {
	t.Helper()
	ts := &testServer{respond: respond}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeRequestBody(r)
		if err != nil {
			t.Errorf("decode body: %v", err)
		}
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}

		ts.mu.Lock()
		n := len(ts.requests)
		ts.requests = append(ts.requests, captured{
			method:   r.Method,
			path:     r.URL.Path,
			query:    q,
			header:   r.Header.Clone(),
			body:     body,
			encoding: r.Header.Get("Content-Encoding"),
		})
		ts.mu.Unlock()

		if ts.respond != nil {
			ts.respond(n, w)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) seen() []captured {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]captured(nil), ts.requests...)
}

func decodeRequestBody(r *http.Request) ([]byte, error) {
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "zstd":
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return io.ReadAll(r.Body)
	}
}

func newTestProcessor(t *testing.T, ts *testServer, mutate func(*Config)) *Processor {
	t.Helper()
	cfg := Config{
		BaseURL: ts.URL,
		APIKey:  "secret",
		Retry: &ExponentialBackoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			MaxRetries:   2,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProcessor(cfg)
	require.NoError(t, err)
	return p
}

func TestProcessorRoutesKinds(t *testing.T) {
	spanBatch, err := message.NewBatch(message.KindCreateSpansBatch, []message.Message{
		message.NewCreateSpan("p", "s1", 1),
		message.NewCreateSpan("p", "s2", 2),
	})
	require.NoError(t, err)
	scoreBatch, err := message.NewBatch(message.KindTraceFeedbackScoresBatch, []message.Message{
		message.NewTraceFeedbackScore("p", "t1", map[string]any{"name": "accuracy", "value": 0.9}),
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		msg    message.Message
		method string
		path   string
	}{
		{"create trace", message.NewCreateTrace("p", "t1", nil), http.MethodPost, "/v1/private/traces"},
		{"update trace", message.NewUpdateTrace("p", "t/1", nil), http.MethodPatch, "/v1/private/traces/t/1"},
		{"create span", message.NewCreateSpan("p", "s1", nil), http.MethodPost, "/v1/private/spans"},
		{"update span", message.NewUpdateSpan("p", "s1", nil), http.MethodPatch, "/v1/private/spans/s1"},
		{"span feedback", message.NewSpanFeedbackScore("p", "s1", nil), http.MethodPut, "/v1/private/spans/feedback-scores"},
		{"spans batch", spanBatch, http.MethodPost, "/v1/private/spans/batch"},
		{"trace scores batch", scoreBatch, http.MethodPut, "/v1/private/traces/feedback-scores"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			p := newTestProcessor(t, ts, nil)

			require.NoError(t, p.Process(context.Background(), tt.msg))

			reqs := ts.seen()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.method, reqs[0].method)
			assert.Equal(t, tt.path, reqs[0].path)
			assert.Equal(t, "Bearer secret", reqs[0].header.Get("Authorization"))
			assert.NotEmpty(t, reqs[0].header.Get(HeaderRequestID))
		})
	}
}

func TestProcessorBatchBodyKeepsOrder(t *testing.T) {
	ts := newTestServer(t, nil)
	p := newTestProcessor(t, ts, nil)

	items := []message.Message{
		message.NewCreateTrace("p", "t1", nil),
		message.NewCreateTrace("p", "t2", nil),
		message.NewCreateTrace("p", "t3", nil),
	}
	b, err := message.NewBatch(message.KindCreateTracesBatch, items)
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), b))

	var doc map[string][]wire.Event
	require.NoError(t, wire.Unmarshal(ts.seen()[0].body, &doc))
	require.Len(t, doc["traces"], 3)
	for i, e := range doc["traces"] {
		assert.Equal(t, items[i].ID(), e.ID)
		assert.Equal(t, "create_trace", e.Kind)
	}
}

func TestProcessorRateLimited(t *testing.T) {
	ts := newTestServer(t, func(n int, w http.ResponseWriter) {
		w.Header().Set(HeaderRetryAfter, "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"slow down"}`))
	})
	p := newTestProcessor(t, ts, nil)

	err := p.Process(context.Background(), message.NewCreateSpan("p", "s", nil))
	require.Error(t, err)

	retryAfter, limited := pkgerrors.IsRateLimited(err)
	assert.True(t, limited)
	assert.Equal(t, 2*time.Second, retryAfter)
	assert.True(t, errors.Is(err, pkgerrors.ErrRateLimited))
	assert.Len(t, ts.seen(), 1, "rate-limited requests must not be retried in the processor")
}

func TestProcessorClientErrorIsFatal(t *testing.T) {
	ts := newTestServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"invalid span","errors":["name is required"]}`))
	})
	p := newTestProcessor(t, ts, nil)

	err := p.Process(context.Background(), message.NewCreateSpan("p", "s", nil))
	require.Error(t, err)

	_, limited := pkgerrors.IsRateLimited(err)
	assert.False(t, limited)

	var apiErr *pkgerrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid span", apiErr.Message)
	assert.NotEmpty(t, apiErr.RequestID)
	assert.Len(t, ts.seen(), 1)
}

func TestProcessorRetriesServerErrors(t *testing.T) {
	ts := newTestServer(t, func(n int, w http.ResponseWriter) {
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	p := newTestProcessor(t, ts, nil)

	require.NoError(t, p.Process(context.Background(), message.NewCreateSpan("p", "s", nil)))
	assert.Len(t, ts.seen(), 3)
}

func TestProcessorGivesUpAfterMaxRetries(t *testing.T) {
	ts := newTestServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	p := newTestProcessor(t, ts, nil)

	err := p.Process(context.Background(), message.NewCreateSpan("p", "s", nil))
	require.Error(t, err)
	assert.Len(t, ts.seen(), 3)
}

func TestProcessorCompression(t *testing.T) {
	payload := map[string]any{"input": string(make([]byte, 4096))}

	for _, c := range []Compression{CompressionGzip, CompressionZstd, CompressionNone} {
		t.Run(string(c), func(t *testing.T) {
			ts := newTestServer(t, nil)
			p := newTestProcessor(t, ts, func(cfg *Config) { cfg.Compression = c })

			msg := message.NewCreateSpan("p", "s", payload)
			require.NoError(t, p.Process(context.Background(), msg))

			req := ts.seen()[0]
			if c == CompressionNone {
				assert.Empty(t, req.encoding)
			} else {
				assert.Equal(t, string(c), req.encoding)
			}
			var e wire.Event
			require.NoError(t, wire.Unmarshal(req.body, &e))
			assert.Equal(t, msg.ID(), e.ID)
		})
	}
}

func TestProcessorSmallBodiesUncompressed(t *testing.T) {
	ts := newTestServer(t, nil)
	p := newTestProcessor(t, ts, nil)

	require.NoError(t, p.Process(context.Background(), message.NewCreateSpan("p", "s", nil)))
	assert.Empty(t, ts.seen()[0].encoding)
}

func TestProcessorCircuitOpenSignalsRateLimit(t *testing.T) {
	ts := newTestServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
	})
	p := newTestProcessor(t, ts, func(cfg *Config) {
		cfg.Retry = NoRetry{}
		cfg.CircuitBreaker = &CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}
	})

	for range 2 {
		err := p.Process(context.Background(), message.NewUpdateSpan("p", "s", nil))
		_, limited := pkgerrors.IsRateLimited(err)
		require.False(t, limited)
	}
	assert.Equal(t, CircuitOpen, p.CircuitState())

	err := p.Process(context.Background(), message.NewUpdateSpan("p", "s", nil))
	retryAfter, limited := pkgerrors.IsRateLimited(err)
	assert.True(t, limited)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Greater(t, retryAfter, 50*time.Second)
	assert.Len(t, ts.seen(), 2, "open circuit must not reach the server")
}

func TestProcessorHooks(t *testing.T) {
	ts := newTestServer(t, nil)

	var after atomic.Int32
	p := newTestProcessor(t, ts, func(cfg *Config) {
		cfg.Hooks = []ClassifiedHook{
			HeaderHook("workspace", map[string]string{"X-Workspace": "team-a"}),
			{
				Name:     "flaky-observer",
				Priority: HookPriorityObservational,
				Hook: HTTPHookFunc{
					Before: func(context.Context, *http.Request) error { return errors.New("observer down") },
					After: func(context.Context, *http.Request, *http.Response, time.Duration, error) {
						after.Add(1)
					},
				},
			},
		}
	})

	require.NoError(t, p.Process(context.Background(), message.NewCreateSpan("p", "s", nil)))
	assert.Equal(t, "team-a", ts.seen()[0].header.Get("X-Workspace"))
	assert.Equal(t, int32(1), after.Load())

	denied := newTestProcessor(t, ts, func(cfg *Config) {
		cfg.Hooks = []ClassifiedHook{AuthHook(func(*http.Request) error { return errors.New("no token") })}
	})
	err := denied.Process(context.Background(), message.NewCreateSpan("p", "s", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
	assert.Len(t, ts.seen(), 1)
}

func TestProcessorRejectsAttachments(t *testing.T) {
	ts := newTestServer(t, nil)
	p := newTestProcessor(t, ts, nil)

	a, err := message.NewAttachment(message.AttachmentSpec{Data: []byte("x"), EntityType: message.EntitySpan, EntityID: "s"})
	require.NoError(t, err)
	assert.Error(t, p.Process(context.Background(), a))
	assert.Empty(t, ts.seen())
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing base URL", Config{}},
		{"bad scheme", Config{BaseURL: "ftp://collector"}},
		{"bad compression", Config{BaseURL: "http://collector", Compression: "brotli"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header map[string]string
		want   time.Duration
	}{
		{"seconds", map[string]string{HeaderRetryAfter: "3"}, 3 * time.Second},
		{"fractional seconds", map[string]string{HeaderRetryAfter: "0.5"}, 500 * time.Millisecond},
		{"http date", map[string]string{HeaderRetryAfter: now.Add(90 * time.Second).Format(http.TimeFormat)}, 90 * time.Second},
		{"past date", map[string]string{HeaderRetryAfter: now.Add(-time.Minute).Format(http.TimeFormat)}, 0},
		{"rate limit reset", map[string]string{HeaderRateLimitReset: "7"}, 7 * time.Second},
		{"garbage", map[string]string{HeaderRetryAfter: "soon"}, 0},
		{"missing", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, parseRetryAfter(h, now))
		})
	}
}

func TestUploader(t *testing.T) {
	ts := newTestServer(t, nil)
	u, err := NewUploader(Config{BaseURL: ts.URL, Retry: NoRetry{}})
	require.NoError(t, err)

	content := []byte("binary attachment content")
	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	a, err := message.NewAttachment(message.AttachmentSpec{
		FilePath:    path,
		EntityType:  message.EntitySpan,
		EntityID:    "span-9",
		ProjectName: "proj",
	})
	require.NoError(t, err)
	task, err := upload.NewTask(a)
	require.NoError(t, err)

	require.NoError(t, u.Upload(context.Background(), task))

	reqs := ts.seen()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/v1/private/attachment/upload", req.path)
	assert.Equal(t, content, req.body)
	assert.Equal(t, "image.png", req.query["file_name"])
	assert.Equal(t, "span", req.query["entity_type"])
	assert.Equal(t, "span-9", req.query["entity_id"])
	assert.Equal(t, "proj", req.query["project_name"])
	assert.Equal(t, "image/png", req.header.Get("Content-Type"))

	sum := blake3.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), req.header.Get(HeaderContentBlake3))
}

func TestUploaderRateLimited(t *testing.T) {
	ts := newTestServer(t, func(n int, w http.ResponseWriter) {
		w.Header().Set(HeaderRetryAfter, "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	u, err := NewUploader(Config{BaseURL: ts.URL})
	require.NoError(t, err)

	a, err := message.NewAttachment(message.AttachmentSpec{Data: []byte("x"), EntityType: message.EntityTrace, EntityID: "t"})
	require.NoError(t, err)
	task, err := upload.NewTask(a)
	require.NoError(t, err)

	err = u.Upload(context.Background(), task)
	retryAfter, limited := pkgerrors.IsRateLimited(err)
	assert.True(t, limited)
	assert.Equal(t, time.Second, retryAfter)
}
