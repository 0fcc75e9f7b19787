package tracestreamtest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/jdziat/tracestream/pkg/wire"
)

// UploadPath is the path attachment uploads are sent to.
const UploadPath = "/v1/private/attachment/upload"

// MockServer is a collector that records every request.
type MockServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*RecordedRequest
	respond  func(r *http.Request) (int, http.Header, any)
}

// RecordedRequest is a request received by MockServer. Body is already
// decompressed.
type RecordedRequest struct {
	Method   string
	Path     string
	Query    map[string]string
	Header   http.Header
	Body     []byte
	Encoding string
}

// NewMockServer starts a collector that answers 200 to everything.
func NewMockServer() *MockServer {
	ms := &MockServer{}
	ms.Server = httptest.NewServer(http.HandlerFunc(ms.handle))
	return ms
}

func (ms *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	encoding := r.Header.Get("Content-Encoding")
	body, err := decompress(encoding, raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	ms.mu.Lock()
	ms.requests = append(ms.requests, &RecordedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    query,
		Header:   r.Header.Clone(),
		Body:     body,
		Encoding: encoding,
	})
	respond := ms.respond
	ms.mu.Unlock()

	status, header, response := http.StatusOK, http.Header(nil), any(map[string]string{"status": "ok"})
	if respond != nil {
		status, header, response = respond(r)
	}
	for k, v := range header {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if response != nil {
		data, _ := wire.MarshalValue(response)
		w.Write(data)
	}
}

func decompress(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "zstd":
		d, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return d.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// Requests returns every recorded request.
func (ms *MockServer) Requests() []*RecordedRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]*RecordedRequest{}, ms.requests...)
}

// RequestCount returns the number of recorded requests.
func (ms *MockServer) RequestCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.requests)
}

// RequestsWithPath returns the recorded requests for path.
func (ms *MockServer) RequestsWithPath(path string) []*RecordedRequest {
	var out []*RecordedRequest
	for _, r := range ms.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Uploads returns the recorded attachment uploads.
func (ms *MockServer) Uploads() []*RecordedRequest {
	return ms.RequestsWithPath(UploadPath)
}

// Events decodes the events carried by every non-upload request, in
// arrival order.
func (ms *MockServer) Events() ([]wire.Event, error) {
	var out []wire.Event
	for _, r := range ms.Requests() {
		if r.Path == UploadPath {
			continue
		}
		events, err := r.Events()
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

// Events decodes the request body as a single event or as a document
// holding one list of events, such as {"spans": [...]}.
func (r *RecordedRequest) Events() ([]wire.Event, error) {
	var wrapped map[string][]wire.Event
	if err := wire.Unmarshal(r.Body, &wrapped); err == nil && len(wrapped) == 1 {
		for _, events := range wrapped {
			return events, nil
		}
	}
	var e wire.Event
	if err := wire.Unmarshal(r.Body, &e); err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.Path, err)
	}
	return []wire.Event{e}, nil
}

// Reset forgets every recorded request.
func (ms *MockServer) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.requests = nil
}

// RespondWith makes every later request answer status with body.
func (ms *MockServer) RespondWith(status int, body any) {
	ms.setRespond(func(*http.Request) (int, http.Header, any) {
		return status, nil, body
	})
}

// RespondWithSuccess restores the default 200 answer.
func (ms *MockServer) RespondWithSuccess() {
	ms.setRespond(nil)
}

// RespondWithError answers status with an error message.
func (ms *MockServer) RespondWithError(status int, message string) {
	ms.RespondWith(status, map[string]string{"message": message})
}

// RespondWithServerError answers 500.
func (ms *MockServer) RespondWithServerError() {
	ms.RespondWithError(http.StatusInternalServerError, "internal server error")
}

// RespondWithRateLimit answers 429 with Retry-After set to retryAfter
// seconds.
func (ms *MockServer) RespondWithRateLimit(retryAfter int) {
	ms.setRespond(func(*http.Request) (int, http.Header, any) {
		h := http.Header{}
		h.Set("Retry-After", strconv.Itoa(retryAfter))
		return http.StatusTooManyRequests, h, map[string]string{"message": "rate limit exceeded"}
	})
}

// RespondWithRateLimitFor answers the next n requests with 429 and a
// Retry-After of retryAfter seconds, then 200.
func (ms *MockServer) RespondWithRateLimitFor(n int, retryAfter int) {
	var mu sync.Mutex
	left := n
	ms.setRespond(func(*http.Request) (int, http.Header, any) {
		mu.Lock()
		defer mu.Unlock()
		if left <= 0 {
			return http.StatusOK, nil, map[string]string{"status": "ok"}
		}
		left--
		h := http.Header{}
		h.Set("Retry-After", strconv.Itoa(retryAfter))
		return http.StatusTooManyRequests, h, map[string]string{"message": "rate limit exceeded"}
	})
}

func (ms *MockServer) setRespond(fn func(*http.Request) (int, http.Header, any)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.respond = fn
}

// HasRequestWithPath reports whether any request was sent to path.
func (ms *MockServer) HasRequestWithPath(path string) bool {
	return len(ms.RequestsWithPath(path)) > 0
}
