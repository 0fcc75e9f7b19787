package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantOK    bool
		wantAfter time.Duration
	}{
		{"nil", nil, false, 0},
		{"plain error", io.EOF, false, 0},
		{"rate limited", NewRateLimitedError(2*time.Second, nil), true, 2 * time.Second},
		{"wrapped rate limited", fmt.Errorf("send: %w", NewRateLimitedError(time.Second, io.EOF)), true, time.Second},
		{"api 429", &APIError{StatusCode: 429, RetryAfter: 3 * time.Second}, true, 3 * time.Second},
		{"api 500", &APIError{StatusCode: 500}, false, 0},
		{"api 400", &APIError{StatusCode: 400, Message: "bad"}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after, ok := IsRateLimited(tt.err)
			if ok != tt.wantOK || after != tt.wantAfter {
				t.Errorf("IsRateLimited() = (%v, %v), want (%v, %v)", after, ok, tt.wantAfter, tt.wantOK)
			}
		})
	}
}

func TestErrRateLimitedMatches(t *testing.T) {
	if !stderrors.Is(NewRateLimitedError(time.Second, nil), ErrRateLimited) {
		t.Error("RateLimitedError does not match ErrRateLimited")
	}
	if !stderrors.Is(&APIError{StatusCode: 429}, ErrRateLimited) {
		t.Error("APIError 429 does not match ErrRateLimited")
	}
	if stderrors.Is(&APIError{StatusCode: 503}, ErrRateLimited) {
		t.Error("APIError 503 matches ErrRateLimited")
	}
	if !stderrors.Is(ErrStreamerClosed, ErrClosed) {
		t.Error("ErrStreamerClosed does not wrap ErrClosed")
	}
}

func TestAPIErrorMessage(t *testing.T) {
	tests := []struct {
		err  *APIError
		want string
	}{
		{&APIError{StatusCode: 400}, "tracestream: API error (status 400)"},
		{&APIError{StatusCode: 400, Message: "bad"}, "tracestream: API error (status 400): bad"},
		{&APIError{StatusCode: 422, Errors: []string{"field"}}, "tracestream: API error (status 422): field"},
		{&APIError{StatusCode: 500, RequestID: "r1"}, "tracestream: API error (status 500, request r1)"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestAPIErrorIsRetryable(t *testing.T) {
	for status, want := range map[int]bool{400: false, 408: true, 429: false, 500: true, 503: true} {
		if got := (&APIError{StatusCode: status}).IsRetryable(); got != want {
			t.Errorf("IsRetryable() for %d = %v, want %v", status, got, want)
		}
	}
}

type countingMetrics struct {
	counters map[string]int64
}

func (m *countingMetrics) IncrementCounter(name string, value int64) {
	m.counters[name] += value
}

func TestAsyncErrorHandler(t *testing.T) {
	metrics := &countingMetrics{counters: make(map[string]int64)}
	var called atomic.Int32

	h := NewAsyncErrorHandler(&AsyncErrorConfig{
		BufferSize: 2,
		Metrics:    metrics,
		OnError:    func(*AsyncError) { called.Add(1) },
	})

	for range 3 {
		h.Handle(NewAsyncError(AsyncOpProcess, io.EOF).WithMessageIDs("m1"))
	}
	h.Handle(NewAsyncError(AsyncOpUpload, io.EOF))
	h.Handle(nil)

	if got := h.TotalErrors(); got != 4 {
		t.Errorf("TotalErrors() = %d, want 4", got)
	}
	if got := h.DroppedCount(); got != 2 {
		t.Errorf("DroppedCount() = %d, want 2", got)
	}
	if got := h.ErrorsByOperation(AsyncOpProcess); got != 3 {
		t.Errorf("ErrorsByOperation(process) = %d, want 3", got)
	}
	if got := called.Load(); got != 4 {
		t.Errorf("callback invoked %d times, want 4", got)
	}
	if got := metrics.counters["tracestream.async_errors.upload"]; got != 1 {
		t.Errorf("upload counter = %d, want 1", got)
	}

	drained := h.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain() returned %d errors, want 2", len(drained))
	}
	if !stderrors.Is(drained[0], io.EOF) {
		t.Error("AsyncError does not unwrap to its cause")
	}

	h.Close()
	h.Close()
	h.Handle(NewAsyncError(AsyncOpFlush, io.EOF))
	if got := called.Load(); got != 5 {
		t.Errorf("callback not invoked after Close, got %d calls", got)
	}
}
