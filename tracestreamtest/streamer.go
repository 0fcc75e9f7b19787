package tracestreamtest

import (
	"time"

	"github.com/jdziat/tracestream"
	collectorhttp "github.com/jdziat/tracestream/pkg/http"
)

// TestingT is an interface that matches *testing.T and *testing.B.
type TestingT interface {
	Fatalf(format string, args ...any)
	Cleanup(func())
	Helper()
}

// closeTimeout bounds the Close run at test cleanup.
const closeTimeout = 10 * time.Second

// baseOptions make consumers poll often so tests stay quick.
func baseOptions() []tracestream.Option {
	return []tracestream.Option{
		tracestream.WithPollTimeout(10 * time.Millisecond),
		tracestream.WithFlushTimeout(closeTimeout),
	}
}

// NewTestStreamer creates a streamer delivering to a RecordingProcessor.
// Attachments go to a SlowUploader with no delay. The streamer is closed
// when the test ends. opts are applied after the test defaults.
func NewTestStreamer(t TestingT, opts ...tracestream.Option) (*tracestream.Streamer, *RecordingProcessor) {
	t.Helper()

	rec := NewRecordingProcessor()
	s, err := tracestream.New(rec, NewSlowUploader(0), append(baseOptions(), opts...)...)
	if err != nil {
		t.Fatalf("create test streamer: %v", err)
	}
	t.Cleanup(func() {
		s.Close(closeTimeout)
	})
	return s, rec
}

// NewHTTPTestStreamer creates a streamer sending to a MockServer through
// the HTTP transport. Both are closed when the test ends.
func NewHTTPTestStreamer(t TestingT, opts ...tracestream.Option) (*tracestream.Streamer, *MockServer) {
	t.Helper()

	server := NewMockServer()
	cfg := collectorhttp.Config{
		BaseURL: server.URL,
		Retry:   collectorhttp.NoRetry{},
	}
	processor, err := collectorhttp.NewProcessor(cfg)
	if err != nil {
		server.Close()
		t.Fatalf("create test processor: %v", err)
	}
	uploader, err := collectorhttp.NewUploader(cfg)
	if err != nil {
		server.Close()
		t.Fatalf("create test uploader: %v", err)
	}

	s, err := tracestream.New(processor, uploader, append(baseOptions(), opts...)...)
	if err != nil {
		server.Close()
		t.Fatalf("create test streamer: %v", err)
	}
	t.Cleanup(func() {
		s.Close(closeTimeout)
		server.Close()
	})
	return s, server
}
