// Package tracestreamtest provides test doubles for code that uses
// tracestream.
//
// # Recording Processor
//
// Use RecordingProcessor to capture what a streamer delivers without a
// collector:
//
//	s, rec := tracestreamtest.NewTestStreamer(t)
//	s.Put(message.NewCreateSpan("checkout", "span-1", nil))
//	s.Flush(time.Second, 10*time.Millisecond)
//
//	if rec.EventCount() != 1 {
//	    t.Error("expected 1 event")
//	}
//
// # Mock Collector
//
// Use MockServer to exercise the HTTP transport end to end:
//
//	s, server := tracestreamtest.NewHTTPTestStreamer(t)
//	// ... put messages, flush ...
//	events, _ := server.Events()
//
// # Failure Injection
//
// RateLimitingProcessor answers with rate-limit signals and SlowUploader
// takes a fixed time per upload, for testing backoff and flush deadlines.
//
// # Mock Metrics and Logger
//
// MockMetrics and MockLogger record what the streamer reports:
//
//	metrics := tracestreamtest.NewMockMetrics()
//	s, _ := tracestreamtest.NewTestStreamer(t, tracestream.WithMetrics(metrics))
package tracestreamtest
