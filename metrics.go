package tracestream

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Metric names recorded by the streamer itself. Pipeline components record
// their own names under the same "tracestream." prefix.
const (
	MetricFlushDuration   = "tracestream.streamer.flush_duration"
	MetricFlushTimeouts   = "tracestream.streamer.flush_timeouts"
	MetricCloseDuration   = "tracestream.streamer.close_duration"
	MetricShutdownDropped = "tracestream.streamer.shutdown_dropped"
	MetricUploadsRejected = "tracestream.upload.rejected"
)

// Stats is a snapshot of the pipeline.
type Stats struct {
	State  State         `json:"state"`
	Uptime time.Duration `json:"uptime"`

	// Queued is the number of messages waiting in the queue. Unfinished
	// also counts messages taken by a consumer and not yet done.
	Queued        int `json:"queued"`
	Unfinished    int `json:"unfinished"`
	QueueCapacity int `json:"queue_capacity"`

	Backpressure BackpressureLevel `json:"backpressure"`

	// PendingBatched is the number of messages held by batchers.
	PendingBatched int `json:"pending_batched"`

	// ReadyBatches is the number of emitted batches waiting for a consumer.
	// Unfinished counts each of them, and any being sent, as one entry.
	ReadyBatches int `json:"ready_batches"`

	Uploads     int64 `json:"uploads"`
	UploadBytes int64 `json:"upload_bytes"`

	Accepted    int64 `json:"accepted"`
	Evicted     int64 `json:"evicted"`
	Rejected    int64 `json:"rejected"`
	AsyncErrors int64 `json:"async_errors"`

	BusyConsumers        int `json:"busy_consumers"`
	RateLimitedConsumers int `json:"rate_limited_consumers"`
}

// Stats returns a snapshot of the pipeline. It is safe to call concurrently;
// the fields are read one at a time and may not be mutually consistent.
func (s *Streamer) Stats() Stats {
	remaining := s.uploads.RemainingData()
	stats := Stats{
		State:         s.lifecycle.State(),
		Uptime:        s.lifecycle.Uptime(),
		Queued:        s.queue.Len(),
		Unfinished:    s.queue.Unfinished() + s.ready.Unfinished(),
		QueueCapacity: s.queue.Cap(),
		Uploads:       remaining.Uploads,
		UploadBytes:   remaining.Bytes,
		Accepted:      s.accepted.Load(),
		Evicted:       s.evicted.Load(),
		Rejected:      s.rejected.Load(),
		AsyncErrors:   s.errors.TotalErrors(),
	}
	if s.monitor != nil {
		stats.Backpressure = s.monitor.Level()
	}
	if s.batches != nil {
		stats.PendingBatched = s.batches.Pending()
	}
	stats.ReadyBatches = s.ready.Len()
	now := time.Now()
	for _, c := range s.consumers {
		if c.Busy() {
			stats.BusyConsumers++
		}
		if c.NextAllowed().After(now) {
			stats.RateLimitedConsumers++
		}
	}
	return stats
}

// StatsHandler serves Stats as JSON.
//
//	http.Handle("/debug/tracestream", s.StatsHandler())
func (s *Streamer) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(s.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
