package tracestream

import (
	"time"

	"github.com/jdziat/tracestream/pkg/consumer"
	"github.com/jdziat/tracestream/pkg/message"
	"github.com/jdziat/tracestream/pkg/queue"
	"github.com/jdziat/tracestream/pkg/upload"
)

// Processor sends messages to the collector. A returned error for which
// IsRateLimited reports true makes the pipeline retry the message later;
// every other error drops it.
type Processor = consumer.Processor

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc = consumer.ProcessorFunc

// Uploader sends attachments to the collector.
type Uploader = upload.Uploader

// UploaderFunc adapts a function to Uploader.
type UploaderFunc = upload.UploaderFunc

// UploadTask is an attachment upload handed to an Uploader.
type UploadTask = upload.Task

// Message is a unit of telemetry accepted by Put.
type Message = message.Message

// Backpressure types re-exported from pkg/queue.
type (
	BackpressureLevel     = queue.Level
	BackpressureState     = queue.State
	BackpressureThreshold = queue.Threshold
)

// Backpressure levels.
const (
	BackpressureNone     = queue.LevelNone
	BackpressureWarning  = queue.LevelWarning
	BackpressureCritical = queue.LevelCritical
	BackpressureOverflow = queue.LevelOverflow
)

// Flusher is implemented by *Streamer.
type Flusher interface {
	Flush(timeout, uploadSleep time.Duration) bool
}

// Closer is implemented by *Streamer.
type Closer interface {
	Close(timeout time.Duration) bool
}

var (
	_ Flusher = (*Streamer)(nil)
	_ Closer  = (*Streamer)(nil)
)
