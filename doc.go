// Package tracestream streams tracing telemetry to a collector in the
// background.
//
// A [Streamer] accepts traces, spans, feedback scores and attachments from
// application code without blocking on the network. Messages are held in a
// bounded queue, coalesced into batches per kind and sent by background
// consumers through a [Processor]. Attachments are uploaded by a separate
// worker pool through an [Uploader].
//
// # Quick Start
//
//	processor, err := http.NewProcessor(http.Config{BaseURL: "https://collector.example.com"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	uploader, err := http.NewUploader(http.Config{BaseURL: "https://collector.example.com"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	s, err := tracestream.New(processor, uploader,
//	    tracestream.WithMaxQueueSize(5000),
//	    tracestream.WithBatcher(message.KindCreateSpan, 200, 500*time.Millisecond),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(10 * time.Second)
//
//	s.Put(message.NewCreateTrace("checkout", traceID, trace))
//	s.Put(message.NewCreateSpan("checkout", spanID, span))
//
// # Delivery Semantics
//
// Delivery is best effort:
//
//   - Put returns as soon as the message is queued. Delivery failures are
//     logged and reported on [Streamer.Errors], never returned from Put.
//   - When the queue is full the oldest message that has not been sent yet is
//     dropped to make room. Messages waiting for a rate-limit retry are kept.
//   - A rate-limited message is put back at the head of the queue and retried
//     after the collector's backoff. Any other processing error drops it.
//   - With a single consumer, messages of one kind are sent in the order they
//     were put.
//
// # Flush and Close
//
// [Streamer.Flush] waits until everything put so far has been processed and
// uploaded. [Streamer.Close] stops accepting messages, flushes, and stops the
// background goroutines. Both report whether they finished within their
// timeout. Messages still queued when Close gives up are reported as
// shutdown errors.
//
// # Transports
//
// Processors and uploaders live in subpackages:
//
//   - [github.com/jdziat/tracestream/pkg/http]: REST collector client with
//     retries, compression and a circuit breaker.
//   - [github.com/jdziat/tracestream/pkg/nats]: publishes messages on NATS
//     subjects, optionally waiting for a collector reply.
//
// [github.com/jdziat/tracestream/tracestreamtest] provides recording and
// rate-limiting fakes for tests.
package tracestream

// Version is the library version.
const Version = "0.3.0"
