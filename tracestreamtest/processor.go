package tracestreamtest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/tracestream"
	"github.com/jdziat/tracestream/pkg/message"
)

var (
	_ tracestream.Processor = (*RecordingProcessor)(nil)
	_ tracestream.Processor = (*RateLimitingProcessor)(nil)
	_ tracestream.Uploader  = (*SlowUploader)(nil)
)

// RecordingProcessor records every message it is given and succeeds.
type RecordingProcessor struct {
	// Err, if set, is returned for every message after it is recorded.
	Err func(msg message.Message) error

	mu       sync.Mutex
	messages []message.Message
	changed  chan struct{}
}

// NewRecordingProcessor creates an empty RecordingProcessor.
func NewRecordingProcessor() *RecordingProcessor {
	return &RecordingProcessor{changed: make(chan struct{})}
}

// Process implements tracestream.Processor.
func (p *RecordingProcessor) Process(_ context.Context, msg message.Message) error {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()

	if p.Err != nil {
		return p.Err(msg)
	}
	return nil
}

// Messages returns the processed messages in processing order.
func (p *RecordingProcessor) Messages() []message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message.Message{}, p.messages...)
}

// Events returns the processed events with batches expanded into their
// items, in processing order.
func (p *RecordingProcessor) Events() []*message.Event {
	var out []*message.Event
	for _, msg := range p.Messages() {
		switch m := msg.(type) {
		case *message.Event:
			out = append(out, m)
		case *message.Batch:
			for _, item := range m.Items() {
				if e, ok := item.(*message.Event); ok {
					out = append(out, e)
				}
			}
		}
	}
	return out
}

// EventIDs returns the ids of Events.
func (p *RecordingProcessor) EventIDs() []string {
	events := p.Events()
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID()
	}
	return ids
}

// EventCount returns len(Events()).
func (p *RecordingProcessor) EventCount() int {
	return len(p.Events())
}

// Batches returns the processed batch messages.
func (p *RecordingProcessor) Batches() []*message.Batch {
	var out []*message.Batch
	for _, msg := range p.Messages() {
		if b, ok := msg.(*message.Batch); ok {
			out = append(out, b)
		}
	}
	return out
}

// WaitForEvents waits until at least n events were processed or timeout
// elapses, and reports whether they were.
func (p *RecordingProcessor) WaitForEvents(n int, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		p.mu.Lock()
		changed := p.changed
		p.mu.Unlock()
		if p.EventCount() >= n {
			return true
		}
		select {
		case <-changed:
		case <-timer.C:
			return p.EventCount() >= n
		}
	}
}

// Reset forgets every recorded message.
func (p *RecordingProcessor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}

// RateLimitingProcessor answers the first Limit calls with a rate-limit
// signal carrying RetryAfter, then passes messages to Next. A negative Limit
// rate-limits forever.
type RateLimitingProcessor struct {
	RetryAfter time.Duration
	Limit      int

	// Next handles messages once the limit is spent. Nil succeeds.
	Next tracestream.Processor

	calls   atomic.Int64
	limited atomic.Int64
}

// NewRateLimitingProcessor rate-limits every call with retryAfter.
func NewRateLimitingProcessor(retryAfter time.Duration) *RateLimitingProcessor {
	return &RateLimitingProcessor{RetryAfter: retryAfter, Limit: -1}
}

// Process implements tracestream.Processor.
func (p *RateLimitingProcessor) Process(ctx context.Context, msg message.Message) error {
	n := p.calls.Add(1)
	if p.Limit < 0 || n <= int64(p.Limit) {
		p.limited.Add(1)
		return tracestream.NewRateLimitedError(p.RetryAfter, nil)
	}
	if p.Next == nil {
		return nil
	}
	return p.Next.Process(ctx, msg)
}

// Calls returns the number of Process calls.
func (p *RateLimitingProcessor) Calls() int64 {
	return p.calls.Load()
}

// Limited returns the number of calls answered with a rate-limit signal.
func (p *RateLimitingProcessor) Limited() int64 {
	return p.limited.Load()
}

// SlowUploader takes Delay for every upload. It returns early with the
// context error when the upload is cancelled.
type SlowUploader struct {
	Delay time.Duration

	started   atomic.Int64
	completed atomic.Int64
}

// NewSlowUploader creates an uploader taking delay per upload.
func NewSlowUploader(delay time.Duration) *SlowUploader {
	return &SlowUploader{Delay: delay}
}

// Upload implements tracestream.Uploader.
func (u *SlowUploader) Upload(ctx context.Context, _ *tracestream.UploadTask) error {
	u.started.Add(1)
	timer := time.NewTimer(u.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		u.completed.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started returns the number of uploads begun.
func (u *SlowUploader) Started() int64 {
	return u.started.Load()
}

// Completed returns the number of uploads that ran their full delay.
func (u *SlowUploader) Completed() int64 {
	return u.completed.Load()
}
