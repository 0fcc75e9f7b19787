// Package message defines the telemetry messages carried by the delivery
// pipeline.
//
// A Message is one of three concrete variants:
//
//   - *Event: a single trace, span or feedback-score record
//   - *Batch: an ordered group of same-kind events built by a batcher
//   - *Attachment: a binary payload uploaded out-of-band
//
// Messages are immutable once created. Payloads are opaque to the pipeline;
// the processor that sends a message owns its serialization.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a unit of telemetry. The set of implementations is closed.
type Message interface {
	// ID returns the unique message id.
	ID() string
	// Kind returns the message kind.
	Kind() Kind
	// CreatedAt returns the time the message was created.
	CreatedAt() time.Time

	sealed()
}

// IsNil reports whether m is nil or a nil pointer to one of the variants.
func IsNil(m Message) bool {
	switch v := m.(type) {
	case nil:
		return true
	case *Event:
		return v == nil
	case *Batch:
		return v == nil
	case *Attachment:
		return v == nil
	}
	return false
}

// NewID returns a time-ordered unique id for a message.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Event is a single trace, span or feedback-score record.
type Event struct {
	id        string
	kind      Kind
	project   string
	entityID  string
	payload   any
	createdAt time.Time
}

// NewEvent creates an event of the given kind. The kind must route directly
// or to a batcher and must not itself be a batch kind.
func NewEvent(kind Kind, projectName, entityID string, payload any) (*Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("message: invalid kind %d", int(kind))
	}
	if kind.IsBatch() || kind.Route() == RouteUpload {
		return nil, fmt.Errorf("message: %s is not an event kind", kind)
	}
	return &Event{
		id:        NewID(),
		kind:      kind,
		project:   projectName,
		entityID:  entityID,
		payload:   payload,
		createdAt: time.Now(),
	}, nil
}

func mustEvent(kind Kind, projectName, entityID string, payload any) *Event {
	e, err := NewEvent(kind, projectName, entityID, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// NewCreateTrace creates a trace-create event.
func NewCreateTrace(projectName, traceID string, payload any) *Event {
	return mustEvent(KindCreateTrace, projectName, traceID, payload)
}

// NewUpdateTrace creates a trace-update event.
func NewUpdateTrace(projectName, traceID string, payload any) *Event {
	return mustEvent(KindUpdateTrace, projectName, traceID, payload)
}

// NewCreateSpan creates a span-create event.
func NewCreateSpan(projectName, spanID string, payload any) *Event {
	return mustEvent(KindCreateSpan, projectName, spanID, payload)
}

// NewUpdateSpan creates a span-update event.
func NewUpdateSpan(projectName, spanID string, payload any) *Event {
	return mustEvent(KindUpdateSpan, projectName, spanID, payload)
}

// NewTraceFeedbackScore creates a feedback-score event attached to a trace.
func NewTraceFeedbackScore(projectName, traceID string, payload any) *Event {
	return mustEvent(KindAddTraceFeedbackScores, projectName, traceID, payload)
}

// NewSpanFeedbackScore creates a feedback-score event attached to a span.
func NewSpanFeedbackScore(projectName, spanID string, payload any) *Event {
	return mustEvent(KindAddSpanFeedbackScores, projectName, spanID, payload)
}

func (e *Event) ID() string           { return e.id }
func (e *Event) Kind() Kind           { return e.kind }
func (e *Event) CreatedAt() time.Time { return e.createdAt }

// ProjectName returns the project the event belongs to.
func (e *Event) ProjectName() string { return e.project }

// EntityID returns the id of the trace or span the event describes.
func (e *Event) EntityID() string { return e.entityID }

// Payload returns the opaque event body.
func (e *Event) Payload() any { return e.payload }

func (e *Event) sealed() {}

// String returns a compact representation for logging.
func (e *Event) String() string {
	return fmt.Sprintf("%s{id=%s entity=%s}", e.kind, e.id, e.entityID)
}
