// Package wire defines the JSON form of pipeline messages shared by the
// reference transports.
package wire

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/jdziat/tracestream/pkg/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is the wire form of a single message.
type Event struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	ProjectName string    `json:"project_name,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Payload     any       `json:"payload,omitempty"`
}

// Batch is the wire form of a batch message. Items keep their batch order.
type Batch struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ItemKind  string    `json:"item_kind"`
	CreatedAt time.Time `json:"created_at"`
	Items     []Event   `json:"items"`
}

// FromEvent converts an event message.
func FromEvent(e *message.Event) Event {
	return Event{
		ID:          e.ID(),
		Kind:        e.Kind().String(),
		ProjectName: e.ProjectName(),
		EntityID:    e.EntityID(),
		CreatedAt:   e.CreatedAt().UTC(),
		Payload:     e.Payload(),
	}
}

// FromBatch converts a batch message.
func FromBatch(b *message.Batch) (Batch, error) {
	out := Batch{
		ID:        b.ID(),
		Kind:      b.Kind().String(),
		ItemKind:  b.ItemKind().String(),
		CreatedAt: b.CreatedAt().UTC(),
		Items:     make([]Event, 0, b.Len()),
	}
	for _, item := range b.Items() {
		e, ok := item.(*message.Event)
		if !ok {
			return Batch{}, fmt.Errorf("wire: batch %s holds %T", b.ID(), item)
		}
		out.Items = append(out.Items, FromEvent(e))
	}
	return out, nil
}

// Items returns the wire events carried by msg: the event itself or the
// items of a batch. Attachments have no JSON form.
func Items(msg message.Message) ([]Event, error) {
	switch m := msg.(type) {
	case *message.Event:
		return []Event{FromEvent(m)}, nil
	case *message.Batch:
		b, err := FromBatch(m)
		if err != nil {
			return nil, err
		}
		return b.Items, nil
	default:
		return nil, fmt.Errorf("wire: %s has no JSON form", msg.Kind())
	}
}

// Marshal encodes msg as an Event or Batch document.
func Marshal(msg message.Message) ([]byte, error) {
	switch m := msg.(type) {
	case *message.Event:
		return MarshalValue(FromEvent(m))
	case *message.Batch:
		b, err := FromBatch(m)
		if err != nil {
			return nil, err
		}
		return MarshalValue(b)
	default:
		return nil, fmt.Errorf("wire: %s has no JSON form", msg.Kind())
	}
}

// MarshalValue encodes v with the package's JSON configuration.
func MarshalValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return data, nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}
