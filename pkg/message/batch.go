package message

import (
	"fmt"
	"time"
)

// Batch is an ordered group of same-kind messages sent as one unit.
// Items keep the order in which they were added; the collector relies on it
// to rebuild parent/child relationships.
type Batch struct {
	id        string
	kind      Kind
	itemKind  Kind
	items     []Message
	createdAt time.Time
}

// NewBatch builds a batch of the given batch kind. Every item must be of the
// kind the batch kind groups. The batch takes ownership of items.
func NewBatch(kind Kind, items []Message) (*Batch, error) {
	if !kind.IsBatch() {
		return nil, fmt.Errorf("message: %s is not a batch kind", kind)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("message: empty %s", kind)
	}
	itemKind := items[0].Kind()
	if bk, ok := itemKind.BatchKind(); !ok || bk != kind {
		return nil, fmt.Errorf("message: %s cannot hold %s", kind, itemKind)
	}
	for i, m := range items {
		if m.Kind() != itemKind {
			return nil, fmt.Errorf("message: item %d of %s has kind %s, want %s", i, kind, m.Kind(), itemKind)
		}
	}
	return &Batch{
		id:        NewID(),
		kind:      kind,
		itemKind:  itemKind,
		items:     items,
		createdAt: time.Now(),
	}, nil
}

func (b *Batch) ID() string           { return b.id }
func (b *Batch) Kind() Kind           { return b.kind }
func (b *Batch) CreatedAt() time.Time { return b.createdAt }

// ItemKind returns the kind of the batched messages.
func (b *Batch) ItemKind() Kind { return b.itemKind }

// Items returns the batched messages in insertion order.
// The returned slice must not be modified.
func (b *Batch) Items() []Message { return b.items }

// Len returns the number of batched messages.
func (b *Batch) Len() int { return len(b.items) }

func (b *Batch) sealed() {}

// String returns a compact representation for logging.
func (b *Batch) String() string {
	return fmt.Sprintf("%s{id=%s size=%d}", b.kind, b.id, len(b.items))
}
