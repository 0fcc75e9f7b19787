// Package batch accumulates same-kind messages into batches.
//
// A Batcher emits a batch when it holds MaxBatchSize messages or when
// FlushInterval has passed since its last flush. A Manager holds one Batcher
// per batchable kind and is owned by a single streamer.
package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/tracestream/pkg/message"
)

// Default batching limits.
const (
	DefaultMaxBatchSize  = 1000
	DefaultFlushInterval = time.Second
)

// Config configures a Batcher.
type Config struct {
	// MaxBatchSize is the number of messages that triggers an immediate flush.
	MaxBatchSize int `yaml:"max_batch_size"`

	// FlushInterval is the maximum age of a non-empty batch.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// FlushFunc receives every emitted batch.
type FlushFunc func(*message.Batch)

// Clock returns the current time.
type Clock func() time.Time

// Batcher accumulates messages of one kind.
//
// The flush callback is invoked without the batcher's lock held. Batches are
// delivered to the callback in the order they were cut, even when Add and
// Flush race on different goroutines.
type Batcher struct {
	itemKind  message.Kind
	batchKind message.Kind
	cfg       Config
	onFlush   FlushFunc
	now       Clock

	mu        sync.Mutex
	pending   []message.Message
	lastFlush time.Time
	nextTurn  uint64
	emitting  int // messages cut but not yet handed to onFlush

	turnMu   sync.Mutex
	turnCond *sync.Cond
	turn     uint64
}

// NewBatcher creates a batcher for messages of itemKind.
func NewBatcher(itemKind message.Kind, cfg Config, onFlush FlushFunc, now Clock) (*Batcher, error) {
	batchKind, ok := itemKind.BatchKind()
	if !ok {
		return nil, fmt.Errorf("batch: %s is not batchable", itemKind)
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("batch: max batch size for %s must be at least 1, got %d", itemKind, cfg.MaxBatchSize)
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("batch: flush interval for %s must be positive, got %s", itemKind, cfg.FlushInterval)
	}
	if onFlush == nil {
		return nil, fmt.Errorf("batch: flush callback for %s is nil", itemKind)
	}
	if now == nil {
		now = time.Now
	}

	b := &Batcher{
		itemKind:  itemKind,
		batchKind: batchKind,
		cfg:       cfg,
		onFlush:   onFlush,
		now:       now,
		pending:   make([]message.Message, 0, initialCapacity(cfg.MaxBatchSize)),
		lastFlush: now(),
	}
	b.turnCond = sync.NewCond(&b.turnMu)
	return b, nil
}

func initialCapacity(maxBatchSize int) int {
	return min(maxBatchSize, 64)
}

// Kind returns the kind of message the batcher accepts.
func (b *Batcher) Kind() message.Kind {
	return b.itemKind
}

// Add appends msg. If the batcher reaches MaxBatchSize, or the flush interval
// has elapsed, the pending messages are emitted before Add returns and the
// buffer is left empty.
func (b *Batcher) Add(msg message.Message) error {
	if msg.Kind() != b.itemKind {
		return fmt.Errorf("batch: %s batcher cannot accept %s", b.itemKind, msg.Kind())
	}

	b.mu.Lock()
	b.pending = append(b.pending, msg)
	if len(b.pending) < b.cfg.MaxBatchSize && !b.intervalElapsed() {
		b.mu.Unlock()
		return nil
	}
	items, turn := b.cut()
	b.mu.Unlock()

	return b.emit(items, turn)
}

// Flush emits the pending messages. It is a no-op when the batcher is empty
// and otherwise returns after the callback has received the batch.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items, turn := b.cut()
	b.mu.Unlock()

	return b.emit(items, turn)
}

// IsEmpty reports whether no messages are pending and no cut batch is still
// on its way to the flush callback.
func (b *Batcher) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) == 0 && b.emitting == 0
}

// Len returns the number of pending messages, including those in a batch
// that has been cut but not yet delivered.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) + b.emitting
}

// IsReadyToFlush reports whether messages are pending and the flush interval
// has elapsed since the last flush.
func (b *Batcher) IsReadyToFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0 && b.intervalElapsed()
}

// intervalElapsed is called with mu held.
func (b *Batcher) intervalElapsed() bool {
	return b.now().Sub(b.lastFlush) >= b.cfg.FlushInterval
}

// cut takes the pending messages and reserves a delivery turn. Called with mu held.
func (b *Batcher) cut() ([]message.Message, uint64) {
	items := b.pending
	b.pending = make([]message.Message, 0, initialCapacity(b.cfg.MaxBatchSize))
	b.lastFlush = b.now()
	b.emitting += len(items)
	turn := b.nextTurn
	b.nextTurn++
	return items, turn
}

func (b *Batcher) emit(items []message.Message, turn uint64) error {
	b.turnMu.Lock()
	for b.turn != turn {
		b.turnCond.Wait()
	}
	b.turnMu.Unlock()

	defer func() {
		b.mu.Lock()
		b.emitting -= len(items)
		b.mu.Unlock()

		b.turnMu.Lock()
		b.turn++
		b.turnCond.Broadcast()
		b.turnMu.Unlock()
	}()

	batch, err := message.NewBatch(b.batchKind, items)
	if err != nil {
		return fmt.Errorf("batch: build %s: %w", b.batchKind, err)
	}
	b.onFlush(batch)
	return nil
}
