package batch

import (
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/jdziat/tracestream/pkg/message"
)

// DefaultConfigs returns the default batcher configuration for every
// batchable kind.
func DefaultConfigs() map[message.Kind]Config {
	configs := make(map[message.Kind]Config)
	for _, k := range message.Kinds() {
		if _, ok := k.BatchKind(); ok {
			configs[k] = Config{
				MaxBatchSize:  DefaultMaxBatchSize,
				FlushInterval: DefaultFlushInterval,
			}
		}
	}
	return configs
}

// Manager owns one Batcher per batchable kind.
type Manager struct {
	batchers map[message.Kind]*Batcher
	order    []message.Kind
}

// NewManager creates a batcher for every kind in configs. All batchers share
// the flush callback.
func NewManager(configs map[message.Kind]Config, onFlush FlushFunc, now Clock) (*Manager, error) {
	m := &Manager{batchers: make(map[message.Kind]*Batcher, len(configs))}
	for kind, cfg := range configs {
		b, err := NewBatcher(kind, cfg, onFlush, now)
		if err != nil {
			return nil, err
		}
		m.batchers[kind] = b
		m.order = append(m.order, kind)
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })
	return m, nil
}

// Batcher returns the batcher for kind, or nil.
func (m *Manager) Batcher(kind message.Kind) *Batcher {
	return m.batchers[kind]
}

// Process adds msg to the batcher for its kind. It returns false when no
// batcher handles that kind; the caller then sends msg on its own.
func (m *Manager) Process(msg message.Message) (bool, error) {
	b, ok := m.batchers[msg.Kind()]
	if !ok {
		return false, nil
	}
	return true, b.Add(msg)
}

// FlushReady flushes every batcher whose flush interval has elapsed.
func (m *Manager) FlushReady() error {
	var errs []error
	for _, kind := range m.order {
		b := m.batchers[kind]
		if b.IsReadyToFlush() {
			if err := b.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return stderrors.Join(errs...)
}

// FlushAll flushes every non-empty batcher.
func (m *Manager) FlushAll() error {
	var errs []error
	for _, kind := range m.order {
		if err := m.batchers[kind].Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// IsEmpty reports whether every batcher is empty.
func (m *Manager) IsEmpty() bool {
	for _, b := range m.batchers {
		if !b.IsEmpty() {
			return false
		}
	}
	return true
}

// Pending returns the number of messages held across all batchers.
func (m *Manager) Pending() int {
	n := 0
	for _, b := range m.batchers {
		n += b.Len()
	}
	return n
}

// String lists the managed kinds.
func (m *Manager) String() string {
	return fmt.Sprintf("batch.Manager%v", m.order)
}
