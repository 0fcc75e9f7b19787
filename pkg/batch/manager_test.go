package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/jdziat/tracestream/pkg/message"
)

func TestDefaultConfigsCoverBatchableKinds(t *testing.T) {
	configs := DefaultConfigs()
	for _, k := range message.Kinds() {
		_, batchable := k.BatchKind()
		_, configured := configs[k]
		if batchable != configured {
			t.Errorf("%s: batchable=%v configured=%v", k, batchable, configured)
		}
	}
}

func TestManagerRouting(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	m, err := NewManager(map[message.Kind]Config{
		message.KindCreateSpan:  {MaxBatchSize: 2, FlushInterval: time.Second},
		message.KindCreateTrace: {MaxBatchSize: 10, FlushInterval: 5 * time.Second},
	}, rec.flush, clock.Now)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	handled, err := m.Process(message.NewUpdateSpan("p", "s", nil))
	if handled || err != nil {
		t.Errorf("Process(update) = %v, %v; want false, nil", handled, err)
	}

	m.Process(message.NewCreateSpan("p", "s1", 1))
	m.Process(message.NewCreateTrace("p", "t1", 1))
	if m.IsEmpty() || m.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", m.Pending())
	}

	m.Process(message.NewCreateSpan("p", "s2", 2))
	if got := rec.get(); len(got) != 1 || got[0].Kind() != message.KindCreateSpansBatch {
		t.Fatalf("expected one spans batch, got %v", got)
	}

	clock.Advance(2 * time.Second)
	if err := m.FlushReady(); err != nil {
		t.Fatalf("FlushReady() error: %v", err)
	}
	if n := len(rec.get()); n != 1 {
		t.Errorf("FlushReady() flushed the traces batcher early (%d batches)", n)
	}

	clock.Advance(4 * time.Second)
	m.FlushReady()
	got := rec.get()
	if len(got) != 2 || got[1].Kind() != message.KindCreateTracesBatch {
		t.Fatalf("expected traces batch after interval, got %v", got)
	}
	if !m.IsEmpty() {
		t.Error("manager not empty")
	}
}

func TestManagerFlushAll(t *testing.T) {
	rec := &recorder{}
	m, err := NewManager(DefaultConfigs(), rec.flush, nil)
	if err != nil {
		t.Fatal(err)
	}

	m.Process(message.NewCreateSpan("p", "s1", nil))
	m.Process(message.NewTraceFeedbackScore("p", "t1", nil))
	m.Process(message.NewSpanFeedbackScore("p", "s1", nil))

	if err := m.FlushAll(); err != nil {
		t.Fatalf("FlushAll() error: %v", err)
	}
	if n := len(rec.get()); n != 3 {
		t.Errorf("FlushAll() emitted %d batches, want 3", n)
	}
	if !m.IsEmpty() {
		t.Error("manager not empty after FlushAll")
	}

	m.FlushAll()
	if n := len(rec.get()); n != 3 {
		t.Errorf("FlushAll() on empty manager emitted batches (%d total)", n)
	}
}

func TestManagerFlushAllOverlappingIntervalCut(t *testing.T) {
	clock := newFakeClock()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var rec recorder
	m, err := NewManager(DefaultConfigs(), func(b *message.Batch) {
		once.Do(func() {
			close(entered)
			<-release
		})
		rec.flush(b)
	}, clock.Now)
	if err != nil {
		t.Fatal(err)
	}

	m.Process(message.NewCreateSpan("p", "s1", nil))
	clock.Advance(2 * time.Second)

	// The interval cut blocks inside the callback.
	cut := make(chan error, 1)
	go func() { cut <- m.FlushReady() }()
	<-entered

	// FlushAll sees nothing pending, yet the manager must still report the
	// batch that is on its way out.
	if err := m.FlushAll(); err != nil {
		t.Fatalf("FlushAll() error: %v", err)
	}
	if m.IsEmpty() {
		t.Error("IsEmpty() = true while the interval cut is undelivered")
	}
	if got := m.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}

	close(release)
	if err := <-cut; err != nil {
		t.Fatalf("FlushReady() error: %v", err)
	}
	if !m.IsEmpty() {
		t.Error("manager not empty after the cut was delivered")
	}
	if n := len(rec.get()); n != 1 {
		t.Errorf("emitted %d batches, want 1", n)
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	_, err := NewManager(map[message.Kind]Config{
		message.KindUpdateTrace: {MaxBatchSize: 1, FlushInterval: time.Second},
	}, func(*message.Batch) {}, nil)
	if err == nil {
		t.Error("NewManager() accepted an unbatchable kind")
	}
}
