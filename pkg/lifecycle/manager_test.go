package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprint(msg, args))
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func TestManager_Creation(t *testing.T) {
	m := NewManager(nil)
	defer m.CompleteClose()

	if m.State() != StateRunning {
		t.Errorf("State() = %v, want %v", m.State(), StateRunning)
	}
	if !m.Accepting() {
		t.Error("Accepting() = false, want true")
	}
}

func TestManager_CloseTransitions(t *testing.T) {
	var transitions []string
	m := NewManager(&Config{
		OnStateChange: func(old, new State) {
			transitions = append(transitions, old.String()+"->"+new.String())
		},
	})

	if !m.BeginClose() {
		t.Fatal("first BeginClose() = false")
	}
	if m.State() != StateDraining {
		t.Errorf("after BeginClose() State() = %v, want %v", m.State(), StateDraining)
	}
	if m.Accepting() {
		t.Error("after BeginClose() Accepting() = true")
	}
	if m.BeginClose() {
		t.Error("second BeginClose() = true")
	}

	m.CompleteClose()
	m.CompleteClose()
	if m.State() != StateStopped {
		t.Errorf("after CompleteClose() State() = %v, want %v", m.State(), StateStopped)
	}

	want := []string{"running->draining", "draining->stopped"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestManager_DrainIsReentrant(t *testing.T) {
	m := NewManager(nil)
	defer m.CompleteClose()

	end1, err := m.BeginDrain()
	if err != nil {
		t.Fatalf("BeginDrain() error = %v", err)
	}
	end2, err := m.BeginDrain()
	if err != nil {
		t.Fatalf("overlapping BeginDrain() error = %v", err)
	}
	if m.State() != StateDraining {
		t.Fatalf("State() = %v, want draining", m.State())
	}
	if !m.Accepting() {
		t.Error("flush stopped the manager from accepting")
	}

	end1()
	end1()
	if m.State() != StateDraining {
		t.Errorf("State() after first drain ended = %v, want draining", m.State())
	}

	end2()
	if m.State() != StateRunning {
		t.Errorf("State() after last drain ended = %v, want running", m.State())
	}
}

func TestManager_DrainDuringClose(t *testing.T) {
	m := NewManager(nil)

	end, _ := m.BeginDrain()
	m.BeginClose()
	end()
	if m.State() != StateDraining {
		t.Errorf("State() = %v, want draining while close is in progress", m.State())
	}

	m.CompleteClose()
	if _, err := m.BeginDrain(); !errors.Is(err, ErrStopped) {
		t.Errorf("BeginDrain() after stop error = %v, want ErrStopped", err)
	}
}

func TestManager_IdleWarning(t *testing.T) {
	logger := &recordingLogger{}
	m := NewManager(&Config{
		IdleWarningDuration: 20 * time.Millisecond,
		Logger:              logger,
	})

	deadline := time.Now().Add(2 * time.Second)
	for logger.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.CompleteClose()

	if got := logger.count(); got != 1 {
		t.Errorf("idle warnings = %d, want exactly 1", got)
	}
}

func TestManager_RecordActivity(t *testing.T) {
	m := NewManager(nil)
	defer m.CompleteClose()

	before := m.LastActivity()
	time.Sleep(10 * time.Millisecond)
	m.RecordActivity()

	if !m.LastActivity().After(before) {
		t.Error("LastActivity() did not advance")
	}
	if stats := m.Stats(); stats.State != StateRunning || stats.Drainers != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestManager_ConcurrentDrains(t *testing.T) {
	m := NewManager(nil)
	defer m.CompleteClose()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			end, err := m.BeginDrain()
			if err != nil {
				t.Error(err)
				return
			}
			time.Sleep(time.Millisecond)
			end()
		}()
	}
	wg.Wait()

	if m.State() != StateRunning {
		t.Errorf("State() = %v, want running", m.State())
	}
}
