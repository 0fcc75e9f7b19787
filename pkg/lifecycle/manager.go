// Package lifecycle tracks the state of a streamer.
//
// A streamer moves Running → Draining → Stopped. Draining is entered by
// Flush and by Close. Overlapping flushes share the Draining state and the
// streamer returns to Running when the last one finishes, unless Close has
// begun. Stopped is terminal.
//
// The Manager also watches for streamers that sit idle without being closed
// and logs a warning, since an unclosed streamer leaks its goroutines.
package lifecycle

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is a minimal logging interface.
type Logger interface {
	Warn(msg string, args ...any)
}

// Metrics is a minimal metrics interface.
type Metrics interface {
	IncrementCounter(name string, value int64)
	SetGauge(name string, value float64)
	RecordDuration(name string, d time.Duration)
}

// ErrStopped is returned by BeginDrain once the streamer has stopped.
var ErrStopped = errors.New("lifecycle: stopped")

// State is the lifecycle state of a streamer.
type State int32

const (
	// StateRunning accepts messages and processes them in the background.
	StateRunning State = iota

	// StateDraining is entered while a flush or close is in progress.
	StateDraining

	// StateStopped is terminal. No message is accepted.
	StateStopped
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures the lifecycle manager.
type Config struct {
	// IdleWarningDuration triggers a warning if no activity occurs within this duration.
	// Set to 0 to disable idle warnings.
	IdleWarningDuration time.Duration

	// Logger is used for warning messages.
	Logger Logger

	// Metrics is used for lifecycle metrics.
	Metrics Metrics

	// OnStateChange is called when the state changes. It runs with the
	// manager's lock held and must not call back into the manager.
	OnStateChange func(old, new State)
}

// Stats contains lifecycle statistics.
type Stats struct {
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	Uptime       time.Duration
	IdleDuration time.Duration
	Drainers     int
}

// Manager is the streamer state machine.
type Manager struct {
	mu       sync.Mutex
	state    State
	drainers int
	closing  bool

	createdAt    time.Time
	lastActivity atomic.Int64 // Unix nano timestamp

	// Idle detection
	idleWarningDuration time.Duration
	warningFired        atomic.Bool
	stopIdle            chan struct{}
	wg                  sync.WaitGroup

	logger        Logger
	metrics       Metrics
	onStateChange func(old, new State)
}

// NewManager creates a manager in StateRunning.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	now := time.Now()

	m := &Manager{
		state:               StateRunning,
		createdAt:           now,
		idleWarningDuration: cfg.IdleWarningDuration,
		stopIdle:            make(chan struct{}),
		logger:              cfg.Logger,
		metrics:             cfg.Metrics,
		onStateChange:       cfg.OnStateChange,
	}
	m.lastActivity.Store(now.UnixNano())

	if cfg.IdleWarningDuration > 0 && cfg.Logger != nil {
		m.wg.Add(1)
		go m.idleDetector()
	}

	if m.metrics != nil {
		m.metrics.IncrementCounter("tracestream.streamer.created", 1)
	}
	return m
}

func (m *Manager) idleDetector() {
	defer m.wg.Done()

	checkInterval := max(m.idleWarningDuration/2, 10*time.Millisecond)
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopIdle:
			return
		case <-ticker.C:
			idle := m.IdleDuration()
			if idle > m.idleWarningDuration && m.warningFired.CompareAndSwap(false, true) {
				m.logger.Warn("streamer idle without Close; its goroutines stay alive until Close is called",
					"idle", idle.Round(time.Millisecond),
					"created_at", m.createdAt.Format(time.RFC3339),
				)
				if m.metrics != nil {
					m.metrics.IncrementCounter("tracestream.streamer.idle_warning", 1)
				}
			}
		}
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Accepting reports whether new messages may be put. It is false from the
// moment Close begins.
func (m *Manager) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closing && m.state != StateStopped
}

// RecordActivity updates the last activity timestamp.
func (m *Manager) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last recorded activity.
func (m *Manager) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

// Uptime returns the duration since the manager was created.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.createdAt)
}

// IdleDuration returns the duration since the last activity.
func (m *Manager) IdleDuration() time.Duration {
	return time.Since(m.LastActivity())
}

// setState is called with mu held.
func (m *Manager) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.onStateChange != nil {
		m.onStateChange(from, to)
	}
	if m.metrics != nil {
		m.metrics.SetGauge("tracestream.streamer.state", float64(to))
	}
}

// BeginDrain enters StateDraining for the duration of a flush. The returned
// function ends this drain; when no other drain is active and Close has not
// begun, the state goes back to StateRunning.
func (m *Manager) BeginDrain() (end func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return nil, ErrStopped
	}
	m.drainers++
	m.setState(StateDraining)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.drainers--
			if m.drainers == 0 && !m.closing && m.state == StateDraining {
				m.setState(StateRunning)
			}
		})
	}, nil
}

// BeginClose stops accepting messages and enters StateDraining. Only the
// first call returns true; later calls return false and do nothing.
func (m *Manager) BeginClose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing || m.state == StateStopped {
		return false
	}
	m.closing = true
	m.setState(StateDraining)

	if m.metrics != nil {
		m.metrics.IncrementCounter("tracestream.streamer.close_initiated", 1)
		m.metrics.RecordDuration("tracestream.streamer.uptime", m.Uptime())
	}
	return true
}

// CompleteClose moves to StateStopped and stops the idle detector.
func (m *Manager) CompleteClose() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.closing = true
	m.setState(StateStopped)
	m.mu.Unlock()

	close(m.stopIdle)
	m.wg.Wait()

	if m.metrics != nil {
		m.metrics.IncrementCounter("tracestream.streamer.close_complete", 1)
	}
}

// Stats returns current lifecycle statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	state, drainers := m.state, m.drainers
	m.mu.Unlock()
	return Stats{
		State:        state,
		CreatedAt:    m.createdAt,
		LastActivity: m.LastActivity(),
		Uptime:       m.Uptime(),
		IdleDuration: m.IdleDuration(),
		Drainers:     drainers,
	}
}
