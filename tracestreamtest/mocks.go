package tracestreamtest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jdziat/tracestream"
)

var (
	_ tracestream.Metrics          = (*MockMetrics)(nil)
	_ tracestream.StructuredLogger = (*MockLogger)(nil)
)

// MockMetrics records every metrics call for later verification.
type MockMetrics struct {
	mu       sync.Mutex
	Counters map[string]int64
	Gauges   map[string]float64
	Timings  map[string][]time.Duration
}

// NewMockMetrics creates an empty MockMetrics.
func NewMockMetrics() *MockMetrics {
	return &MockMetrics{
		Counters: make(map[string]int64),
		Gauges:   make(map[string]float64),
		Timings:  make(map[string][]time.Duration),
	}
}

// IncrementCounter implements tracestream.Metrics.
func (m *MockMetrics) IncrementCounter(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name] += value
}

// RecordDuration implements tracestream.Metrics.
func (m *MockMetrics) RecordDuration(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], d)
}

// SetGauge implements tracestream.Metrics.
func (m *MockMetrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

// GetCounter returns the value of a counter.
func (m *MockMetrics) GetCounter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// GetGauge returns the value of a gauge.
func (m *MockMetrics) GetGauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Gauges[name]
}

// GetTimings returns every duration recorded under name.
func (m *MockMetrics) GetTimings(name string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration{}, m.Timings[name]...)
}

// Reset clears all recorded metrics.
func (m *MockMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters = make(map[string]int64)
	m.Gauges = make(map[string]float64)
	m.Timings = make(map[string][]time.Duration)
}

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	Args    []any
}

// String formats the entry as "LEVEL message key=value ...".
func (e LogEntry) String() string {
	var b strings.Builder
	b.WriteString(e.Level)
	b.WriteByte(' ')
	b.WriteString(e.Message)
	for i := 0; i+1 < len(e.Args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", e.Args[i], e.Args[i+1])
	}
	return b.String()
}

// MockLogger captures structured log calls.
type MockLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (l *MockLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Args: append([]any{}, args...)})
}

// Debug implements tracestream.StructuredLogger.
func (l *MockLogger) Debug(msg string, args ...any) { l.record("DEBUG", msg, args) }

// Info implements tracestream.StructuredLogger.
func (l *MockLogger) Info(msg string, args ...any) { l.record("INFO", msg, args) }

// Warn implements tracestream.StructuredLogger.
func (l *MockLogger) Warn(msg string, args ...any) { l.record("WARN", msg, args) }

// Error implements tracestream.StructuredLogger.
func (l *MockLogger) Error(msg string, args ...any) { l.record("ERROR", msg, args) }

// Entries returns the captured entries, optionally filtered by level.
func (l *MockLogger) Entries(levels ...string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(levels) == 0 {
		return append([]LogEntry{}, l.entries...)
	}
	var out []LogEntry
	for _, e := range l.entries {
		for _, level := range levels {
			if e.Level == level {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// HasMessage reports whether any entry at level has message msg.
func (l *MockLogger) HasMessage(level, msg string) bool {
	for _, e := range l.Entries(level) {
		if e.Message == msg {
			return true
		}
	}
	return false
}

// Reset clears all captured entries.
func (l *MockLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
