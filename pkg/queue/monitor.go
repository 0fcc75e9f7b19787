package queue

import (
	"sync/atomic"
	"time"
)

// Logger is the logging surface used by this package.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics is the metrics surface used by this package.
type Metrics interface {
	IncrementCounter(name string, value int64)
	SetGauge(name string, value float64)
}

// Level indicates the severity of queue backpressure.
type Level int32

const (
	// LevelNone indicates the queue is operating normally.
	LevelNone Level = iota
	// LevelWarning indicates the queue is filling up.
	LevelWarning
	// LevelCritical indicates the queue is nearly full.
	LevelCritical
	// LevelOverflow indicates the queue is evicting items.
	LevelOverflow
)

// String returns a human-readable representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Threshold defines the fill percentages at which levels are entered.
type Threshold struct {
	WarningPercent  float64
	CriticalPercent float64
	OverflowPercent float64
}

// DefaultThreshold returns 50/80/95 percent thresholds.
func DefaultThreshold() Threshold {
	return Threshold{
		WarningPercent:  50.0,
		CriticalPercent: 80.0,
		OverflowPercent: 95.0,
	}
}

// State is a snapshot of queue occupancy.
type State struct {
	Size        int
	Capacity    int
	Level       Level
	PercentFull float64
	Timestamp   time.Time
}

// Callback is called when the backpressure level changes.
type Callback func(state State)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Capacity is the queue capacity. Required; a monitor on an unbounded
	// queue always reports LevelNone.
	Capacity int

	// Threshold defaults to DefaultThreshold.
	Threshold Threshold

	OnLevelChange Callback
	Logger        Logger
	Metrics       Metrics
}

// Monitor tracks queue occupancy and reports backpressure level changes.
type Monitor struct {
	threshold Threshold
	capacity  int
	logger    Logger
	metrics   Metrics
	callback  Callback

	level        atomic.Int32
	lastState    atomic.Value // State
	drops        atomic.Int64
	stateChanges atomic.Int64
}

// NewMonitor creates a monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	threshold := cfg.Threshold
	defaults := DefaultThreshold()
	if threshold.WarningPercent <= 0 {
		threshold.WarningPercent = defaults.WarningPercent
	}
	if threshold.CriticalPercent <= 0 {
		threshold.CriticalPercent = defaults.CriticalPercent
	}
	if threshold.OverflowPercent <= 0 {
		threshold.OverflowPercent = defaults.OverflowPercent
	}

	m := &Monitor{
		threshold: threshold,
		capacity:  cfg.Capacity,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		callback:  cfg.OnLevelChange,
	}
	m.lastState.Store(State{Capacity: cfg.Capacity, Timestamp: time.Now()})
	return m
}

// Update records the current queue size and returns the resulting level.
func (m *Monitor) Update(size int) Level {
	var percentFull float64
	if m.capacity > 0 {
		percentFull = float64(size) / float64(m.capacity) * 100.0
	}

	var level Level
	switch {
	case m.capacity <= 0:
		level = LevelNone
	case percentFull >= m.threshold.OverflowPercent:
		level = LevelOverflow
	case percentFull >= m.threshold.CriticalPercent:
		level = LevelCritical
	case percentFull >= m.threshold.WarningPercent:
		level = LevelWarning
	default:
		level = LevelNone
	}

	state := State{
		Size:        size,
		Capacity:    m.capacity,
		Level:       level,
		PercentFull: percentFull,
		Timestamp:   time.Now(),
	}
	m.lastState.Store(state)
	old := Level(m.level.Swap(int32(level)))

	if m.metrics != nil {
		m.metrics.SetGauge("tracestream.queue.size", float64(size))
	}

	if old != level {
		m.stateChanges.Add(1)
		m.onLevelChange(old, level, state)
	}
	return level
}

// RecordDrop counts an item evicted or rejected by the queue.
func (m *Monitor) RecordDrop() {
	m.drops.Add(1)
	if m.metrics != nil {
		m.metrics.IncrementCounter("tracestream.queue.evicted", 1)
	}
}

func (m *Monitor) onLevelChange(from, to Level, state State) {
	if m.logger != nil {
		if to > LevelNone {
			m.logger.Warn("queue backpressure level changed",
				"from", from.String(), "to", to.String(),
				"size", state.Size, "capacity", state.Capacity,
				"percent_full", state.PercentFull)
		} else {
			m.logger.Info("queue backpressure cleared", "size", state.Size, "capacity", state.Capacity)
		}
	}

	if m.metrics != nil {
		m.metrics.IncrementCounter("tracestream.queue.level_changes", 1)
		m.metrics.SetGauge("tracestream.queue.level", float64(to))
	}

	if m.callback != nil {
		m.callback(state)
	}
}

// Level returns the current level.
func (m *Monitor) Level() Level {
	return Level(m.level.Load())
}

// State returns the last recorded state.
func (m *Monitor) State() State {
	return m.lastState.Load().(State)
}

// Drops returns the number of evicted or rejected items.
func (m *Monitor) Drops() int64 {
	return m.drops.Load()
}

// StateChanges returns the number of level transitions.
func (m *Monitor) StateChanges() int64 {
	return m.stateChanges.Load()
}
