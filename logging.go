package tracestream

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger is a printf-style logger such as *log.Logger.
// Wrap it with WrapPrintfLogger to use it with the streamer.
type Logger interface {
	Printf(format string, v ...any)
}

// StructuredLogger provides leveled, key-value logging. It is satisfied by
// SlogAdapter and by most structured logging libraries through a thin
// wrapper.
//
// Use WithLogger to configure:
//
//	s, _ := tracestream.New(processor, uploader,
//	    tracestream.WithLogger(tracestream.NewSlogAdapter(slog.Default())),
//	)
type StructuredLogger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// Metrics receives pipeline telemetry. Metric names are listed in metrics.go.
type Metrics interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, value int64)
	// RecordDuration records a duration metric.
	RecordDuration(name string, duration time.Duration)
	// SetGauge sets a gauge metric.
	SetGauge(name string, value float64)
}

// printfLoggerWrapper wraps a printf-style logger to implement StructuredLogger.
type printfLoggerWrapper struct {
	logger Logger
}

// WrapPrintfLogger wraps a printf-style Logger (like *log.Logger) to implement
// StructuredLogger. Every message is prefixed with its level and followed by
// its key-value pairs.
//
//	s, _ := tracestream.New(processor, uploader,
//	    tracestream.WithLogger(tracestream.WrapPrintfLogger(log.Default())),
//	)
func WrapPrintfLogger(l Logger) StructuredLogger {
	return &printfLoggerWrapper{logger: l}
}

func (w *printfLoggerWrapper) Debug(msg string, args ...any) {
	w.logger.Printf("[DEBUG] %s%s", msg, formatArgs(args))
}

func (w *printfLoggerWrapper) Info(msg string, args ...any) {
	w.logger.Printf("[INFO] %s%s", msg, formatArgs(args))
}

func (w *printfLoggerWrapper) Warn(msg string, args ...any) {
	w.logger.Printf("[WARN] %s%s", msg, formatArgs(args))
}

func (w *printfLoggerWrapper) Error(msg string, args ...any) {
	w.logger.Printf("[ERROR] %s%s", msg, formatArgs(args))
}

var _ StructuredLogger = (*printfLoggerWrapper)(nil)

// formatArgs formats structured logging arguments as " | k=v k=v".
// A trailing key without a value is printed as "k=<missing>".
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(" |")
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v=<missing>", args[i])
		}
	}
	return b.String()
}

// NopLogger discards all log messages.
type NopLogger struct{}

// Printf implements Logger.
func (NopLogger) Printf(format string, v ...any) {}

// Debug implements StructuredLogger.
func (NopLogger) Debug(msg string, args ...any) {}

// Info implements StructuredLogger.
func (NopLogger) Info(msg string, args ...any) {}

// Warn implements StructuredLogger.
func (NopLogger) Warn(msg string, args ...any) {}

// Error implements StructuredLogger.
func (NopLogger) Error(msg string, args ...any) {}

var (
	_ Logger           = NopLogger{}
	_ StructuredLogger = NopLogger{}
)

// SlogAdapter adapts a *slog.Logger to StructuredLogger.
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	s, _ := tracestream.New(processor, uploader,
//	    tracestream.WithLogger(tracestream.NewSlogAdapter(logger)),
//	)
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter wrapping logger.
// If logger is nil, slog.Default() is used.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Debug implements StructuredLogger.
func (a *SlogAdapter) Debug(msg string, args ...any) {
	a.logger.Debug(msg, args...)
}

// Info implements StructuredLogger.
func (a *SlogAdapter) Info(msg string, args ...any) {
	a.logger.Info(msg, args...)
}

// Warn implements StructuredLogger.
func (a *SlogAdapter) Warn(msg string, args ...any) {
	a.logger.Warn(msg, args...)
}

// Error implements StructuredLogger.
func (a *SlogAdapter) Error(msg string, args ...any) {
	a.logger.Error(msg, args...)
}

// Printf implements Logger, logging at Info level.
func (a *SlogAdapter) Printf(format string, v ...any) {
	a.logger.Info(fmt.Sprintf(format, v...))
}

// WithGroup returns a new SlogAdapter with a log group prefix.
func (a *SlogAdapter) WithGroup(name string) *SlogAdapter {
	return &SlogAdapter{logger: a.logger.WithGroup(name)}
}

// With returns a new SlogAdapter with the given attributes added.
func (a *SlogAdapter) With(args ...any) *SlogAdapter {
	return &SlogAdapter{logger: a.logger.With(args...)}
}

// debugLogger is installed by WithDebug when no logger is configured.
func debugLogger() StructuredLogger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogAdapter(slog.New(h)).With("component", "tracestream")
}

// WrapStdLogger wraps a standard library *log.Logger.
// It is equivalent to WrapPrintfLogger(l).
func WrapStdLogger(l *log.Logger) StructuredLogger {
	return &printfLoggerWrapper{logger: l}
}
