package tracestream

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/tracestream/pkg/batch"
	"github.com/jdziat/tracestream/pkg/consumer"
	"github.com/jdziat/tracestream/pkg/message"
	"github.com/jdziat/tracestream/pkg/queue"
	"github.com/jdziat/tracestream/pkg/upload"
)

// Default configuration values.
const (
	// DefaultMaxQueueSize bounds the message queue.
	DefaultMaxQueueSize = 10000

	// UnboundedQueue as MaxQueueSize removes the queue limit.
	UnboundedQueue = -1

	// DefaultConsumers is the number of queue consumers.
	DefaultConsumers = 1

	// DefaultUploadWorkers is the size of the attachment upload pool.
	DefaultUploadWorkers = upload.DefaultWorkers

	// DefaultFlushTimeout bounds the flush performed by Close when no timeout
	// is given.
	DefaultFlushTimeout = 30 * time.Second

	// DefaultUploadSleep is the polling interval used by Close's flush.
	DefaultUploadSleep = 100 * time.Millisecond

	// DefaultErrorBufferSize is the capacity of the async error channel.
	DefaultErrorBufferSize = 100

	// MaxConsumers caps Consumers.
	MaxConsumers = 64

	// MaxUploadWorkers caps UploadWorkers.
	MaxUploadWorkers = 256
)

// Config holds the streamer configuration.
//
// Fields tagged yaml can be loaded from a file with LoadConfig and
// overridden from the environment (see env.go).
type Config struct {
	// MaxQueueSize is the capacity of the message queue. Zero selects
	// DefaultMaxQueueSize; UnboundedQueue removes the limit.
	MaxQueueSize int `yaml:"max_queue_size"`

	// UseBatching routes batchable kinds through per-kind batchers. When
	// false every message is sent on its own.
	UseBatching bool `yaml:"use_batching"`

	// Batching holds the batcher settings per kind wire name, e.g.
	// "create_span". Batchable kinds without an entry use the defaults.
	Batching map[string]batch.Config `yaml:"batching"`

	// Consumers is the number of goroutines reading the queue. With more
	// than one consumer, ordering within a kind is no longer guaranteed.
	Consumers int `yaml:"consumers"`

	// UploadWorkers is the size of the attachment upload pool.
	UploadWorkers int `yaml:"upload_workers"`

	// UploadTimeout bounds a single attachment upload. Zero leaves it to the
	// uploader.
	UploadTimeout time.Duration `yaml:"upload_timeout"`

	// PollTimeout bounds how long a consumer waits for a message.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// DefaultRetryAfter is the backoff used when a rate-limit signal carries
	// no delay.
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`

	// FlushTimeout bounds the flush performed by Close when Close is called
	// with a non-positive timeout.
	FlushTimeout time.Duration `yaml:"flush_timeout"`

	// IdleWarningDuration logs a warning when nothing is put for this long.
	// Zero disables the warning.
	IdleWarningDuration time.Duration `yaml:"idle_warning_duration"`

	// ErrorBufferSize is the capacity of the async error channel.
	ErrorBufferSize int `yaml:"error_buffer_size"`

	// Debug installs a debug-level slog logger on stderr when Logger is nil.
	Debug bool `yaml:"debug"`

	// Logger receives pipeline logs. Defaults to NopLogger, or a debug logger
	// when Debug is set.
	Logger StructuredLogger `yaml:"-"`

	// Metrics receives pipeline metrics. Optional.
	Metrics Metrics `yaml:"-"`

	// OnError is called for every dropped message and failed upload.
	OnError func(*AsyncError) `yaml:"-"`

	// OnBackpressure is called when the queue's fill level changes.
	OnBackpressure func(BackpressureState) `yaml:"-"`

	// BackpressureThreshold sets the fill percentages of the levels.
	BackpressureThreshold queue.Threshold `yaml:"-"`

	// clock is replaced in tests.
	clock func() time.Time
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{UseBatching: true}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. It does not change UseBatching, whose
// zero value is meaningful.
func (c *Config) ApplyDefaults() {
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Consumers <= 0 {
		c.Consumers = DefaultConsumers
	}
	if c.UploadWorkers <= 0 {
		c.UploadWorkers = DefaultUploadWorkers
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = consumer.DefaultPollTimeout
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = consumer.DefaultRetryAfter
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.ErrorBufferSize <= 0 {
		c.ErrorBufferSize = DefaultErrorBufferSize
	}
}

// logger returns the configured logger, a debug logger, or NopLogger.
func (c *Config) logger() StructuredLogger {
	switch {
	case c.Logger != nil:
		return c.Logger
	case c.Debug:
		return debugLogger()
	default:
		return NopLogger{}
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxQueueSize < UnboundedQueue {
		errs = append(errs, fmt.Errorf("max_queue_size must be positive or %d, got %d", UnboundedQueue, c.MaxQueueSize))
	}
	if c.Consumers > MaxConsumers {
		errs = append(errs, fmt.Errorf("consumers must be at most %d, got %d", MaxConsumers, c.Consumers))
	}
	if c.UploadWorkers > MaxUploadWorkers {
		errs = append(errs, fmt.Errorf("upload_workers must be at most %d, got %d", MaxUploadWorkers, c.UploadWorkers))
	}
	if c.UploadTimeout < 0 {
		errs = append(errs, fmt.Errorf("upload_timeout must not be negative, got %s", c.UploadTimeout))
	}

	names := make([]string, 0, len(c.Batching))
	for name := range c.Batching {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		k, err := message.ParseKind(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("batching: %w", err))
			continue
		}
		if _, ok := k.BatchKind(); !ok {
			errs = append(errs, fmt.Errorf("batching: %s is not batchable", name))
			continue
		}
		bc := c.Batching[name]
		if bc.MaxBatchSize < 0 || bc.FlushInterval < 0 {
			errs = append(errs, fmt.Errorf("batching: %s: limits must not be negative", name))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// batchConfigs merges Batching over the per-kind defaults.
func (c *Config) batchConfigs() (map[message.Kind]batch.Config, error) {
	configs := batch.DefaultConfigs()
	for name, bc := range c.Batching {
		k, err := message.ParseKind(name)
		if err != nil {
			return nil, err
		}
		def := configs[k]
		if bc.MaxBatchSize > 0 {
			def.MaxBatchSize = bc.MaxBatchSize
		}
		if bc.FlushInterval > 0 {
			def.FlushInterval = bc.FlushInterval
		}
		configs[k] = def
	}
	return configs, nil
}

// ValidationError lists every problem found by Config.Validate.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "tracestream: invalid config: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("tracestream: invalid config: %d errors: %v", len(e.Errors), errors.Join(e.Errors...))
}

// Unwrap returns the individual errors.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// LoadConfig reads a YAML configuration file over DefaultConfig, then applies
// TRACESTREAM_* environment overrides.
//
//	max_queue_size: 5000
//	consumers: 2
//	batching:
//	  create_span:
//	    max_batch_size: 200
//	    flush_interval: 500ms
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tracestream: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration over DefaultConfig, then applies
// TRACESTREAM_* environment overrides.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("tracestream: parse config: %w", err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
