package tracestream

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names for configuration.
const (
	// EnvConfigFile names a YAML file read by ConfigFromEnv.
	EnvConfigFile = "TRACESTREAM_CONFIG"
	// EnvMaxQueueSize overrides Config.MaxQueueSize.
	EnvMaxQueueSize = "TRACESTREAM_MAX_QUEUE_SIZE"
	// EnvUseBatching overrides Config.UseBatching.
	EnvUseBatching = "TRACESTREAM_USE_BATCHING"
	// EnvConsumers overrides Config.Consumers.
	EnvConsumers = "TRACESTREAM_CONSUMERS"
	// EnvUploadWorkers overrides Config.UploadWorkers.
	EnvUploadWorkers = "TRACESTREAM_UPLOAD_WORKERS"
	// EnvUploadTimeout overrides Config.UploadTimeout.
	EnvUploadTimeout = "TRACESTREAM_UPLOAD_TIMEOUT"
	// EnvFlushTimeout overrides Config.FlushTimeout.
	EnvFlushTimeout = "TRACESTREAM_FLUSH_TIMEOUT"
	// EnvDebug enables debug logging.
	EnvDebug = "TRACESTREAM_DEBUG"
)

// ConfigFromEnv builds a configuration from the environment. If
// TRACESTREAM_CONFIG is set the file it names is loaded first.
func ConfigFromEnv() (*Config, error) {
	if path := os.Getenv(EnvConfigFile); path != "" {
		return LoadConfig(path)
	}
	cfg := DefaultConfig()
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewFromEnv creates a streamer configured from the environment. Explicit
// options take precedence over environment values.
//
//	s, err := tracestream.NewFromEnv(processor, uploader)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(10 * time.Second)
func NewFromEnv(processor Processor, uploader Uploader, opts ...Option) (*Streamer, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return NewFromConfig(cfg, processor, uploader)
}

// applyEnv overlays environment values on cfg. lookup is os.LookupEnv
// outside of tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	intVar := func(name string, dst *int) error {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("tracestream: %s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}
	boolVar := func(name string, dst *bool) error {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("tracestream: %s: %w", name, err)
			}
			*dst = b
		}
		return nil
	}
	durationVar := func(name string, dst *time.Duration) error {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("tracestream: %s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}

	for _, err := range []error{
		intVar(EnvMaxQueueSize, &cfg.MaxQueueSize),
		boolVar(EnvUseBatching, &cfg.UseBatching),
		intVar(EnvConsumers, &cfg.Consumers),
		intVar(EnvUploadWorkers, &cfg.UploadWorkers),
		durationVar(EnvUploadTimeout, &cfg.UploadTimeout),
		durationVar(EnvFlushTimeout, &cfg.FlushTimeout),
		boolVar(EnvDebug, &cfg.Debug),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
