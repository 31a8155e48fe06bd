// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"
)

// External store modes.
const (
	ExternalHTTP   = "http"
	ExternalMemory = "memory"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DatabasePath is the SQLite file holding submissions and the ledger.
	DatabasePath string `koanf:"database_path"`

	// RegistryPath overrides the embedded schema registry when set.
	RegistryPath string `koanf:"registry_path"`

	// QueueSize bounds the in-memory projection queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of projection workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize caps how many submissions may be in flight at once.
	DedupeSize int `koanf:"dedupe_size"`

	// SweepIntervalMS is how often non-terminal submissions are re-queued.
	SweepIntervalMS int `koanf:"sweep_interval_ms"`

	// Projection retry policy.
	ProjectionMaxAttempts      int `koanf:"projection_max_attempts"`
	ProjectionBackoffInitialMS int `koanf:"projection_backoff_initial_ms"`
	ProjectionBackoffMaxMS     int `koanf:"projection_backoff_max_ms"`
	ProjectionCallTimeoutMS    int `koanf:"projection_call_timeout_ms"`

	// ExternalMode is http for a real list service or memory for local runs.
	ExternalMode    string `koanf:"external_mode"`
	ExternalBaseURL string `koanf:"external_base_url"`
	ExternalList    string `koanf:"external_list"`
	ExternalToken   string `koanf:"external_token"`

	// MaxListLimit caps list endpoints' ?limit.
	MaxListLimit int `koanf:"max_list_limit"`
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:                   "info",
		LogFormat:                  "text",
		Addr:                       ":9080",
		DatabasePath:               "intake.db",
		QueueSize:                  10_000,
		WorkerCount:                runtime.NumCPU() * 2,
		DedupeSize:                 50_000,
		SweepIntervalMS:            60_000,
		ProjectionMaxAttempts:      5,
		ProjectionBackoffInitialMS: 500,
		ProjectionBackoffMaxMS:     30_000,
		ProjectionCallTimeoutMS:    10_000,
		ExternalMode:               ExternalMemory,
		MaxListLimit:               500,
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.DatabasePath == "":
		return fmt.Errorf("%w: database_path must not be empty", ErrInvalidConfig)
	case c.QueueSize < 1:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount < 1:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.ProjectionMaxAttempts < 1:
		return fmt.Errorf("%w: projection_max_attempts must be positive", ErrInvalidConfig)
	case c.ProjectionBackoffInitialMS < 1 || c.ProjectionBackoffMaxMS < c.ProjectionBackoffInitialMS:
		return fmt.Errorf("%w: projection backoff must satisfy 0 < initial <= max", ErrInvalidConfig)
	case c.ProjectionCallTimeoutMS < 1:
		return fmt.Errorf("%w: projection_call_timeout_ms must be positive", ErrInvalidConfig)
	case c.SweepIntervalMS < 1:
		return fmt.Errorf("%w: sweep_interval_ms must be positive", ErrInvalidConfig)
	case c.MaxListLimit < 1:
		return fmt.Errorf("%w: max_list_limit must be positive", ErrInvalidConfig)
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json", ErrInvalidConfig)
	}

	switch c.ExternalMode {
	case ExternalMemory:
	case ExternalHTTP:
		u, err := url.Parse(c.ExternalBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: external_base_url must be an absolute URL in http mode", ErrInvalidConfig)
		}
		if c.ExternalList == "" {
			return fmt.Errorf("%w: external_list is required in http mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: external_mode must be %s or %s", ErrInvalidConfig, ExternalHTTP, ExternalMemory)
	}
	return nil
}

// SweepInterval returns SweepIntervalMS as a duration.
func (c *Config) SweepInterval() time.Duration { return ms(c.SweepIntervalMS) }

// BackoffInitial returns ProjectionBackoffInitialMS as a duration.
func (c *Config) BackoffInitial() time.Duration { return ms(c.ProjectionBackoffInitialMS) }

// BackoffMax returns ProjectionBackoffMaxMS as a duration.
func (c *Config) BackoffMax() time.Duration { return ms(c.ProjectionBackoffMaxMS) }

// CallTimeout returns ProjectionCallTimeoutMS as a duration.
func (c *Config) CallTimeout() time.Duration { return ms(c.ProjectionCallTimeoutMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
