// Package config handles TOML configuration for conductor.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yairfalse/conductor/types"
)

// Config is the root configuration structure.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	WAL      WALConfig      `toml:"wal"`
	Log      LogConfig      `toml:"log"`
	OTEL     OTELConfig     `toml:"otel"`
	Workers  WorkersConfig  `toml:"workers"`
	Schedule ScheduleConfig `toml:"schedule"`
	Throttle ThrottleConfig `toml:"throttle"`
	Retry    RetryConfig    `toml:"retry"`
	Billing  BillingConfig  `toml:"billing"`
	AWS      AWSConfig      `toml:"aws"`
	Registry RegistryConfig `toml:"registry"`
}

// StorageConfig holds the bbolt store location.
type StorageConfig struct {
	Path string `toml:"path"`
}

// WALConfig holds audit log settings.
type WALConfig struct {
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings. Addr serves /metrics for scraping.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count int `toml:"count"`
}

// ScheduleConfig holds the pull intervals of the hourly and daily groups.
type ScheduleConfig struct {
	HourlyStr string `toml:"hourly"`
	DailyStr  string `toml:"daily"`
	Hourly    time.Duration
	Daily     time.Duration
}

// ThrottleConfig holds provisioning admission settings.
type ThrottleConfig struct {
	Limit         int            `toml:"limit"`
	RetryDelayStr string         `toml:"retry_delay"`
	MaxRetries    int            `toml:"max_retries"`
	PolicyFile    string         `toml:"policy_file"`
	Scopes        map[string]int `toml:"scopes"`
	RetryDelay    time.Duration
}

// RetryConfig holds the backend call retry budget.
type RetryConfig struct {
	Attempts    int    `toml:"attempts"`
	DelayStr    string `toml:"delay"`
	MaxDelayStr string `toml:"max_delay"`
	Delay       time.Duration
	MaxDelay    time.Duration
}

// BillingConfig holds Kill Bill connection settings. Billing is off when
// APIURL is empty.
type BillingConfig struct {
	APIURL     string `toml:"api_url"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	APIKey     string `toml:"api_key"`
	APISecret  string `toml:"api_secret"`
	Currency   string `toml:"currency"`
	TimeoutStr string `toml:"timeout"`
	Timeout    time.Duration
}

// Enabled reports whether a billing engine is configured.
func (b BillingConfig) Enabled() bool {
	return b.APIURL != ""
}

// AWSConfig holds the EC2 backend settings. The backend is off when Region
// is empty.
type AWSConfig struct {
	Region       string `toml:"region"`
	Profile      string `toml:"profile"`
	ImageID      string `toml:"image_id"`
	InstanceType string `toml:"instance_type"`
}

// RegistryConfig points at the consumable items file.
type RegistryConfig struct {
	ConsumablesFile string `toml:"consumables_file"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration an empty file produces.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := parseDurations(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data"
	}
	if cfg.WAL.Dir == "" {
		cfg.WAL.Dir = "data/wal"
	}
	if cfg.WAL.RetentionDays == 0 {
		cfg.WAL.RetentionDays = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "conductor"
	}
	if cfg.OTEL.Metrics.Addr == "" {
		cfg.OTEL.Metrics.Addr = ":9090"
	}
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = 4
	}
	if cfg.Schedule.HourlyStr == "" {
		cfg.Schedule.HourlyStr = "1h"
	}
	if cfg.Schedule.DailyStr == "" {
		cfg.Schedule.DailyStr = "24h"
	}
	if cfg.Throttle.Limit == 0 {
		cfg.Throttle.Limit = 4
	}
	if cfg.Throttle.RetryDelayStr == "" {
		cfg.Throttle.RetryDelayStr = "5s"
	}
	if cfg.Throttle.MaxRetries == 0 {
		cfg.Throttle.MaxRetries = 300
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.DelayStr == "" {
		cfg.Retry.DelayStr = "1s"
	}
	if cfg.Retry.MaxDelayStr == "" {
		cfg.Retry.MaxDelayStr = "30s"
	}
	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "USD"
	}
	if cfg.Billing.TimeoutStr == "" {
		cfg.Billing.TimeoutStr = "30s"
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"schedule.hourly", cfg.Schedule.HourlyStr, &cfg.Schedule.Hourly},
		{"schedule.daily", cfg.Schedule.DailyStr, &cfg.Schedule.Daily},
		{"throttle.retry_delay", cfg.Throttle.RetryDelayStr, &cfg.Throttle.RetryDelay},
		{"retry.delay", cfg.Retry.DelayStr, &cfg.Retry.Delay},
		{"retry.max_delay", cfg.Retry.MaxDelayStr, &cfg.Retry.MaxDelay},
		{"billing.timeout", cfg.Billing.TimeoutStr, &cfg.Billing.Timeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid. Every failure is a
// *types.ConfigurationError.
func (c *Config) Validate() error {
	switch {
	case c.Workers.Count < 1:
		return invalid("workers.count", "must be at least 1")
	case c.Schedule.Hourly <= 0:
		return invalid("schedule.hourly", "must be positive")
	case c.Schedule.Daily <= 0:
		return invalid("schedule.daily", "must be positive")
	case c.Throttle.Limit < 1:
		return invalid("throttle.limit", "must be at least 1")
	case c.Throttle.RetryDelay <= 0:
		return invalid("throttle.retry_delay", "must be positive")
	case c.Throttle.MaxRetries < 0:
		return invalid("throttle.max_retries", "must not be negative")
	case c.Retry.Attempts < 1:
		return invalid("retry.attempts", "must be at least 1")
	case c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0:
		return invalid("otel.traces.sample_rate", fmt.Sprintf("must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	for scope, limit := range c.Throttle.Scopes {
		if limit < 1 {
			return invalid("throttle.scopes."+scope, "must be at least 1")
		}
	}
	if c.Billing.Enabled() {
		if c.Billing.APIKey == "" {
			return invalid("billing.api_key", "missing billing credentials")
		}
		if c.Billing.APISecret == "" {
			return invalid("billing.api_secret", "missing billing credentials")
		}
	}
	return nil
}

func invalid(field, reason string) error {
	return &types.ConfigurationError{Field: field, Reason: reason}
}
