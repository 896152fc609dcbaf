package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/conductor/types"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[storage]
path = "/var/lib/conductor"

[wal]
dir = "/var/lib/conductor/wal"
retention_days = 7

[log]
level = "debug"
format = "console"

[otel]
endpoint = "localhost:4317"
insecure = true

[otel.traces]
enabled = true
sample_rate = 0.5

[otel.metrics]
enabled = true
addr = ":9100"

[workers]
count = 8

[schedule]
hourly = "30m"
daily = "12h"

[throttle]
limit = 6
retry_delay = "2s"
max_retries = 10
policy_file = "policies/throttle.rego"

[throttle.scopes]
"settings-1" = 2

[retry]
attempts = 5
delay = "500ms"
max_delay = "10s"

[billing]
api_url = "http://killbill:8080/1.0/kb"
api_key = "tenant"
api_secret = "secret"
currency = "EUR"

[aws]
region = "eu-west-1"
profile = "production"

[registry]
consumables_file = "consumables.yaml"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/lib/conductor", cfg.Storage.Path)
	assert.Equal(t, 7, cfg.WAL.RetentionDays)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "conductor", cfg.OTEL.ServiceName)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, ":9100", cfg.OTEL.Metrics.Addr)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.Hourly)
	assert.Equal(t, 12*time.Hour, cfg.Schedule.Daily)
	assert.Equal(t, 6, cfg.Throttle.Limit)
	assert.Equal(t, 2*time.Second, cfg.Throttle.RetryDelay)
	assert.Equal(t, 10, cfg.Throttle.MaxRetries)
	assert.Equal(t, map[string]int{"settings-1": 2}, cfg.Throttle.Scopes)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.True(t, cfg.Billing.Enabled())
	assert.Equal(t, "EUR", cfg.Billing.Currency)
	assert.Equal(t, 30*time.Second, cfg.Billing.Timeout)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "consumables.yaml", cfg.Registry.ConsumablesFile)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "data", cfg.Storage.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, time.Hour, cfg.Schedule.Hourly)
	assert.Equal(t, 24*time.Hour, cfg.Schedule.Daily)
	assert.Equal(t, 4, cfg.Throttle.Limit)
	assert.Equal(t, 5*time.Second, cfg.Throttle.RetryDelay)
	assert.Equal(t, 300, cfg.Throttle.MaxRetries)
	assert.False(t, cfg.Billing.Enabled())
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	content := `
[throttle
limit = "not a number"
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := `
[throttle]
retry_delay = "not-a-duration"
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttle.retry_delay")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"no workers", func(c *Config) { c.Workers.Count = 0 }, "workers.count"},
		{"zero limit", func(c *Config) { c.Throttle.Limit = 0 }, "throttle.limit"},
		{"negative retries", func(c *Config) { c.Throttle.MaxRetries = -1 }, "throttle.max_retries"},
		{"bad scope limit", func(c *Config) { c.Throttle.Scopes = map[string]int{"s1": 0} }, "throttle.scopes.s1"},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "otel.traces.sample_rate"},
		{"billing without key", func(c *Config) { c.Billing.APIURL = "http://kb" }, "billing.api_key"},
		{"billing without secret", func(c *Config) {
			c.Billing.APIURL = "http://kb"
			c.Billing.APIKey = "k"
		}, "billing.api_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, types.ErrConfiguration)
			var cfgErr *types.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
