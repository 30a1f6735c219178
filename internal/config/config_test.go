// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:9090"
  allowed_origins: ["https://desk.example.com"]
  shutdown_timeout: "20s"

database:
  path: "./test.db"

redis:
  url: "redis://localhost:6379/0"
  stream: "wa:outbound"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"

broker:
  queue_size: 64
  write_timeout: "3s"

liveness:
  heartbeat_interval: "10s"
  reap_interval: "20s"
  idle_timeout: "2m"
  typing_ttl: "3s"

escalation:
  max_bot_attempts: 3

outbound:
  workers: 8
  retry_delay: "1s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/internal/metrics"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"https://desk.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "wa:outbound", cfg.Redis.Stream)
	assert.Equal(t, int64(100000), cfg.Redis.MaxLen)
	assert.False(t, cfg.DevMode())
	assert.Equal(t, 64, cfg.Broker.QueueSize)
	assert.Equal(t, 3*time.Second, cfg.Broker.WriteTimeout)
	assert.Equal(t, 10*time.Second, cfg.Liveness.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, cfg.Liveness.ReapInterval)
	assert.Equal(t, 2*time.Minute, cfg.Liveness.IdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.Liveness.TypingTTL)
	assert.Equal(t, 3, cfg.Escalation.MaxBotAttempts)
	assert.Equal(t, 8, cfg.Outbound.Workers)
	assert.Equal(t, time.Second, cfg.Outbound.RetryDelay)
	assert.Equal(t, 3, cfg.Outbound.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/internal/metrics", cfg.Metrics.Path)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  path: ./x.db\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.True(t, cfg.DevMode())
	assert.Equal(t, 2*time.Second, cfg.Registry.LockTimeout)
	assert.Equal(t, 256, cfg.Broker.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Liveness.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Liveness.ReapInterval)
	assert.Equal(t, 5*time.Minute, cfg.Liveness.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Liveness.TypingTTL)
	assert.Zero(t, cfg.Escalation.MaxBotAttempts)
	assert.Equal(t, 20, cfg.Persistence.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Persistence.RetryBase)
	assert.Equal(t, 30*time.Second, cfg.Persistence.RetryMax)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	assert.Equal(t, cfg, mustDefault(t))
}

func mustDefault(t *testing.T) *Config {
	t.Helper()
	cfg := Default()
	cfg.Database.Path = "./x.db"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_SUPPORT_SECRET", "abcdefghijklmnopqrstuvwxyz012345")
	t.Setenv("TEST_SUPPORT_DB", "/var/lib/support.db")

	cfg, err := Load(writeConfig(t, `
database:
  path: "${TEST_SUPPORT_DB}"
auth:
  jwt_secret: "${TEST_SUPPORT_SECRET}"
redis:
  url: "${TEST_SUPPORT_UNSET_REDIS}"
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/support.db", cfg.Database.Path)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz012345", cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Redis.URL)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR_A", "alpha")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${TEST_VAR_A}", "alpha"},
		{"x-${TEST_VAR_A}-${TEST_VAR_A}", "x-alpha-alpha"},
		{"${TEST_VAR_UNSET_ZZZ}", ""},
		{"$TEST_VAR_A", "$TEST_VAR_A"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvVars(tt.in), tt.in)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "liveness:\n  reap_interval: \"soon\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liveness.reap_interval")

	_, err = Load(writeConfig(t, "broker:\n  write_timeout: \"-1s\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"negative attempts", func(c *Config) { c.Escalation.MaxBotAttempts = -1 }, "max_bot_attempts"},
		{"typing ttl too long", func(c *Config) { c.Liveness.TypingTTL = time.Hour }, "typing_ttl"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad metrics path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Path = "metrics" }, "metrics.path"},
		{"no addr", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr"},
		{"no db", func(c *Config) { c.Database.Path = "" }, "database.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, Default().Validate())
}
