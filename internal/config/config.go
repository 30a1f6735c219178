// ABOUTME: Configuration loading and parsing for support-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete support-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Registry    RegistryConfig    `yaml:"registry"`
	Broker      BrokerConfig      `yaml:"broker"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Inbound     InboundConfig     `yaml:"inbound"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Outbound    OutboundConfig    `yaml:"outbound"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"` // empty allows any origin

	ShutdownTimeout    time.Duration `yaml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the outbound delivery stream. An empty URL selects
// the logging deliverer.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// AuthConfig holds authentication configuration. An empty secret runs the
// gateway in development mode, trusting identities from query parameters.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RegistryConfig bounds waits on a conversation's critical section
type RegistryConfig struct {
	LockTimeout    time.Duration `yaml:"-"`
	LockTimeoutRaw string        `yaml:"lock_timeout"`
}

// BrokerConfig holds per-connection delivery limits
type BrokerConfig struct {
	QueueSize int `yaml:"queue_size"`

	WriteTimeout    time.Duration `yaml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout"`
}

// LivenessConfig holds heartbeat and reaper timing
type LivenessConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	ReapInterval      time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`
	TypingTTL         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ReapIntervalRaw      string `yaml:"reap_interval"`
	IdleTimeoutRaw       string `yaml:"idle_timeout"`
	TypingTTLRaw         string `yaml:"typing_ttl"`
}

// EscalationConfig controls automatic bot-to-human escalation.
// MaxBotAttempts of 0 disables it.
type EscalationConfig struct {
	MaxBotAttempts int `yaml:"max_bot_attempts"`
}

// InboundConfig controls the channel webhook
type InboundConfig struct {
	WebhookSecret string `yaml:"webhook_secret"` // empty disables the shared-secret check
	DedupeSize    int    `yaml:"dedupe_size"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// PersistenceConfig holds the write retry policy
type PersistenceConfig struct {
	MaxPending  int `yaml:"max_pending"`
	MaxAttempts int `yaml:"max_attempts"` // per write, then it is dead-lettered

	WriteTimeout time.Duration `yaml:"-"`
	RetryBase    time.Duration `yaml:"-"`
	RetryMax     time.Duration `yaml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout"`
	RetryBaseRaw    string `yaml:"retry_base"`
	RetryMaxRaw     string `yaml:"retry_max"`
}

// OutboundConfig holds the delivery worker pool settings
type OutboundConfig struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queue_size"`
	MaxAttempts int `yaml:"max_attempts"`

	RetryDelay time.Duration `yaml:"-"`
	Timeout    time.Duration `yaml:"-"`

	RetryDelayRaw string `yaml:"retry_delay"`
	TimeoutRaw    string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values; unset fields take defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.HTTPAddr, "0.0.0.0:8080")
	setDefault(&c.Server.ShutdownTimeout, 15*time.Second)
	setDefault(&c.Database.Path, "./support-gateway.db")
	setDefault(&c.Redis.Stream, "support:outbound")
	setDefault(&c.Redis.MaxLen, 100000)
	setDefault(&c.Registry.LockTimeout, 2*time.Second)
	setDefault(&c.Broker.QueueSize, 256)
	setDefault(&c.Broker.WriteTimeout, 10*time.Second)
	setDefault(&c.Liveness.HeartbeatInterval, 30*time.Second)
	setDefault(&c.Liveness.ReapInterval, 60*time.Second)
	setDefault(&c.Liveness.IdleTimeout, 5*time.Minute)
	setDefault(&c.Liveness.TypingTTL, 5*time.Second)
	setDefault(&c.Inbound.DedupeSize, 10000)
	setDefault(&c.Inbound.DedupeTTL, 10*time.Minute)
	setDefault(&c.Persistence.MaxPending, 10000)
	setDefault(&c.Persistence.MaxAttempts, 20)
	setDefault(&c.Persistence.WriteTimeout, 2*time.Second)
	setDefault(&c.Persistence.RetryBase, 250*time.Millisecond)
	setDefault(&c.Persistence.RetryMax, 30*time.Second)
	setDefault(&c.Outbound.Workers, 4)
	setDefault(&c.Outbound.QueueSize, 1024)
	setDefault(&c.Outbound.MaxAttempts, 3)
	setDefault(&c.Outbound.RetryDelay, 500*time.Millisecond)
	setDefault(&c.Outbound.Timeout, 10*time.Second)
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Metrics.Path, "/metrics")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			return fmt.Errorf("redis.url is invalid: %w", err)
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	if c.Escalation.MaxBotAttempts < 0 {
		return fmt.Errorf("escalation.max_bot_attempts must not be negative")
	}

	if c.Broker.QueueSize < 1 {
		return fmt.Errorf("broker.queue_size must be positive")
	}

	if c.Liveness.TypingTTL >= c.Liveness.IdleTimeout {
		return fmt.Errorf("liveness.typing_ttl must be shorter than liveness.idle_timeout")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// DevMode reports whether authentication is disabled.
func (c *Config) DevMode() bool { return c.Auth.JWTSecret == "" }

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"registry.lock_timeout", cfg.Registry.LockTimeoutRaw, &cfg.Registry.LockTimeout},
		{"broker.write_timeout", cfg.Broker.WriteTimeoutRaw, &cfg.Broker.WriteTimeout},
		{"liveness.heartbeat_interval", cfg.Liveness.HeartbeatIntervalRaw, &cfg.Liveness.HeartbeatInterval},
		{"liveness.reap_interval", cfg.Liveness.ReapIntervalRaw, &cfg.Liveness.ReapInterval},
		{"liveness.idle_timeout", cfg.Liveness.IdleTimeoutRaw, &cfg.Liveness.IdleTimeout},
		{"liveness.typing_ttl", cfg.Liveness.TypingTTLRaw, &cfg.Liveness.TypingTTL},
		{"inbound.dedupe_ttl", cfg.Inbound.DedupeTTLRaw, &cfg.Inbound.DedupeTTL},
		{"persistence.write_timeout", cfg.Persistence.WriteTimeoutRaw, &cfg.Persistence.WriteTimeout},
		{"persistence.retry_base", cfg.Persistence.RetryBaseRaw, &cfg.Persistence.RetryBase},
		{"persistence.retry_max", cfg.Persistence.RetryMaxRaw, &cfg.Persistence.RetryMax},
		{"outbound.retry_delay", cfg.Outbound.RetryDelayRaw, &cfg.Outbound.RetryDelay},
		{"outbound.timeout", cfg.Outbound.TimeoutRaw, &cfg.Outbound.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
