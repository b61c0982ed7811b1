// ABOUTME: Configuration loading and parsing for the nexus server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete nexus server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Presence  PresenceConfig  `yaml:"presence"`
	Queue     QueueConfig     `yaml:"queue"`
	Providers ProvidersConfig `yaml:"providers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// RedisConfig holds the shared Redis connection settings used by both
// the presence registry and the webhook queue
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds task database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PresenceConfig holds presence registry timing configuration.
// The registry TTL is HeartbeatInterval * TTLMultiplier.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	TTLMultiplier     int           `yaml:"ttl_multiplier"`

	// Raw string value for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// QueueConfig holds webhook queue worker configuration
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetry    int `yaml:"max_retry"`
}

// ProvidersConfig holds configuration for all external provider integrations
type ProvidersConfig struct {
	Chat    ChatConfig    `yaml:"chat"`
	Tracker TrackerConfig `yaml:"tracker"`
}

// ChatConfig holds chat platform integration configuration
type ChatConfig struct {
	SigningSecret string `yaml:"signing_secret"`
	BotToken      string `yaml:"bot_token"`
	APIBase       string `yaml:"api_base"`
}

// TrackerConfig holds work-tracking platform integration configuration
type TrackerConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
	APIToken      string `yaml:"api_token"`
	APIBase       string `yaml:"api_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied by Load when fields are absent.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTTLMultiplier     = 10
	DefaultQueueConcurrency  = 10
	DefaultMaxRetry          = 3
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Presence.HeartbeatInterval == 0 {
		c.Presence.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Presence.TTLMultiplier == 0 {
		c.Presence.TTLMultiplier = DefaultTTLMultiplier
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = DefaultQueueConcurrency
	}
	if c.Queue.MaxRetry == 0 {
		c.Queue.MaxRetry = DefaultMaxRetry
	}
}

// PresenceTTL returns the registry entry TTL derived from the heartbeat interval.
func (c *Config) PresenceTTL() time.Duration {
	return c.Presence.HeartbeatInterval * time.Duration(c.Presence.TTLMultiplier)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Presence.HeartbeatIntervalRaw != "" {
		cfg.Presence.HeartbeatInterval, err = time.ParseDuration(cfg.Presence.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Presence.HeartbeatIntervalRaw, err)
		}
	}

	return nil
}
