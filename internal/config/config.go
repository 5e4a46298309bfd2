// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_RELAY_CONFIG"

// Config represents the complete coven-relay configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Registry    RegistryConfig    `yaml:"registry" toml:"registry"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat" toml:"heartbeat"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
	Uploads     UploadsConfig     `yaml:"uploads" toml:"uploads"`
	Interactive InteractiveConfig `yaml:"interactive" toml:"interactive"`
	Envelope    EnvelopeConfig    `yaml:"envelope" toml:"envelope"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// RegistryConfig holds connection registry limits
type RegistryConfig struct {
	MaxConnections    int `yaml:"max_connections" toml:"max_connections"`
	MaxQueuedMessages int `yaml:"max_queued_messages" toml:"max_queued_messages"`

	QueueTTL      time.Duration `yaml:"-" toml:"-"`
	SendTimeout   time.Duration `yaml:"-" toml:"-"`
	FlushInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	QueueTTLRaw      string `yaml:"queue_ttl" toml:"queue_ttl"`
	SendTimeoutRaw   string `yaml:"send_timeout" toml:"send_timeout"`
	FlushIntervalRaw string `yaml:"flush_interval" toml:"flush_interval"`
}

// HeartbeatConfig holds liveness probe timing
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"-" toml:"-"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
}

// RateLimitConfig holds outbound message admission settings
type RateLimitConfig struct {
	MaxMessages int `yaml:"max_messages" toml:"max_messages"`

	Window        time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	WindowRaw        string `yaml:"window" toml:"window"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// UploadsConfig holds upload admission ceilings
type UploadsConfig struct {
	PerMinute      int   `yaml:"per_minute" toml:"per_minute"`
	PerHour        int   `yaml:"per_hour" toml:"per_hour"`
	MaxFileSize    int64 `yaml:"max_file_size" toml:"max_file_size"`
	MaxHourlyBytes int64 `yaml:"max_hourly_bytes" toml:"max_hourly_bytes"`

	Cooldown    time.Duration `yaml:"-" toml:"-"`
	CooldownRaw string        `yaml:"cooldown" toml:"cooldown"`
}

// InteractiveConfig holds question session defaults
type InteractiveConfig struct {
	QuestionTimeoutMinutes int  `yaml:"question_timeout_minutes" toml:"question_timeout_minutes"`
	AllowPartialAnswers    bool `yaml:"allow_partial_answers" toml:"allow_partial_answers"`
}

// QuestionTimeout returns the default session timeout as a duration.
func (c InteractiveConfig) QuestionTimeout() time.Duration {
	return time.Duration(c.QuestionTimeoutMinutes) * time.Minute
}

// EnvelopeConfig holds outbound envelope options
type EnvelopeConfig struct {
	RenderMarkdown bool `yaml:"render_markdown" toml:"render_markdown"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "0.0.0.0:8080"},
		Tailscale: TailscaleConfig{
			Hostname: "coven-relay",
		},
		Registry: RegistryConfig{
			MaxConnections:    1000,
			MaxQueuedMessages: 100,
			QueueTTL:          10 * time.Minute,
			SendTimeout:       5 * time.Second,
			FlushInterval:     time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  90 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxMessages:   120,
			Window:        60 * time.Second,
			SweepInterval: time.Minute,
		},
		Uploads: UploadsConfig{
			PerMinute:      10,
			PerHour:        100,
			MaxFileSize:    10 << 20,
			MaxHourlyBytes: 100 << 20,
			Cooldown:       5 * time.Minute,
		},
		Interactive: InteractiveConfig{
			QuestionTimeoutMinutes: 5,
			AllowPartialAnswers:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config location: $COVEN_RELAY_CONFIG, then
// $XDG_CONFIG_HOME/coven/relay.yaml, then ~/.config/coven/relay.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "relay.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(home, ".config", "coven", "relay.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values not present in the file keep their defaults. Files ending in .toml are
// parsed as TOML, everything else as YAML. Environment variables in the format
// ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
// The second return value reports whether a file was read.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Registry.MaxConnections <= 0 {
		return fmt.Errorf("registry.max_connections must be positive, got %d", c.Registry.MaxConnections)
	}
	if c.Registry.MaxQueuedMessages < 0 {
		return fmt.Errorf("registry.max_queued_messages must not be negative, got %d", c.Registry.MaxQueuedMessages)
	}

	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)", c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}

	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if c.RateLimit.MaxMessages < 0 {
		return fmt.Errorf("rate_limit.max_messages must not be negative, got %d", c.RateLimit.MaxMessages)
	}

	if c.Uploads.PerMinute < 0 || c.Uploads.PerHour < 0 || c.Uploads.MaxFileSize < 0 || c.Uploads.MaxHourlyBytes < 0 {
		return errors.New("uploads ceilings must not be negative")
	}

	if c.Interactive.QuestionTimeoutMinutes <= 0 {
		return fmt.Errorf("interactive.question_timeout_minutes must be positive, got %d", c.Interactive.QuestionTimeoutMinutes)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"registry.queue_ttl", cfg.Registry.QueueTTLRaw, &cfg.Registry.QueueTTL},
		{"registry.send_timeout", cfg.Registry.SendTimeoutRaw, &cfg.Registry.SendTimeout},
		{"registry.flush_interval", cfg.Registry.FlushIntervalRaw, &cfg.Registry.FlushInterval},
		{"heartbeat.interval", cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval},
		{"heartbeat.timeout", cfg.Heartbeat.TimeoutRaw, &cfg.Heartbeat.Timeout},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"rate_limit.sweep_interval", cfg.RateLimit.SweepIntervalRaw, &cfg.RateLimit.SweepInterval},
		{"uploads.cooldown", cfg.Uploads.CooldownRaw, &cfg.Uploads.Cooldown},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
