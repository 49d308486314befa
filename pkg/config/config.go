// Package config holds labelagent configuration.
//
// Layers apply in this order, later layers overriding earlier ones:
//
//  1. DefaultConfig
//  2. the file named by LABELAGENT_CONFIG_FILE, if set (.yaml, .yml or .json)
//  3. environment variables (LABELAGENT_*, plus LOG_LEVEL, LOG_FORMAT, REDIS_URL
//     and the standard OTEL_* names)
//  4. functional options passed to NewConfig
//
// The result is validated before NewConfig returns it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Conversation store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Trace exporters
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// Config is the complete labelagent configuration
type Config struct {
	Conversation  ConversationConfig   `json:"conversation" yaml:"conversation"`
	Orchestration OrchestrationConfig  `json:"orchestration" yaml:"orchestration"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Telemetry     TelemetryConfig      `json:"telemetry" yaml:"telemetry"`
	Substitutions []SubstitutionConfig `json:"substitutions,omitempty" yaml:"substitutions,omitempty"`
}

// ConversationConfig configures the conversation store
type ConversationConfig struct {
	Backend string        `json:"backend" yaml:"backend"`
	TTL     time.Duration `json:"ttl" yaml:"ttl"`
	// SweepInterval of 0 disables the background sweeper; eviction stays lazy
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval"`
	// MaxMessages of 0 keeps every message
	MaxMessages int    `json:"maxMessages" yaml:"maxMessages"`
	RedisURL    string `json:"redisURL" yaml:"redisURL"`
	KeyPrefix   string `json:"keyPrefix" yaml:"keyPrefix"`
}

// OrchestrationConfig configures the executor and the escalation controller
type OrchestrationConfig struct {
	// FanOutConcurrency of 1 issues fan-out calls sequentially
	FanOutConcurrency     int `json:"fanOutConcurrency" yaml:"fanOutConcurrency"`
	MaxEscalationAttempts int `json:"maxEscalationAttempts" yaml:"maxEscalationAttempts"`
}

// LoggingConfig configures the default logger
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// TelemetryConfig configures tracing
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	ServiceName string  `json:"serviceName" yaml:"serviceName"`
	SampleRatio float64 `json:"sampleRatio" yaml:"sampleRatio"`
}

// SubstitutionConfig maps a failing endpoint family to its fallback
type SubstitutionConfig struct {
	Family         string            `json:"family" yaml:"family"`
	Method         string            `json:"method" yaml:"method"`
	PathPrefix     string            `json:"pathPrefix" yaml:"pathPrefix"`
	FallbackMethod string            `json:"fallbackMethod" yaml:"fallbackMethod"`
	FallbackPath   string            `json:"fallbackPath" yaml:"fallbackPath"`
	FallbackQuery  map[string]string `json:"fallbackQuery,omitempty" yaml:"fallbackQuery,omitempty"`
	DropQuery      bool              `json:"dropQuery" yaml:"dropQuery"`
}

// Option configures a Config
type Option func(*Config) error

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Conversation: ConversationConfig{
			Backend:   BackendMemory,
			TTL:       time.Hour,
			KeyPrefix: "labelagent:conversation:",
		},
		Orchestration: OrchestrationConfig{
			FanOutConcurrency:     1,
			MaxEscalationAttempts: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Exporter:    ExporterOTLP,
			ServiceName: "labelagent",
			SampleRatio: 1.0,
		},
	}
}

// LoadFromEnv overlays environment variables. Malformed numbers, durations
// and ratios are rejected.
func (c *Config) LoadFromEnv() error {
	const op = "Config.LoadFromEnv"

	if v := os.Getenv("LABELAGENT_CONVERSATION_BACKEND"); v != "" {
		c.Conversation.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("LABELAGENT_CONVERSATION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return invalid(op, "conversation", "LABELAGENT_CONVERSATION_TTL: %v", err)
		}
		c.Conversation.TTL = d
	}
	if v := os.Getenv("LABELAGENT_CONVERSATION_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return invalid(op, "conversation", "LABELAGENT_CONVERSATION_SWEEP_INTERVAL: %v", err)
		}
		c.Conversation.SweepInterval = d
	}
	if v := os.Getenv("LABELAGENT_CONVERSATION_MAX_MESSAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(op, "conversation", "LABELAGENT_CONVERSATION_MAX_MESSAGES: %v", err)
		}
		c.Conversation.MaxMessages = n
	}
	if v := os.Getenv("LABELAGENT_REDIS_URL"); v != "" {
		c.Conversation.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Conversation.RedisURL = v
	}
	if v := os.Getenv("LABELAGENT_REDIS_KEY_PREFIX"); v != "" {
		c.Conversation.KeyPrefix = v
	}

	if v := os.Getenv("LABELAGENT_FANOUT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(op, "orchestration", "LABELAGENT_FANOUT_CONCURRENCY: %v", err)
		}
		c.Orchestration.FanOutConcurrency = n
	}
	if v := os.Getenv("LABELAGENT_MAX_ESCALATION_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(op, "orchestration", "LABELAGENT_MAX_ESCALATION_ATTEMPTS: %v", err)
		}
		c.Orchestration.MaxEscalationAttempts = n
	}

	if v := firstEnv("LABELAGENT_LOG_LEVEL", "LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := firstEnv("LABELAGENT_LOG_FORMAT", "LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if v := os.Getenv("LABELAGENT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("LABELAGENT_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = strings.ToLower(v)
	}
	if v := firstEnv("LABELAGENT_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("LABELAGENT_OTEL_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("LABELAGENT_TRACE_SAMPLE_RATIO"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return invalid(op, "telemetry", "LABELAGENT_TRACE_SAMPLE_RATIO: %v", err)
		}
		c.Telemetry.SampleRatio = r
	}

	return nil
}

// LoadFromFile overlays a YAML or JSON file. Durations are written as
// strings such as "90m" in both formats.
func (c *Config) LoadFromFile(path string) error {
	const op = "Config.LoadFromFile"

	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return invalid(op, "file", "unsupported config file extension %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	if ext == ".json" {
		// JSON goes through YAML so durations decode the same way in both formats
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return invalid(op, "file", "parse JSON config: %v", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return invalid(op, "file", "convert JSON config: %v", err)
		}
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return invalid(op, "file", "parse config: %v", err)
	}
	return nil
}

// Validate checks the final configuration
func (c *Config) Validate() error {
	const op = "Config.Validate"

	switch c.Conversation.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Conversation.RedisURL == "" {
			return &Error{Op: op, Kind: "conversation", Message: "redis URL is required for the redis backend", Err: ErrMissingConfiguration}
		}
	default:
		return invalid(op, "conversation", "unknown conversation backend %q", c.Conversation.Backend)
	}
	if c.Conversation.TTL <= 0 {
		return invalid(op, "conversation", "conversation TTL must be positive, got %s", c.Conversation.TTL)
	}
	if c.Conversation.SweepInterval < 0 {
		return invalid(op, "conversation", "sweep interval must not be negative")
	}
	if c.Conversation.MaxMessages < 0 {
		return invalid(op, "conversation", "max messages must not be negative")
	}

	if c.Orchestration.FanOutConcurrency < 1 {
		return invalid(op, "orchestration", "fan-out concurrency must be at least 1, got %d", c.Orchestration.FanOutConcurrency)
	}
	if n := c.Orchestration.MaxEscalationAttempts; n < 1 || n > 3 {
		return invalid(op, "orchestration", "max escalation attempts must be between 1 and 3, got %d", n)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid(op, "logging", "unknown log format %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case ExporterStdout:
		case ExporterOTLP:
			if c.Telemetry.Endpoint == "" {
				return &Error{Op: op, Kind: "telemetry", Message: "telemetry endpoint is required for the otlp exporter", Err: ErrMissingConfiguration}
			}
		default:
			return invalid(op, "telemetry", "unknown exporter %q", c.Telemetry.Exporter)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return invalid(op, "telemetry", "sample ratio must be within [0,1], got %v", c.Telemetry.SampleRatio)
	}

	for i, s := range c.Substitutions {
		if s.Family == "" || s.PathPrefix == "" || s.FallbackPath == "" {
			return invalid(op, "substitutions", "substitution %d needs family, pathPrefix and fallbackPath", i)
		}
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// parseBool accepts "true", "1", "yes" and "on", case-insensitively
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WithConfigFile overlays a file at option time
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithConversationBackend selects "memory" or "redis"
func WithConversationBackend(backend string) Option {
	return func(c *Config) error {
		c.Conversation.Backend = strings.ToLower(backend)
		return nil
	}
}

// WithRedisURL sets the redis URL and selects the redis backend
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Conversation.RedisURL = url
		c.Conversation.Backend = BackendRedis
		return nil
	}
}

// WithConversationTTL sets the sliding expiry window
func WithConversationTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return invalid("WithConversationTTL", "conversation", "TTL must be positive")
		}
		c.Conversation.TTL = ttl
		return nil
	}
}

// WithSweepInterval enables the background sweeper
func WithSweepInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.Conversation.SweepInterval = d
		return nil
	}
}

// WithMaxMessages caps stored history per conversation
func WithMaxMessages(n int) Option {
	return func(c *Config) error {
		c.Conversation.MaxMessages = n
		return nil
	}
}

// WithFanOutConcurrency bounds parallel fan-out calls
func WithFanOutConcurrency(n int) Option {
	return func(c *Config) error {
		c.Orchestration.FanOutConcurrency = n
		return nil
	}
}

// WithMaxEscalationAttempts sets the attempt at which escalation gives a direct answer
func WithMaxEscalationAttempts(n int) Option {
	return func(c *Config) error {
		c.Orchestration.MaxEscalationAttempts = n
		return nil
	}
}

// WithLogLevel sets the log level
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = strings.ToLower(level)
		return nil
	}
}

// WithLogFormat sets "text" or "json"
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = strings.ToLower(format)
		return nil
	}
}

// WithTelemetry enables tracing with the given exporter and endpoint
func WithTelemetry(exporter, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = strings.ToLower(exporter)
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithSubstitutions replaces the substitution table
func WithSubstitutions(subs ...SubstitutionConfig) Option {
	return func(c *Config) error {
		c.Substitutions = append([]SubstitutionConfig(nil), subs...)
		return nil
	}
}

// NewConfig builds a validated configuration from all layers
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("LABELAGENT_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
