package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration
type Config struct {
	// HTTP
	ServiceName     string        `yaml:"service_name"`     // Reported by /health (default: "NUOC server")
	Port            string        `yaml:"port"`             // Listen port (default: 4097)
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // Upper bound for one resolve (default: 10s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period for shutdown (default: 30s)
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`   // Resolve payload limit (default: 1MiB)

	// Rate limiting per client IP; disabled when RateLimitRPS <= 0
	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// Storage
	DatabaseURL       string        `yaml:"database_url"`       // postgres:// URL or SQLite path
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // 0 disables the reconciler (default: 1m)

	// Wake notifications; disabled when RedisURL is empty
	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`

	// Tracing; disabled when OTLPEndpoint is empty
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	OTLPInsecure    bool    `yaml:"otlp_insecure"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`

	LogLevel string `yaml:"log_level"`
	// FeedSize is the number of recent events kept for new stream subscribers.
	FeedSize int `yaml:"feed_size"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ServiceName:       "NUOC server",
		Port:              "4097",
		RequestTimeout:    10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		MaxBodyBytes:      1 << 20,
		RateLimitRPS:      50,
		RateLimitBurst:    100,
		DatabaseURL:       ".oc-workflow/journal.db",
		ReconcileInterval: 1 * time.Minute,
		RedisChannel:      "nuoc:tasks:woken",
		TraceSampleRate:   1.0,
		LogLevel:          "info",
		FeedSize:          1000,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxBodyBytes = int64(getEnvInt("MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.RateLimitRPS = getEnvInt("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisChannel = getEnv("REDIS_CHANNEL", cfg.RedisChannel)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.OTLPInsecure = getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.OTLPInsecure)
	cfg.TraceSampleRate = getEnvFloat("TRACE_SAMPLE_RATE", cfg.TraceSampleRate)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.FeedSize = getEnvInt("FEED_SIZE", cfg.FeedSize)
	if getEnvBool("DEBUG", false) {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %q", c.Port)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit burst must be at least 1")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("trace sample rate must be within [0, 1]")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile interval must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// ParseLevel converts a log level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %q", level)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
