// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the upgrade server.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = "localhost:8000"

	// DefaultWorkers is the size of the worker pool.
	DefaultWorkers = 4

	// ListenBacklog is the number of pending connections the listener is
	// expected to hold. The Go runtime sizes the accept queue itself, so
	// this is informational only.
	ListenBacklog = 10

	defaultQueueSize           = 64
	defaultHandshakeBufferSize = 1024
	defaultReadBufferSize      = 1024
	defaultShutdownTimeout     = 5 * time.Second
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
// A Burst of zero disables limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings. A zero HandshakeTimeout
// lets a handshake block indefinitely.
type Config struct {
	Addr                string
	Workers             int
	QueueSize           int
	HandshakeBufferSize int
	HandshakeTimeout    time.Duration
	ReadBufferSize      int
	AllowedOrigins      []string
	RateLimit           RateLimitConfig
	ShutdownTimeout     time.Duration
}

func defaultConfig() Config {
	return Config{
		Addr:                DefaultAddr,
		Workers:             DefaultWorkers,
		QueueSize:           defaultQueueSize,
		HandshakeBufferSize: defaultHandshakeBufferSize,
		ReadBufferSize:      defaultReadBufferSize,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// sanitizeConfig replaces unusable values with defaults and returns a copy
// that shares no slices with cfg.
func sanitizeConfig(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	if cfg.HandshakeBufferSize <= 0 {
		cfg.HandshakeBufferSize = defaultHandshakeBufferSize
	}

	if cfg.HandshakeTimeout < 0 {
		cfg.HandshakeTimeout = 0
	}

	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	// Load SERVER_ADDR
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	// Load SERVER_WORKERS
	if workers := os.Getenv("SERVER_WORKERS"); workers != "" {
		cfg.Workers = parseIntValue(workers, cfg.Workers)
	}

	// Load QUEUE_SIZE
	if size := os.Getenv("QUEUE_SIZE"); size != "" {
		cfg.QueueSize = parseIntValue(size, cfg.QueueSize)
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	// Load RATE_LIMIT_BURST
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	// Load RATE_LIMIT_REFILL_INTERVAL
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
