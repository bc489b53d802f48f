package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr    string `env:"WS_ADDR" envDefault:":3002"`
	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Auth
	JWTSecret string `env:"JWT_SECRET"`

	// Upstream provider. Leave PROVIDER_URL empty on instances that only
	// fan out; exactly one instance per deployment runs the publisher.
	ProviderURL     string        `env:"PROVIDER_URL"`
	ProviderAPIKey  string        `env:"PROVIDER_API_KEY"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"5s"`
	Symbols         []string      `env:"FEED_SYMBOLS" envSeparator:","`
	PollInterval    time.Duration `env:"FEED_POLL_INTERVAL" envDefault:"1s"`
	StatusInterval  time.Duration `env:"FEED_STATUS_INTERVAL" envDefault:"15s"`

	// Upstream feed guard
	QuotaRate               float64       `env:"UPSTREAM_QUOTA_RATE" envDefault:"20"`
	QuotaBurst              int           `env:"UPSTREAM_QUOTA_BURST" envDefault:"20"`
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitCooldown         time.Duration `env:"CIRCUIT_COOLDOWN" envDefault:"60s"`

	// Capacity
	MaxConnections int `env:"WS_MAX_CONNECTIONS" envDefault:"5000"`
	SendQueueSize  int `env:"WS_SEND_QUEUE_SIZE" envDefault:"256"`

	// Per-connection subscription and traffic shaping
	MaxSubscriptions   int           `env:"WS_MAX_SUBSCRIPTIONS" envDefault:"50"`
	CapViolationLimit  int           `env:"WS_CAP_VIOLATION_LIMIT" envDefault:"8"`
	MalformedLimit     int           `env:"WS_MALFORMED_LIMIT" envDefault:"8"`
	ClientMessageRate  float64       `env:"WS_CLIENT_MESSAGE_RATE" envDefault:"100"`
	ClientMessageBurst int           `env:"WS_CLIENT_MESSAGE_BURST" envDefault:"100"`
	BatchWindow        time.Duration `env:"WS_BATCH_WINDOW" envDefault:"100ms"`
	InboundRate        float64       `env:"WS_INBOUND_RATE" envDefault:"10"`
	InboundBurst       int           `env:"WS_INBOUND_BURST" envDefault:"20"`

	// Connection-attempt limits in front of the upgrade
	ConnRateIPBurst     int           `env:"CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate      float64       `env:"CONN_RATE_IP_RATE" envDefault:"1"`
	ConnRateIPTTL       time.Duration `env:"CONN_RATE_IP_TTL" envDefault:"5m"`
	ConnRateGlobalBurst int           `env:"CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate  float64       `env:"CONN_RATE_GLOBAL_RATE" envDefault:"50"`

	// Timers
	HeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	AuthGraceWindow   time.Duration `env:"WS_AUTH_GRACE_WINDOW" envDefault:"5s"`
	WriteWait         time.Duration `env:"WS_WRITE_WAIT" envDefault:"5s"`
	ShutdownGrace     time.Duration `env:"WS_SHUTDOWN_GRACE" envDefault:"10s"`

	// Broker bridge fan-out workers
	BridgeWorkers   int `env:"BRIDGE_WORKERS" envDefault:"8"`
	BridgeQueueSize int `env:"BRIDGE_QUEUE_SIZE" envDefault:"256"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production containers set real
	// environment variables.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	// Required fields (no sensible defaults)
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}

	// Publisher instances need a universe to poll
	if c.ProviderURL != "" && len(c.Symbols) == 0 {
		return fmt.Errorf("FEED_SYMBOLS is required when PROVIDER_URL is set")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendQueueSize < 16 {
		return fmt.Errorf("WS_SEND_QUEUE_SIZE must be >= 16, got %d", c.SendQueueSize)
	}
	if c.MaxSubscriptions < 1 {
		return fmt.Errorf("WS_MAX_SUBSCRIPTIONS must be > 0, got %d", c.MaxSubscriptions)
	}
	if c.CapViolationLimit < 1 {
		return fmt.Errorf("WS_CAP_VIOLATION_LIMIT must be > 0, got %d", c.CapViolationLimit)
	}
	if c.MalformedLimit < 1 {
		return fmt.Errorf("WS_MALFORMED_LIMIT must be > 0, got %d", c.MalformedLimit)
	}
	if c.InboundRate <= 0 {
		return fmt.Errorf("WS_INBOUND_RATE must be > 0, got %f", c.InboundRate)
	}
	if c.ConnRateIPRate <= 0 || c.ConnRateGlobalRate <= 0 {
		return fmt.Errorf("connection attempt rates must be > 0, got ip=%f global=%f",
			c.ConnRateIPRate, c.ConnRateGlobalRate)
	}
	if c.ClientMessageRate <= 0 {
		return fmt.Errorf("WS_CLIENT_MESSAGE_RATE must be > 0, got %f", c.ClientMessageRate)
	}
	if c.BatchWindow < 10*time.Millisecond || c.BatchWindow > 5*time.Second {
		return fmt.Errorf("WS_BATCH_WINDOW must be between 10ms and 5s, got %s", c.BatchWindow)
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be >= 1s, got %s", c.HeartbeatInterval)
	}
	if c.QuotaRate <= 0 {
		return fmt.Errorf("UPSTREAM_QUOTA_RATE must be > 0, got %f", c.QuotaRate)
	}
	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be > 0, got %d", c.CircuitFailureThreshold)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Bool("publisher_enabled", c.ProviderURL != "").
		Int("symbols", len(c.Symbols)).
		Dur("poll_interval", c.PollInterval).
		Float64("quota_rate", c.QuotaRate).
		Int("circuit_failure_threshold", c.CircuitFailureThreshold).
		Dur("circuit_cooldown", c.CircuitCooldown).
		Int("max_connections", c.MaxConnections).
		Int("send_queue_size", c.SendQueueSize).
		Int("max_subscriptions", c.MaxSubscriptions).
		Float64("client_message_rate", c.ClientMessageRate).
		Dur("batch_window", c.BatchWindow).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("bridge_workers", c.BridgeWorkers).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
