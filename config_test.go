package main

import (
	"strings"
	"testing"
	"time"
)

func validTestConfig() *Config {
	return &Config{
		Addr:                    ":3002",
		NATSURL:                 "nats://localhost:4222",
		JWTSecret:               "secret",
		QuotaRate:               20,
		QuotaBurst:              20,
		CircuitFailureThreshold: 5,
		CircuitCooldown:         time.Minute,
		MaxConnections:          5000,
		SendQueueSize:           256,
		MaxSubscriptions:        50,
		CapViolationLimit:       8,
		MalformedLimit:          8,
		ClientMessageRate:       100,
		ClientMessageBurst:      100,
		BatchWindow:             100 * time.Millisecond,
		InboundRate:             10,
		InboundBurst:            20,
		ConnRateIPBurst:         10,
		ConnRateIPRate:          1,
		ConnRateIPTTL:           5 * time.Minute,
		ConnRateGlobalBurst:     300,
		ConnRateGlobalRate:      50,
		HeartbeatInterval:       30 * time.Second,
		AuthGraceWindow:         5 * time.Second,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing jwt secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: "JWT_SECRET"},
		{name: "missing nats url", mutate: func(c *Config) { c.NATSURL = "" }, wantErr: "NATS_URL"},
		{name: "missing addr", mutate: func(c *Config) { c.Addr = "" }, wantErr: "WS_ADDR"},
		{name: "provider without symbols", mutate: func(c *Config) { c.ProviderURL = "http://upstream" }, wantErr: "FEED_SYMBOLS"},
		{name: "provider with symbols", mutate: func(c *Config) {
			c.ProviderURL = "http://upstream"
			c.Symbols = []string{"AAPL"}
		}},
		{name: "zero connections", mutate: func(c *Config) { c.MaxConnections = 0 }, wantErr: "WS_MAX_CONNECTIONS"},
		{name: "tiny send queue", mutate: func(c *Config) { c.SendQueueSize = 4 }, wantErr: "WS_SEND_QUEUE_SIZE"},
		{name: "zero subscriptions", mutate: func(c *Config) { c.MaxSubscriptions = 0 }, wantErr: "WS_MAX_SUBSCRIPTIONS"},
		{name: "zero cap violation limit", mutate: func(c *Config) { c.CapViolationLimit = 0 }, wantErr: "WS_CAP_VIOLATION_LIMIT"},
		{name: "zero malformed limit", mutate: func(c *Config) { c.MalformedLimit = 0 }, wantErr: "WS_MALFORMED_LIMIT"},
		{name: "zero inbound rate", mutate: func(c *Config) { c.InboundRate = 0 }, wantErr: "WS_INBOUND_RATE"},
		{name: "zero attempt rate", mutate: func(c *Config) { c.ConnRateIPRate = 0 }, wantErr: "connection attempt rates"},
		{name: "batch window too small", mutate: func(c *Config) { c.BatchWindow = time.Millisecond }, wantErr: "WS_BATCH_WINDOW"},
		{name: "batch window too large", mutate: func(c *Config) { c.BatchWindow = 10 * time.Second }, wantErr: "WS_BATCH_WINDOW"},
		{name: "heartbeat too short", mutate: func(c *Config) { c.HeartbeatInterval = 100 * time.Millisecond }, wantErr: "WS_HEARTBEAT_INTERVAL"},
		{name: "zero quota", mutate: func(c *Config) { c.QuotaRate = 0 }, wantErr: "UPSTREAM_QUOTA_RATE"},
		{name: "zero failure threshold", mutate: func(c *Config) { c.CircuitFailureThreshold = 0 }, wantErr: "CIRCUIT_FAILURE_THRESHOLD"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "LOG_LEVEL"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %s", err, tt.wantErr)
			}
		})
	}
}
