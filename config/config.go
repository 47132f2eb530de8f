// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/panbus/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the message bus.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Broker  BrokerConfig  `yaml:"broker"`
	Trace   TraceConfig   `yaml:"trace"`
	Hub     HubConfig     `yaml:"hub"`
	Log     LogConfig     `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// ServerConfig holds the network surfaces and telemetry export settings.
type ServerConfig struct {
	APIAddr         string        `yaml:"api_addr"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	WSAllowedOrigin []string      `yaml:"ws_allowed_origins"` // empty allows any origin
	MetricsAddr     string        `yaml:"metrics_addr"`       // OTLP gRPC endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	APIEnabled      bool          `yaml:"api_enabled"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds delivery engine settings.
type BrokerConfig struct {
	// ID identifies this broker in event envelopes.
	ID string `yaml:"id"`

	// Retained message budgets. Zero disables a budget.
	MaxRetainedEntries int `yaml:"max_retained_entries"`
	MaxRetainedBytes   int `yaml:"max_retained_bytes"`

	// Maximum serialized message size in bytes
	MaxMessageSize int `yaml:"max_message_size"`

	RateLimit ratelimit.Config `yaml:"rate_limit"`

	// AllowGlobalWildcard permits subscriptions to the bare "*" pattern.
	AllowGlobalWildcard bool `yaml:"allow_global_wildcard"`

	DefaultRequestTimeout time.Duration `yaml:"default_request_timeout"`
}

// TraceConfig holds the sampled message trace settings.
type TraceConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Capacity   int     `yaml:"capacity"`
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// HubConfig holds the intake coordinator settings.
type HubConfig struct {
	// MaxPending bounds intents queued before the broker is attached.
	MaxPending int `yaml:"max_pending"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludePayload  bool              `yaml:"include_payload"`  // Include message data in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // Topic pattern filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIAddr:         ":8080",
			APIEnabled:      true,
			WSAddr:          ":8083",
			WSPath:          "/ws",
			WSEnabled:       true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "panbus",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			ID:                    "panbus-1",
			MaxRetainedEntries:    10000,
			MaxRetainedBytes:      64 * 1024 * 1024,
			MaxMessageSize:        1024 * 1024,
			RateLimit:             ratelimit.DefaultConfig(),
			AllowGlobalWildcard:   false,
			DefaultRequestTimeout: 30 * time.Second,
		},
		Trace: TraceConfig{
			Enabled:    false,
			Capacity:   1024,
			SampleRate: 0,
		},
		Hub: HubConfig{
			MaxPending: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludePayload:  false,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.APIEnabled && c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr required when the API is enabled")
	}
	if c.Server.WSEnabled {
		if c.Server.WSAddr == "" {
			return fmt.Errorf("server.ws_addr required when WebSocket is enabled")
		}
		if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
			return fmt.Errorf("server.ws_path must start with '/'")
		}
	}

	if c.Broker.MaxMessageSize < 1024 {
		return fmt.Errorf("broker.max_message_size must be at least 1KB")
	}
	if c.Broker.MaxRetainedEntries < 0 {
		return fmt.Errorf("broker.max_retained_entries cannot be negative")
	}
	if c.Broker.MaxRetainedBytes < 0 {
		return fmt.Errorf("broker.max_retained_bytes cannot be negative")
	}
	if c.Broker.DefaultRequestTimeout <= 0 {
		return fmt.Errorf("broker.default_request_timeout must be positive")
	}
	if rl := c.Broker.RateLimit; rl.Enabled {
		if rl.PerInterval < 1 {
			return fmt.Errorf("broker.rate_limit.per_interval must be at least 1")
		}
		if rl.Interval <= 0 {
			return fmt.Errorf("broker.rate_limit.interval must be positive")
		}
	}

	if c.Trace.SampleRate < 0.0 || c.Trace.SampleRate > 1.0 {
		return fmt.Errorf("trace.sample_rate must be between 0.0 and 1.0")
	}
	if c.Trace.Enabled && c.Trace.Capacity < 1 {
		return fmt.Errorf("trace.capacity must be at least 1 when tracing is enabled")
	}

	if c.Hub.MaxPending < 0 {
		return fmt.Errorf("hub.max_pending cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
