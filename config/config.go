// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/absmach/eventpipe/transport"
	"github.com/absmach/eventpipe/transport/coap"
	"github.com/absmach/eventpipe/transport/http"
	"github.com/absmach/eventpipe/transport/mqtt"
	"github.com/absmach/eventpipe/transport/websocket"
	"gopkg.in/yaml.v3"
)

// Transport node types.
const (
	TypeFallback  = "fallback"
	TypeFanOut    = "fanout"
	TypeRetry     = "retry"
	TypeBreaker   = "breaker"
	TypeThrottle  = "throttle"
	TypeHTTP      = "http"
	TypeMQTT      = "mqtt"
	TypeWebSocket = "websocket"
	TypeCoAP      = "coap"
	TypeDebug     = "debug"
)

// Queue store types.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

// Config holds all configuration for the event pipeline.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Queue     QueueConfig     `yaml:"queue"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Health    HealthConfig    `yaml:"health"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Transport TransportConfig `yaml:"transport"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// QueueConfig holds the persistent queue and drain settings.
type QueueConfig struct {
	Store           string        `yaml:"store"` // memory, badger
	BadgerDir       string        `yaml:"badger_dir"`
	SyncWrites      bool          `yaml:"sync_writes"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IngestConfig holds the HTTP ingest endpoint settings.
type IngestConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Addr            string          `yaml:"addr"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-IP ingest rate limiting.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // requests per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// TransportConfig describes one node of the transport tree. Composite nodes
// use Children, decorators use Inner, and adapters read their own section.
type TransportConfig struct {
	Type     string            `yaml:"type"`
	Name     string            `yaml:"name,omitempty"`
	Children []TransportConfig `yaml:"children,omitempty"`
	Inner    *TransportConfig  `yaml:"inner,omitempty"`

	Retry    *transport.RetryConfig    `yaml:"retry,omitempty"`
	Breaker  *transport.BreakerConfig  `yaml:"breaker,omitempty"`
	Throttle *transport.ThrottleConfig `yaml:"throttle,omitempty"`

	HTTP      *http.Config      `yaml:"http,omitempty"`
	MQTT      *mqtt.Config      `yaml:"mqtt,omitempty"`
	WebSocket *websocket.Config `yaml:"websocket,omitempty"`
	CoAP      *coap.Config      `yaml:"coap,omitempty"`
	Debug     *DebugConfig      `yaml:"debug,omitempty"`
}

// DebugConfig holds the debug transport settings.
type DebugConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that queues in memory and logs every batch.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Queue: QueueConfig{
			Store:           StoreMemory,
			BadgerDir:       "/tmp/eventpipe/queue",
			BatchSize:       10,
			FlushInterval:   time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			Enabled:         true,
			Addr:            ":8080",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 5 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:         true,
				Rate:            100,
				Burst:           200,
				CleanupInterval: time.Minute,
			},
		},
		Health: HealthConfig{
			Enabled:         true,
			Addr:            ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "eventpipe",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Transport: TransportConfig{
			Type: TypeDebug,
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
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Queue.Store {
	case StoreMemory:
	case StoreBadger:
		if c.Queue.BadgerDir == "" {
			return fmt.Errorf("queue.badger_dir required when store is badger")
		}
	default:
		return fmt.Errorf("queue.store must be one of: memory, badger")
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be at least 1")
	}
	if c.Queue.FlushInterval < 10*time.Millisecond {
		return fmt.Errorf("queue.flush_interval must be at least 10ms")
	}
	if c.Queue.ShutdownTimeout < 0 {
		return fmt.Errorf("queue.shutdown_timeout cannot be negative")
	}

	if c.Ingest.Enabled {
		if c.Ingest.Addr == "" {
			return fmt.Errorf("ingest.addr cannot be empty when ingest is enabled")
		}
		if c.Ingest.MaxBodyBytes < 1024 {
			return fmt.Errorf("ingest.max_body_bytes must be at least 1KB")
		}
		if rl := c.Ingest.RateLimit; rl.Enabled {
			if rl.Rate <= 0 {
				return fmt.Errorf("ingest.rate_limit.rate must be positive")
			}
			if rl.Burst < 1 {
				return fmt.Errorf("ingest.rate_limit.burst must be at least 1")
			}
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr cannot be empty when health is enabled")
	}
	if c.Health.ShutdownTimeout < 0 {
		return fmt.Errorf("health.shutdown_timeout cannot be negative")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return c.Transport.Validate("transport")
}

// Validate checks the node at path and every node below it.
func (t *TransportConfig) Validate(path string) error {
	switch t.Type {
	case TypeFallback, TypeFanOut:
		if len(t.Children) == 0 {
			return fmt.Errorf("%s.children cannot be empty for type %s", path, t.Type)
		}
		for i := range t.Children {
			if err := t.Children[i].Validate(fmt.Sprintf("%s.children[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil

	case TypeRetry, TypeBreaker, TypeThrottle:
		if t.Inner == nil {
			return fmt.Errorf("%s.inner required for type %s", path, t.Type)
		}
		if err := t.validateDecorator(path); err != nil {
			return err
		}
		return t.Inner.Validate(path + ".inner")

	case TypeHTTP:
		if t.HTTP == nil || t.HTTP.URL == "" {
			return fmt.Errorf("%s.http.url required for type http", path)
		}
		if !strings.HasPrefix(t.HTTP.URL, "http://") && !strings.HasPrefix(t.HTTP.URL, "https://") {
			return fmt.Errorf("%s.http.url must start with http:// or https://", path)
		}
	case TypeMQTT:
		if t.MQTT == nil || t.MQTT.Broker == "" {
			return fmt.Errorf("%s.mqtt.broker required for type mqtt", path)
		}
		if err := t.MQTT.Validate(); err != nil {
			return fmt.Errorf("%s.mqtt: %w", path, err)
		}
	case TypeWebSocket:
		if t.WebSocket == nil || t.WebSocket.URL == "" {
			return fmt.Errorf("%s.websocket.url required for type websocket", path)
		}
	case TypeCoAP:
		if t.CoAP == nil || t.CoAP.Address == "" {
			return fmt.Errorf("%s.coap.address required for type coap", path)
		}
	case TypeDebug:
		if t.Debug != nil {
			switch t.Debug.Level {
			case "", "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("%s.debug.level must be one of: debug, info, warn, error", path)
			}
		}
	default:
		return fmt.Errorf("%s.type must be one of: fallback, fanout, retry, breaker, throttle, http, mqtt, websocket, coap, debug", path)
	}

	if len(t.Children) > 0 || t.Inner != nil {
		return fmt.Errorf("%s: type %s cannot have children or inner", path, t.Type)
	}
	return nil
}

func (t *TransportConfig) validateDecorator(path string) error {
	var err error
	switch t.Type {
	case TypeRetry:
		if t.Retry != nil {
			err = t.Retry.Validate()
		}
	case TypeBreaker:
		if t.Breaker != nil {
			err = t.Breaker.Validate()
		}
	case TypeThrottle:
		if t.Throttle == nil {
			return fmt.Errorf("%s.throttle required for type throttle", path)
		}
		err = t.Throttle.Validate()
	}
	if err != nil {
		return fmt.Errorf("%s.%s: %w", path, t.Type, err)
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
