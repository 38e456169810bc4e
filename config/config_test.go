// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/eventpipe/transport"
	"github.com/absmach/eventpipe/transport/http"
	"github.com/absmach/eventpipe/transport/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, StoreMemory, cfg.Queue.Store)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, time.Second, cfg.Queue.FlushInterval)
	assert.Equal(t, ":8080", cfg.Ingest.Addr)
	assert.Equal(t, TypeDebug, cfg.Transport.Type)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "default config is valid",
			modify: func(c *Config) {},
		},
		{
			name:    "negative health shutdown timeout",
			modify:  func(c *Config) { c.Health.ShutdownTimeout = -time.Second },
			wantErr: "health.shutdown_timeout",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: "log.level",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "unknown store",
			modify:  func(c *Config) { c.Queue.Store = "redis" },
			wantErr: "queue.store",
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Queue.Store = StoreBadger
				c.Queue.BadgerDir = ""
			},
			wantErr: "queue.badger_dir",
		},
		{
			name:    "batch size zero",
			modify:  func(c *Config) { c.Queue.BatchSize = 0 },
			wantErr: "queue.batch_size",
		},
		{
			name:    "flush interval too short",
			modify:  func(c *Config) { c.Queue.FlushInterval = time.Millisecond },
			wantErr: "queue.flush_interval",
		},
		{
			name:    "ingest body too small",
			modify:  func(c *Config) { c.Ingest.MaxBodyBytes = 10 },
			wantErr: "ingest.max_body_bytes",
		},
		{
			name:    "rate limit without rate",
			modify:  func(c *Config) { c.Ingest.RateLimit.Rate = 0 },
			wantErr: "ingest.rate_limit.rate",
		},
		{
			name: "disabled ingest skips its checks",
			modify: func(c *Config) {
				c.Ingest.Enabled = false
				c.Ingest.Addr = ""
			},
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.TraceSampleRate = 2
			},
			wantErr: "telemetry.trace_sample_rate",
		},
		{
			name:    "unknown transport type",
			modify:  func(c *Config) { c.Transport = TransportConfig{Type: "kafka"} },
			wantErr: "transport.type",
		},
		{
			name:    "fallback without children",
			modify:  func(c *Config) { c.Transport = TransportConfig{Type: TypeFallback} },
			wantErr: "transport.children cannot be empty",
		},
		{
			name:    "retry without inner",
			modify:  func(c *Config) { c.Transport = TransportConfig{Type: TypeRetry} },
			wantErr: "transport.inner required",
		},
		{
			name: "retry with invalid policy",
			modify: func(c *Config) {
				c.Transport = TransportConfig{
					Type:  TypeRetry,
					Retry: &transport.RetryConfig{MinTimeout: 0, Factor: 2},
					Inner: &TransportConfig{Type: TypeDebug},
				}
			},
			wantErr: "minTimeoutMs must be at least 1",
		},
		{
			name: "nested http without url",
			modify: func(c *Config) {
				c.Transport = TransportConfig{
					Type: TypeFallback,
					Children: []TransportConfig{
						{Type: TypeDebug},
						{Type: TypeHTTP, HTTP: &http.Config{}},
					},
				}
			},
			wantErr: "transport.children[1].http.url",
		},
		{
			name: "http with bad scheme",
			modify: func(c *Config) {
				c.Transport = TransportConfig{Type: TypeHTTP, HTTP: &http.Config{URL: "ftp://x"}}
			},
			wantErr: "must start with http://",
		},
		{
			name: "mqtt without topic",
			modify: func(c *Config) {
				c.Transport = TransportConfig{Type: TypeMQTT, MQTT: &mqtt.Config{Broker: "tcp://localhost:1883"}}
			},
			wantErr: "transport.mqtt",
		},
		{
			name: "throttle without settings",
			modify: func(c *Config) {
				c.Transport = TransportConfig{Type: TypeThrottle, Inner: &TransportConfig{Type: TypeDebug}}
			},
			wantErr: "transport.throttle required",
		},
		{
			name: "adapter with children",
			modify: func(c *Config) {
				c.Transport = TransportConfig{Type: TypeDebug, Children: []TransportConfig{{Type: TypeDebug}}}
			},
			wantErr: "cannot have children",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ":8080", cfg.Ingest.Addr)
}

func TestLoadTransportTree(t *testing.T) {
	data := `
log:
  level: debug
queue:
  store: badger
  badger_dir: /var/lib/eventpipe
  flush_interval: 500ms
transport:
  type: fallback
  children:
    - type: breaker
      breaker:
        failure_threshold: 3
        reset_timeout: 30s
      inner:
        type: retry
        retry:
          min_timeout: 1s
          max_timeout: 1m
          factor: 2
          max_attempts: 5
        inner:
          type: http
          http:
            url: https://collector.example.com/events
            gzip: true
    - type: debug
`
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, StoreBadger, cfg.Queue.Store)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.FlushInterval)
	assert.Equal(t, 10, cfg.Queue.BatchSize, "unset fields keep defaults")

	root := cfg.Transport
	assert.Equal(t, TypeFallback, root.Type)
	require.Len(t, root.Children, 2)

	breaker := root.Children[0]
	require.NotNil(t, breaker.Breaker)
	assert.Equal(t, 3, breaker.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, breaker.Breaker.ResetTimeout)

	retry := breaker.Inner
	require.NotNil(t, retry)
	require.NotNil(t, retry.Retry)
	assert.Equal(t, transport.RetryConfig{
		MinTimeout:  time.Second,
		MaxTimeout:  time.Minute,
		Factor:      2,
		MaxAttempts: 5,
	}, *retry.Retry)

	require.NotNil(t, retry.Inner)
	require.NotNil(t, retry.Inner.HTTP)
	assert.Equal(t, "https://collector.example.com/events", retry.Inner.HTTP.URL)
	assert.True(t, retry.Inner.HTTP.Gzip)
}

func TestLoadInvalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("queue:\n  batch_size: 0\n"), 0o644))

	_, err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	require.NoError(t, os.WriteFile(file, []byte("queue: [\n"), 0o644))
	_, err = Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestSaveLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Log.Level = "debug"
	cfg.Queue.FlushInterval = 3 * time.Second
	cfg.Transport = TransportConfig{
		Type: TypeFanOut,
		Children: []TransportConfig{
			{Type: TypeHTTP, HTTP: &http.Config{URL: "http://localhost:9000/collect"}},
			{Type: TypeDebug},
		},
	}

	require.NoError(t, cfg.Save(file))

	loaded, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Log.Level)
	assert.Equal(t, 3*time.Second, loaded.Queue.FlushInterval)
	require.Len(t, loaded.Transport.Children, 2)
	assert.Equal(t, "http://localhost:9000/collect", loaded.Transport.Children[0].HTTP.URL)
}

func TestLoadPartialDecoratorSections(t *testing.T) {
	data := `
transport:
  type: breaker
  breaker:
    failure_threshold: 2
  inner:
    type: retry
    retry:
      max_attempts: 3
    inner:
      type: debug
`
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)

	breaker := cfg.Transport.Breaker
	require.NotNil(t, breaker)
	assert.Equal(t, 2, breaker.FailureThreshold)
	assert.Equal(t, transport.DefaultBreakerConfig().ResetTimeout, breaker.ResetTimeout)

	require.NotNil(t, cfg.Transport.Inner)
	retry := cfg.Transport.Inner.Retry
	require.NotNil(t, retry)
	want := transport.DefaultRetryConfig()
	want.MaxAttempts = 3
	assert.Equal(t, want, *retry)

	assert.Equal(t, 5*time.Second, cfg.Health.ShutdownTimeout)
}
