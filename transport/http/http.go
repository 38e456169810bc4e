// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http delivers event batches to a collector with HTTP POST.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/internal/bufpool"
	"github.com/absmach/eventpipe/transport"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
)

const (
	name             = "http"
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "Absmach-Eventpipe/1.0"
	maxDrainBytes    = 64 * 1024
)

var _ transport.Transport = (*Transport)(nil)

// Config holds the collector endpoint settings.
type Config struct {
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	UserAgent string            `yaml:"user_agent"`
	Timeout   time.Duration     `yaml:"timeout"`
	Gzip      bool              `yaml:"gzip"`
}

// Option configures a Transport.
type Option func(*Transport)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithClock sets the clock used to stamp transport_time.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// Transport posts JSON batches to Config.URL.
type Transport struct {
	cfg    Config
	client *http.Client
	clock  clockwork.Clock
}

// New creates an HTTP transport.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	t := &Transport{
		cfg:    cfg,
		client: &http.Client{},
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) Name() string { return name }

// IsUsable reports whether a collector URL is configured.
func (t *Transport) IsUsable() bool { return t.cfg.URL != "" }

// Handle posts events and fails with a *transport.SendError on any
// transport-level failure or non-2xx response.
func (t *Transport) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return transport.ErrEmptyBatch
	}
	if !t.IsUsable() {
		return transport.ErrNotUsable
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := t.encode(buf, events); err != nil {
		return &transport.SendError{Transport: name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return &transport.SendError{Transport: name, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	if t.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &transport.SendError{Transport: name, Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &transport.SendError{
			Transport:  name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("collector returned non-2xx status: %d", resp.StatusCode),
		}
	}

	return nil
}

func (t *Transport) encode(buf *bytes.Buffer, events []event.Event) error {
	batch := transport.NewBatch(events, t.clock.Now())
	if !t.cfg.Gzip {
		return batch.Encode(buf)
	}

	zw := gzip.NewWriter(buf)
	if err := batch.Encode(zw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
