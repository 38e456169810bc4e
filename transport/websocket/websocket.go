// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket streams event batches to a collector over a WebSocket
// connection, one text frame per batch.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/internal/bufpool"
	"github.com/absmach/eventpipe/transport"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	name                    = "websocket"
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

var (
	_ transport.Transport = (*Transport)(nil)

	errClosed = errors.New("websocket transport closed")
)

// Config holds the collector endpoint settings.
type Config struct {
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock sets the clock used to stamp transport_time.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// Transport dials lazily on the first batch and keeps the connection open.
// A failed write drops the connection; the next batch redials.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	header http.Header
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// New creates a WebSocket transport. No connection is made until Handle.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	header := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	t := &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		header: header,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) Name() string { return name }

// IsUsable reports whether a URL is configured and the transport is open.
func (t *Transport) IsUsable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.URL != "" && !t.closed
}

// Handle writes events as one text frame.
func (t *Transport) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return transport.ErrEmptyBatch
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := transport.NewBatch(events, t.clock.Now()).Encode(buf); err != nil {
		return &transport.SendError{Transport: name, Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &transport.SendError{Transport: name, Err: errClosed}
	}

	conn, err := t.connect(ctx)
	if err != nil {
		return &transport.SendError{Transport: name, Err: err}
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		t.dropLocked(conn)
		return &transport.SendError{Transport: name, Err: err}
	}

	if err := conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		t.dropLocked(conn)
		return &transport.SendError{Transport: name, Err: fmt.Errorf("write failed: %w", err)}
	}

	return nil
}

// connect returns the open connection, dialing if needed. Caller holds t.mu.
func (t *Transport) connect(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, t.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	t.conn = conn
	go t.readLoop(conn)

	t.logger.Info("websocket transport connected", slog.String("url", t.cfg.URL))
	return conn, nil
}

// readLoop consumes control frames and notices when the peer goes away.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.logger.Warn("websocket transport connection lost",
					slog.String("url", t.cfg.URL),
					slog.String("error", err.Error()))
			}
			t.dropLocked(conn)
			t.mu.Unlock()
			return
		}
	}
}

func (t *Transport) dropLocked(conn *websocket.Conn) {
	if t.conn == conn {
		t.conn = nil
	}
	conn.Close()
}

// Close sends a close frame and releases the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
