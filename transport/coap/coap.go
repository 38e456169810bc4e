// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap posts event batches to a CoAP collector over UDP or DTLS.
package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/internal/bufpool"
	"github.com/absmach/eventpipe/transport"
	"github.com/jonboulle/clockwork"
	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
)

const (
	name           = "coap"
	defaultPath    = "/events"
	defaultTimeout = 10 * time.Second
)

var (
	_ transport.Transport = (*Transport)(nil)

	errClosed = errors.New("coap transport closed")
)

// Config holds the collector endpoint settings. Setting PSK switches the
// connection to DTLS with a pre-shared key.
type Config struct {
	Address     string        `yaml:"address"`
	Path        string        `yaml:"path"`
	Timeout     time.Duration `yaml:"timeout"`
	PSKIdentity string        `yaml:"psk_identity"`
	PSK         string        `yaml:"psk"`
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

// Transport sends each batch as one confirmable POST.
type Transport struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	conn   *client.Conn
	closed bool
}

// New creates a CoAP transport. The connection is opened on the first batch.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	t := &Transport{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) Name() string { return name }

// IsUsable reports whether an address is configured and the transport is open.
func (t *Transport) IsUsable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Address != "" && !t.closed
}

// Handle posts events to Config.Path. Created, Changed and Content responses
// are success.
func (t *Transport) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return transport.ErrEmptyBatch
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := transport.NewBatch(events, t.clock.Now()).Encode(buf); err != nil {
		return &transport.SendError{Transport: name, Err: err}
	}

	conn, err := t.connect()
	if err != nil {
		return &transport.SendError{Transport: name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	resp, err := conn.Post(ctx, t.cfg.Path, message.AppJSON, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.drop(conn)
		return &transport.SendError{Transport: name, Err: fmt.Errorf("post failed: %w", err)}
	}

	switch code := resp.Code(); code {
	case codes.Created, codes.Changed, codes.Content:
		return nil
	default:
		return &transport.SendError{
			Transport:  name,
			StatusCode: int(code),
			Err:        fmt.Errorf("collector returned %s", code),
		}
	}
}

func (t *Transport) connect() (*client.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}

	var (
		conn *client.Conn
		err  error
	)
	if t.cfg.PSK != "" {
		conn, err = dtls.Dial(t.cfg.Address, t.dtlsConfig())
	} else {
		conn, err = udp.Dial(t.cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	t.conn = conn
	t.logger.Info("coap transport connected",
		slog.String("address", t.cfg.Address),
		slog.Bool("dtls", t.cfg.PSK != ""))
	return conn, nil
}

func (t *Transport) dtlsConfig() *piondtls.Config {
	psk := []byte(t.cfg.PSK)
	return &piondtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return psk, nil
		},
		PSKIdentityHint: []byte(t.cfg.PSKIdentity),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}

func (t *Transport) drop(conn *client.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == conn {
		t.conn = nil
	}
	if err := conn.Close(); err != nil {
		t.logger.Debug("coap transport close failed", slog.String("error", err.Error()))
	}
}

// Close releases the connection.
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
	err := t.conn.Close()
	t.conn = nil
	return err
}
