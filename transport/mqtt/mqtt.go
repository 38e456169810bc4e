// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt publishes event batches to an MQTT broker topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/internal/bufpool"
	"github.com/absmach/eventpipe/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
)

const (
	name                  = "mqtt"
	defaultPublishTimeout = 5 * time.Second
	defaultConnectTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
)

var (
	_ transport.Transport = (*Transport)(nil)

	errPublishTimeout = errors.New("publish timed out")
)

// Config holds the broker connection and publish settings.
type Config struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	Retained       bool          `yaml:"retained"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// Validate checks the MQTT settings.
func (c Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: mqtt topic is required", transport.ErrInvalidConfig)
	}
	if c.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", transport.ErrInvalidConfig)
	}
	return nil
}

// Client is the subset of the paho client used for publishing.
type Client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
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

// Transport publishes each batch as one JSON message.
type Transport struct {
	client Client
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger
	owned  bool
}

// New wraps an existing client. The caller keeps ownership of the connection.
func New(client Client, cfg Config, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: mqtt client is required", transport.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	t := &Transport{
		client: client,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Dial connects to cfg.Broker and returns a transport owning the connection.
// The client reconnects in the background; the transport is unusable while
// the connection is down.
func Dial(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: mqtt broker is required", transport.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	t := &Transport{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	logger := t.logger

	clientOpts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt transport connected", slog.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt transport connection lost",
				slog.String("broker", cfg.Broker),
				slog.String("error", err.Error()))
		})
	if cfg.Username != "" {
		clientOpts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(clientOpts)
	if tok := client.Connect(); tok.WaitTimeout(cfg.ConnectTimeout) && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", tok.Error())
	}

	tr, err := New(client, cfg, opts...)
	if err != nil {
		client.Disconnect(disconnectQuiesceMs)
		return nil, err
	}
	tr.owned = true

	return tr, nil
}

func (t *Transport) Name() string { return name }

// IsUsable reports whether the broker connection is open.
func (t *Transport) IsUsable() bool { return t.client.IsConnectionOpen() }

// Handle publishes events to the configured topic and waits for the
// publish token.
func (t *Transport) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return transport.ErrEmptyBatch
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := transport.NewBatch(events, t.clock.Now()).Encode(buf); err != nil {
		return &transport.SendError{Transport: name, Err: err}
	}
	// The client may hold the payload after Publish returns.
	payload := bufpool.Detach(buf)

	tok := t.client.Publish(t.cfg.Topic, t.cfg.QoS, t.cfg.Retained, payload)

	timer := t.clock.NewTimer(t.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
	case <-ctx.Done():
		return &transport.SendError{Transport: name, Err: ctx.Err()}
	case <-timer.Chan():
		return &transport.SendError{Transport: name, Err: errPublishTimeout}
	}

	if err := tok.Error(); err != nil {
		return &transport.SendError{Transport: name, Err: fmt.Errorf("publish failed: %w", err)}
	}

	t.logger.Debug("mqtt batch published",
		slog.String("topic", t.cfg.Topic),
		slog.Int("events", len(events)))
	return nil
}

// Close disconnects the client if the transport owns it.
func (t *Transport) Close() error {
	if t.owned {
		t.client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}
