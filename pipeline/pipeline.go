// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipeline builds transport trees and queue stores from configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/absmach/eventpipe/config"
	"github.com/absmach/eventpipe/queue/storage"
	"github.com/absmach/eventpipe/queue/storage/badger"
	"github.com/absmach/eventpipe/queue/storage/memory"
	"github.com/absmach/eventpipe/transport"
	"github.com/absmach/eventpipe/transport/coap"
	"github.com/absmach/eventpipe/transport/http"
	"github.com/absmach/eventpipe/transport/mqtt"
	"github.com/absmach/eventpipe/transport/websocket"
	"github.com/jonboulle/clockwork"
)

// RetryRecorder receives every scheduled retry.
type RetryRecorder interface {
	RecordRetry(ctx context.Context, transport string, attempt int)
}

// Deps carries the collaborators shared by every node of a tree.
type Deps struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Recorder transport.Recorder
	Retries  RetryRecorder
}

// Tree is a built transport tree together with the connections it owns.
type Tree struct {
	root    transport.Transport
	closers []io.Closer
}

// Root returns the top transport of the tree.
func (t *Tree) Root() transport.Transport { return t.root }

// Close releases every adapter connection in the tree.
func (t *Tree) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// Build constructs the transport tree described by cfg. On failure every
// connection opened so far is released.
func Build(cfg config.TransportConfig, deps Deps) (*Tree, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	b := &builder{deps: deps}
	root, err := b.build(cfg, "transport")
	if err != nil {
		tree := &Tree{closers: b.closers}
		if cerr := tree.Close(); cerr != nil {
			deps.Logger.Warn("failed to release partially built transports", slog.String("error", cerr.Error()))
		}
		return nil, err
	}

	return &Tree{root: root, closers: b.closers}, nil
}

type builder struct {
	deps    Deps
	closers []io.Closer
}

func (b *builder) build(cfg config.TransportConfig, path string) (transport.Transport, error) {
	t, err := b.node(cfg, path)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = transport.NameOf(t)
	}
	if b.deps.Recorder != nil {
		t = transport.NewInstrumented(name, t, b.deps.Recorder)
	}

	b.deps.Logger.Debug("transport built",
		slog.String("path", path),
		slog.String("type", cfg.Type),
		slog.String("name", name))
	return t, nil
}

func (b *builder) node(cfg config.TransportConfig, path string) (transport.Transport, error) {
	logger := b.deps.Logger

	switch cfg.Type {
	case config.TypeFallback, config.TypeFanOut:
		children, err := b.children(cfg, path)
		if err != nil {
			return nil, err
		}
		if cfg.Type == config.TypeFallback {
			return transport.NewFallback(children...), nil
		}
		return transport.NewFanOut(children...), nil

	case config.TypeRetry:
		inner, err := b.inner(cfg, path)
		if err != nil {
			return nil, err
		}
		rc := transport.DefaultRetryConfig()
		if cfg.Retry != nil {
			rc = *cfg.Retry
		}
		name := cfg.Name
		if name == "" {
			name = transport.NameOf(inner)
		}
		r, err := transport.NewRetry(inner, rc,
			transport.WithRetryClock(b.deps.Clock),
			transport.WithRetryLogger(logger),
			transport.WithOnRetry(func(a transport.RetryAttempt) {
				if b.deps.Retries != nil {
					b.deps.Retries.RecordRetry(context.Background(), name, a.Attempt)
				}
			}))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return r, nil

	case config.TypeBreaker:
		inner, err := b.inner(cfg, path)
		if err != nil {
			return nil, err
		}
		bc := transport.DefaultBreakerConfig()
		if cfg.Breaker != nil {
			bc = *cfg.Breaker
		}
		br, err := transport.NewBreaker(cfg.Name, inner, bc, logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return br, nil

	case config.TypeThrottle:
		inner, err := b.inner(cfg, path)
		if err != nil {
			return nil, err
		}
		if cfg.Throttle == nil {
			return nil, fmt.Errorf("%s: %w: throttle settings required", path, transport.ErrInvalidConfig)
		}
		th, err := transport.NewThrottle(inner, *cfg.Throttle)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return th, nil

	case config.TypeHTTP:
		if cfg.HTTP == nil {
			return nil, missing(path, "http")
		}
		return http.New(*cfg.HTTP, http.WithClock(b.deps.Clock)), nil

	case config.TypeMQTT:
		if cfg.MQTT == nil {
			return nil, missing(path, "mqtt")
		}
		t, err := mqtt.Dial(*cfg.MQTT, mqtt.WithClock(b.deps.Clock), mqtt.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		b.closers = append(b.closers, t)
		return t, nil

	case config.TypeWebSocket:
		if cfg.WebSocket == nil {
			return nil, missing(path, "websocket")
		}
		t := websocket.New(*cfg.WebSocket, websocket.WithClock(b.deps.Clock), websocket.WithLogger(logger))
		b.closers = append(b.closers, t)
		return t, nil

	case config.TypeCoAP:
		if cfg.CoAP == nil {
			return nil, missing(path, "coap")
		}
		t := coap.New(*cfg.CoAP, coap.WithClock(b.deps.Clock), coap.WithLogger(logger))
		b.closers = append(b.closers, t)
		return t, nil

	case config.TypeDebug:
		level := slog.LevelInfo
		if cfg.Debug != nil && cfg.Debug.Level != "" {
			if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Debug.Level))); err != nil {
				return nil, fmt.Errorf("%s: %w: %v", path, transport.ErrInvalidConfig, err)
			}
		}
		return transport.NewDebug(logger, level), nil

	default:
		return nil, fmt.Errorf("%s: %w: unknown transport type %q", path, transport.ErrInvalidConfig, cfg.Type)
	}
}

func (b *builder) children(cfg config.TransportConfig, path string) ([]transport.Transport, error) {
	if len(cfg.Children) == 0 {
		return nil, fmt.Errorf("%s: %w: %s requires children", path, transport.ErrInvalidConfig, cfg.Type)
	}
	children := make([]transport.Transport, 0, len(cfg.Children))
	for i, c := range cfg.Children {
		t, err := b.build(c, fmt.Sprintf("%s.children[%d]", path, i))
		if err != nil {
			return nil, err
		}
		children = append(children, t)
	}
	return children, nil
}

func (b *builder) inner(cfg config.TransportConfig, path string) (transport.Transport, error) {
	if cfg.Inner == nil {
		return nil, fmt.Errorf("%s: %w: %s requires inner", path, transport.ErrInvalidConfig, cfg.Type)
	}
	return b.build(*cfg.Inner, path+".inner")
}

func missing(path, section string) error {
	return fmt.Errorf("%s: %w: %s section required", path, transport.ErrInvalidConfig, section)
}

// OpenStore opens the queue store selected by cfg.
func OpenStore(cfg config.QueueConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return memory.New(), nil
	case config.StoreBadger:
		s, err := badger.Open(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open queue store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown queue store %q", cfg.Store)
	}
}
