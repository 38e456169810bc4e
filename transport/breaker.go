// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/sony/gobreaker"
	"gopkg.in/yaml.v3"
)

var _ Transport = (*Breaker)(nil)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultBreakerConfig returns the default circuit breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// UnmarshalYAML fills fields missing from a YAML section with the defaults.
func (c *BreakerConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain BreakerConfig
	p := plain(DefaultBreakerConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = BreakerConfig(p)
	return nil
}

// Validate checks the breaker settings.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return configError("failure_threshold must be at least 1")
	}
	if c.ResetTimeout <= 0 {
		return configError("reset_timeout must be positive")
	}
	return nil
}

// Breaker guards a transport with a circuit breaker. While the circuit is
// open the transport reports itself unusable, which lets an enclosing
// Fallback move on to the next child.
type Breaker struct {
	name  string
	inner Transport
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps inner with a circuit breaker named name.
func NewBreaker(name string, inner Transport, cfg BreakerConfig, logger *slog.Logger) (*Breaker, error) {
	if inner == nil {
		return nil, configError("breaker requires an inner transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = NameOf(inner)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the collector.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("transport circuit breaker state changed",
				slog.String("transport", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Breaker{name: name, inner: inner, cb: cb}, nil
}

func (b *Breaker) Name() string { return "breaker(" + b.name + ")" }

// IsUsable is false while the circuit is open.
func (b *Breaker) IsUsable() bool {
	return b.cb.State() != gobreaker.StateOpen && b.inner.IsUsable()
}

// State returns the current circuit state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Handle(ctx, events)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &SendError{Transport: b.Name(), Err: err}
	}
	return err
}
