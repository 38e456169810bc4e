// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"

	"github.com/absmach/eventpipe/event"
	"golang.org/x/time/rate"
)

var _ Transport = (*Throttle)(nil)

// ThrottleConfig limits how many batches per second reach a transport.
type ThrottleConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Validate checks the throttle settings.
func (c ThrottleConfig) Validate() error {
	if c.Rate <= 0 {
		return configError("throttle rate must be positive")
	}
	if c.Burst < 1 {
		return configError("throttle burst must be at least 1")
	}
	return nil
}

// Throttle waits on a token bucket before delegating each batch.
type Throttle struct {
	inner   Transport
	limiter *rate.Limiter
}

// NewThrottle wraps inner with a rate limiter.
func NewThrottle(inner Transport, cfg ThrottleConfig) (*Throttle, error) {
	if inner == nil {
		return nil, configError("throttle requires an inner transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Throttle{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
	}, nil
}

func (t *Throttle) Name() string { return "throttle(" + NameOf(t.inner) + ")" }

func (t *Throttle) IsUsable() bool { return t.inner.IsUsable() }

func (t *Throttle) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Handle(ctx, events)
}
