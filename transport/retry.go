// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"
)

var _ Transport = (*Retry)(nil)

// RetryConfig holds the backoff policy of a Retry transport.
// Zero MaxTimeout, MaxAttempts and MaxRetry mean "unbounded".
type RetryConfig struct {
	MinTimeout  time.Duration `yaml:"min_timeout"`
	MaxTimeout  time.Duration `yaml:"max_timeout"`
	Factor      float64       `yaml:"factor"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxRetry    time.Duration `yaml:"max_retry"`
}

// DefaultRetryConfig returns the default backoff policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MinTimeout:  time.Second,
		MaxTimeout:  time.Minute,
		Factor:      2,
		MaxAttempts: 10,
	}
}

// UnmarshalYAML fills fields missing from a YAML section with the defaults.
func (c *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain RetryConfig
	p := plain(DefaultRetryConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = RetryConfig(p)
	return nil
}

// Validate checks the backoff policy.
func (c RetryConfig) Validate() error {
	if c.MinTimeout < time.Millisecond {
		return configError("minTimeoutMs must be at least 1")
	}
	if c.MaxTimeout > 0 && c.MinTimeout > c.MaxTimeout {
		return configError("minTimeoutMs cannot be bigger than maxTimeoutMs")
	}
	if c.Factor < 1 {
		return configError("retryFactor must be at least 1")
	}
	if c.MaxAttempts < 0 {
		return configError("maxAttempts cannot be negative")
	}
	if c.MaxRetry < 0 {
		return configError("maxRetryMs cannot be negative")
	}
	return nil
}

// Delay returns the wait before the retry that follows the given attempt
// (1-based): MinTimeout * Factor^(attempt-1), capped at MaxTimeout.
func (c RetryConfig) Delay(attempt int) time.Duration {
	ceiling := float64(math.MaxInt64)
	if c.MaxTimeout > 0 {
		ceiling = float64(c.MaxTimeout)
	}

	d := float64(c.MinTimeout) * math.Pow(c.Factor, float64(attempt-1))
	if d >= ceiling || math.IsInf(d, 1) || math.IsNaN(d) {
		if c.MaxTimeout > 0 {
			return c.MaxTimeout
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RetryAttempt describes a scheduled retry.
type RetryAttempt struct {
	// Attempt is the number of the attempt that failed.
	Attempt int
	Delay   time.Duration
	Err     error
	Events  []event.Event
}

// RetryOption configures a Retry transport.
type RetryOption func(*Retry)

// WithRetryClock replaces the clock used for backoff waits.
func WithRetryClock(c clockwork.Clock) RetryOption {
	return func(r *Retry) { r.clock = c }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *Retry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOnRetry registers an observer called before every backoff wait.
func WithOnRetry(fn func(RetryAttempt)) RetryOption {
	return func(r *Retry) { r.onRetry = fn }
}

// Retry wraps a transport with bounded exponential backoff.
type Retry struct {
	inner   Transport
	cfg     RetryConfig
	clock   clockwork.Clock
	logger  *slog.Logger
	onRetry func(RetryAttempt)
}

// NewRetry validates cfg and wraps inner.
func NewRetry(inner Transport, cfg RetryConfig, opts ...RetryOption) (*Retry, error) {
	if inner == nil {
		return nil, configError("retry requires an inner transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Retry{
		inner:  inner,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

func (r *Retry) Name() string { return "retry(" + NameOf(r.inner) + ")" }

func (r *Retry) IsUsable() bool { return r.inner.IsUsable() }

// Handle delivers events, retrying failures with exponential backoff.
//
// When MaxAttempts is set, a *RetryError wrapping the last failure is returned
// once the attempt counter exceeds it. When the next wait would push the
// cumulative wait past MaxRetry, ErrRetryBudgetExceeded is returned instead.
// Cancelling ctx aborts a pending wait with the context's error.
func (r *Retry) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	var waited time.Duration
	for attempt := 1; ; attempt++ {
		err := r.inner.Handle(ctx, events)
		if err == nil {
			return nil
		}

		if r.cfg.MaxAttempts > 0 && attempt > r.cfg.MaxAttempts {
			r.logger.Warn("delivery failed, retries exhausted",
				slog.String("transport", NameOf(r.inner)),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			return &RetryError{Attempts: attempt, Err: err}
		}

		delay := r.cfg.Delay(attempt)
		if r.cfg.MaxRetry > 0 && waited+delay > r.cfg.MaxRetry {
			r.logger.Warn("delivery failed, retry budget exceeded",
				slog.String("transport", NameOf(r.inner)),
				slog.Int("attempts", attempt),
				slog.Duration("waited", waited),
				slog.String("error", err.Error()))
			return ErrRetryBudgetExceeded
		}

		if r.onRetry != nil {
			r.onRetry(RetryAttempt{Attempt: attempt, Delay: delay, Err: err, Events: events})
		}
		r.logger.Debug("delivery failed, retrying",
			slog.String("transport", NameOf(r.inner)),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(delay):
		}
		waited += delay
	}
}
