// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/queue/storage"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = time.Second
)

var ErrNilProcessFunc = errors.New("process function cannot be nil")

// ProcessFunc delivers one batch. A nil return acknowledges the batch and its
// entries are deleted; any error leaves them stored for a later cycle.
type ProcessFunc func(ctx context.Context, events []event.Event) error

// Config controls batching and the drain period.
type Config struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
	}
}

// Validate checks the scheduler configuration.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock driving the drain loop.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler periodically drains a Store in batches into a ProcessFunc.
//
// Identifiers handed to the process function are tracked in a processing set
// until the call returns, so overlapping cycles never deliver the same entry
// concurrently.
type Scheduler struct {
	store   storage.Store
	process ProcessFunc
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger

	mu         sync.Mutex
	processing map[uint64]struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewScheduler creates a scheduler. It does not start the drain loop.
func NewScheduler(store storage.Store, process ProcessFunc, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if process == nil {
		return nil, ErrNilProcessFunc
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	s := &Scheduler{
		store:      store,
		process:    process,
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		processing: make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Run performs one drain cycle: it delivers at most one batch of entries that
// are not already in flight. It returns the process function's error, if any.
func (s *Scheduler) Run(ctx context.Context) error {
	batch, err := s.claim(ctx)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	ids := make([]uint64, len(batch))
	events := make([]event.Event, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
		events[i] = e.Event
	}
	defer s.release(ids)

	if err := s.process(ctx, events); err != nil {
		s.logger.Debug("queue batch delivery failed, entries kept for redelivery",
			slog.Int("batch_size", len(events)),
			slog.String("error", err.Error()))
		return err
	}

	if err := s.store.Remove(ctx, ids); err != nil {
		// Delivered but still stored: the batch will be sent again.
		s.logger.Error("failed to remove delivered entries",
			slog.Int("batch_size", len(ids)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to remove delivered entries: %w", err)
	}

	s.logger.Debug("queue batch delivered", slog.Int("batch_size", len(events)))
	return nil
}

// claim selects up to BatchSize entries not in flight and marks them.
func (s *Scheduler) claim(ctx context.Context) ([]storage.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peeked, err := s.store.PeekBatch(ctx, s.cfg.BatchSize+len(s.processing))
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	batch := make([]storage.Entry, 0, min(len(peeked), s.cfg.BatchSize))
	for _, e := range peeked {
		if len(batch) == s.cfg.BatchSize {
			break
		}
		if _, busy := s.processing[e.ID]; busy {
			continue
		}
		s.processing[e.ID] = struct{}{}
		batch = append(batch, e)
	}

	return batch, nil
}

func (s *Scheduler) release(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.processing, id)
	}
}

// Flush runs drain cycles until the store is empty, a cycle fails, or only
// in-flight entries remain.
func (s *Scheduler) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := s.store.Len(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue length: %w", err)
		}
		if n == 0 || n <= s.InFlight() {
			return nil
		}

		if err := s.Run(ctx); err != nil {
			return err
		}
	}
}

// InFlight returns the number of entries currently handed to the process function.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processing)
}

// Start launches the drain loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.loop(ctx)

	s.logger.Info("queue scheduler started",
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Duration("flush_interval", s.cfg.FlushInterval))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("queue drain cycle failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops the drain loop and waits for the current cycle to finish.
// Stored entries are left in place.
func (s *Scheduler) Close() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.started = false

	s.logger.Info("queue scheduler stopped")
}
