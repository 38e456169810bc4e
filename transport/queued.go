// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/queue"
	"github.com/absmach/eventpipe/queue/storage"
)

var _ Transport = (*Queued)(nil)

// Queued turns Handle into an enqueue. A queue.Scheduler drains the store in
// batches into the inner transport; failed batches stay stored and are
// delivered again on a later cycle.
type Queued struct {
	inner     Transport
	store     storage.Store
	scheduler *queue.Scheduler
}

// NewQueued binds store and a scheduler built from cfg to inner.
func NewQueued(inner Transport, store storage.Store, cfg queue.Config, opts ...queue.Option) (*Queued, error) {
	if inner == nil {
		return nil, configError("queued transport requires an inner transport")
	}

	q := &Queued{inner: inner, store: store}
	s, err := queue.NewScheduler(store, q.deliver, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	q.scheduler = s

	return q, nil
}

func (q *Queued) Name() string { return "queued(" + NameOf(q.inner) + ")" }

// IsUsable delegates to the inner transport.
func (q *Queued) IsUsable() bool { return q.inner.IsUsable() }

// Handle stores events and returns without waiting for delivery. Only store
// failures are reported.
func (q *Queued) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	if err := q.store.Enqueue(ctx, events...); err != nil {
		return fmt.Errorf("failed to enqueue events: %w", err)
	}
	return nil
}

func (q *Queued) deliver(ctx context.Context, events []event.Event) error {
	if !q.inner.IsUsable() {
		return ErrNotUsable
	}
	return q.inner.Handle(ctx, events)
}

// Start launches periodic delivery.
func (q *Queued) Start(ctx context.Context) { q.scheduler.Start(ctx) }

// Run performs a single delivery cycle immediately.
func (q *Queued) Run(ctx context.Context) error { return q.scheduler.Run(ctx) }

// Flush delivers until the queue is empty or a cycle fails.
func (q *Queued) Flush(ctx context.Context) error { return q.scheduler.Flush(ctx) }

// Len returns the number of queued events.
func (q *Queued) Len(ctx context.Context) (int, error) { return q.store.Len(ctx) }

// InFlight returns the number of events currently being delivered.
func (q *Queued) InFlight() int { return q.scheduler.InFlight() }

// Close stops periodic delivery. Queued events stay in the store.
func (q *Queued) Close() { q.scheduler.Close() }
