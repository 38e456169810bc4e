// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"

	"github.com/absmach/eventpipe/event"
)

var (
	ErrClosed       = errors.New("queue store is closed")
	ErrInvalidLimit = errors.New("batch limit must be positive")
)

// Entry is an event held by a Store together with its insertion identifier.
// Identifiers grow monotonically, so ordering by ID is insertion order.
type Entry struct {
	ID    uint64
	Event event.Event
}

// Store buffers events awaiting delivery. Implementations must keep FIFO
// order among entries that were not removed and must not drop an entry
// unless Remove is called for its identifier.
type Store interface {
	// Enqueue appends events in the given order.
	Enqueue(ctx context.Context, events ...event.Event) error

	// PeekBatch returns up to limit of the oldest entries without removing them.
	PeekBatch(ctx context.Context, limit int) ([]Entry, error)

	// Remove deletes the given entries. Unknown identifiers are ignored.
	Remove(ctx context.Context, ids []uint64) error

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)

	Close() error
}
