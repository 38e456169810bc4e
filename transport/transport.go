// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the delivery contract for event batches and the
// operators that compose transports: Fallback, FanOut, Retry, Breaker,
// Throttle and Queued. Every operator is itself a Transport, so trees of any
// depth can be built from ordinary values.
package transport

import (
	"context"

	"github.com/absmach/eventpipe/event"
)

// Transport delivers batches of events to a collector.
type Transport interface {
	// IsUsable reports whether Handle can run right now. It has no side
	// effects and may be called any number of times.
	IsUsable() bool

	// Handle delivers a non-empty batch. Failure is reported as an error.
	Handle(ctx context.Context, events []event.Event) error
}

// Named is implemented by transports that carry a diagnostic name.
type Named interface {
	Name() string
}

// NameOf returns t's diagnostic name, or "transport" when it has none.
func NameOf(t Transport) string {
	if n, ok := t.(Named); ok {
		return n.Name()
	}
	return "transport"
}

// Func adapts a pair of functions to the Transport interface.
type Func struct {
	Label  string
	Usable func() bool
	Send   func(ctx context.Context, events []event.Event) error
}

func (f Func) Name() string {
	if f.Label == "" {
		return "func"
	}
	return f.Label
}

func (f Func) IsUsable() bool {
	if f.Usable == nil {
		return f.Send != nil
	}
	return f.Usable()
}

func (f Func) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	if f.Send == nil {
		return ErrNotUsable
	}
	return f.Send(ctx, events)
}
