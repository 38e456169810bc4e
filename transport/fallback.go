// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"slices"

	"github.com/absmach/eventpipe/event"
)

var _ Transport = (*Fallback)(nil)

// Fallback delegates each batch to the first usable child, in the order given.
type Fallback struct {
	children []Transport
}

// NewFallback creates a Fallback over children.
func NewFallback(children ...Transport) *Fallback {
	return &Fallback{children: slices.Clone(children)}
}

func (f *Fallback) Name() string { return "fallback" }

// IsUsable reports whether any child is usable.
func (f *Fallback) IsUsable() bool {
	return f.first() != nil
}

// Handle sends events through the first usable child only. Usability is
// evaluated on every call.
func (f *Fallback) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	t := f.first()
	if t == nil {
		return ErrNotUsable
	}
	return t.Handle(ctx, events)
}

func (f *Fallback) first() Transport {
	for _, t := range f.children {
		if t.IsUsable() {
			return t
		}
	}
	return nil
}
