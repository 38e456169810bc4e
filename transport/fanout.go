// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/absmach/eventpipe/event"
)

var _ Transport = (*FanOut)(nil)

// FanOut delivers every batch to all usable children concurrently.
type FanOut struct {
	children []Transport
}

// NewFanOut creates a FanOut over children.
func NewFanOut(children ...Transport) *FanOut {
	return &FanOut{children: slices.Clone(children)}
}

func (g *FanOut) Name() string { return "fanout" }

// IsUsable reports whether any child is usable.
func (g *FanOut) IsUsable() bool {
	return slices.ContainsFunc(g.children, Transport.IsUsable)
}

// Handle runs every child usable at call time in parallel and waits for all
// of them. If any fails, a *GroupError carrying each failure is returned.
func (g *FanOut) Handle(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	usable := make([]Transport, 0, len(g.children))
	for _, t := range g.children {
		if t.IsUsable() {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		return ErrNotUsable
	}

	errs := make([]error, len(usable))
	var wg sync.WaitGroup
	for i, t := range usable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.Handle(ctx, events); err != nil {
				errs[i] = fmt.Errorf("%s: %w", NameOf(t), err)
			}
		}()
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return &GroupError{Total: len(usable), Errors: failed}
	}

	return nil
}
