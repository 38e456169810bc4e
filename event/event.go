// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyName = errors.New("event name cannot be empty")
	ErrEmptyID   = errors.New("event id cannot be empty")
)

// Event is a tracked interaction. Values are immutable once built; accessors
// hand out copies so holders cannot alter what the queue or transports see.
type Event struct {
	name     string
	id       string
	time     time.Time
	location []Context
	global   []Context
}

// Option configures an Event under construction.
type Option func(*Event)

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(e *Event) { e.id = id }
}

// WithTime overrides the creation time.
func WithTime(t time.Time) Option {
	return func(e *Event) { e.time = t }
}

// WithLocationStack sets the ordered location stack, outermost first.
func WithLocationStack(ctxs ...Context) Option {
	return func(e *Event) { e.location = slices.Clone(ctxs) }
}

// WithGlobalContexts sets the global contexts.
func WithGlobalContexts(ctxs ...Context) Option {
	return func(e *Event) { e.global = slices.Clone(ctxs) }
}

// New builds a validated Event.
func New(name string, opts ...Option) (Event, error) {
	e := Event{
		name: name,
		id:   uuid.NewString(),
		time: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) Name() string    { return e.name }
func (e Event) ID() string      { return e.id }
func (e Event) Time() time.Time { return e.time }

// LocationStack returns a copy of the location stack.
func (e Event) LocationStack() []Context { return slices.Clone(e.location) }

// GlobalContexts returns a copy of the global contexts.
func (e Event) GlobalContexts() []Context { return slices.Clone(e.global) }

// Validate checks the event shape.
func (e Event) Validate() error {
	if e.name == "" {
		return ErrEmptyName
	}
	if e.id == "" {
		return ErrEmptyID
	}
	for i, c := range e.location {
		if !c.kind.IsLocation() {
			return fmt.Errorf("location_stack[%d]: %w: %s", i, ErrWrongFamily, c.kind)
		}
	}
	for i, c := range e.global {
		if !c.kind.IsGlobal() {
			return fmt.Errorf("global_contexts[%d]: %w: %s", i, ErrWrongFamily, c.kind)
		}
	}
	return nil
}

type wireEvent struct {
	Type           string    `json:"_type"`
	ID             string    `json:"id"`
	Time           int64     `json:"time"`
	LocationStack  []Context `json:"location_stack"`
	GlobalContexts []Context `json:"global_contexts"`
}

// MarshalJSON encodes the collector wire format.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:           e.name,
		ID:             e.id,
		Time:           e.time.UnixMilli(),
		LocationStack:  e.location,
		GlobalContexts: e.global,
	}
	if w.LocationStack == nil {
		w.LocationStack = []Context{}
	}
	if w.GlobalContexts == nil {
		w.GlobalContexts = []Context{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates the collector wire format.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ev := Event{
		name:     w.Type,
		id:       w.ID,
		time:     time.UnixMilli(w.Time).UTC(),
		location: w.LocationStack,
		global:   w.GlobalContexts,
	}
	if len(ev.location) == 0 {
		ev.location = nil
	}
	if len(ev.global) == 0 {
		ev.global = nil
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	*e = ev
	return nil
}
