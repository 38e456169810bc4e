// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/absmach/eventpipe/event"
	"github.com/stretchr/testify/require"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	name       string
	usable     atomic.Bool
	handleFunc func(ctx context.Context, events []event.Event) error

	mu          sync.Mutex
	handleCount int32
	lastEvents  []event.Event
}

func newMockTransport(name string, usable bool) *mockTransport {
	m := &mockTransport{
		name: name,
		handleFunc: func(ctx context.Context, events []event.Event) error {
			return nil // Success by default
		},
	}
	m.usable.Store(usable)
	return m
}

func (m *mockTransport) Name() string   { return m.name }
func (m *mockTransport) IsUsable() bool { return m.usable.Load() }

func (m *mockTransport) Handle(ctx context.Context, events []event.Event) error {
	m.mu.Lock()
	m.handleCount++
	m.lastEvents = events
	fn := m.handleFunc
	m.mu.Unlock()
	return fn(ctx, events)
}

func (m *mockTransport) setHandleFunc(fn func(ctx context.Context, events []event.Event) error) {
	m.mu.Lock()
	m.handleFunc = fn
	m.mu.Unlock()
}

func (m *mockTransport) getHandleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.handleCount)
}

func (m *mockTransport) getLastEvents() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEvents
}

func testEvents(t *testing.T, names ...string) []event.Event {
	t.Helper()
	if len(names) == 0 {
		names = []string{"PressEvent"}
	}
	events := make([]event.Event, 0, len(names))
	for _, n := range names {
		ev, err := event.New(n)
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}
