// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	server   *httptest.Server
	frames   chan []byte
	accepted atomic.Int32
	header   atomic.Value
	// dropAfter closes each connection after this many frames when > 0.
	dropAfter int
}

func newCollector(t *testing.T, dropAfter int) *collector {
	t.Helper()
	c := &collector{frames: make(chan []byte, 16), dropAfter: dropAfter}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.header.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		c.accepted.Add(1)

		for n := 1; ; n++ {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage {
				c.frames <- data
			}
			if c.dropAfter > 0 && n >= c.dropAfter {
				return
			}
		}
	}))
	t.Cleanup(c.server.Close)
	return c
}

func (c *collector) url() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http")
}

func (c *collector) next(t *testing.T) transport.Batch {
	t.Helper()
	select {
	case data := <-c.frames:
		b, err := transport.DecodeBatch(bytes.NewReader(data))
		require.NoError(t, err)
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("collector received nothing")
		return transport.Batch{}
	}
}

func testEvents(t *testing.T, name string) []event.Event {
	t.Helper()
	ev, err := event.New(name, event.WithTime(time.UnixMilli(1700000000000).UTC()))
	require.NoError(t, err)
	return []event.Event{ev}
}

func TestTransport_SendsTextFrames(t *testing.T) {
	c := newCollector(t, 0)
	tr := New(Config{URL: c.url(), Headers: map[string]string{"Authorization": "Bearer x"}})
	t.Cleanup(func() { tr.Close() })

	first := testEvents(t, "PressEvent")
	second := testEvents(t, "ScrollEvent")
	require.NoError(t, tr.Handle(context.Background(), first))
	require.NoError(t, tr.Handle(context.Background(), second))

	assert.Equal(t, first, c.next(t).Events)
	assert.Equal(t, second, c.next(t).Events)
	assert.Equal(t, int32(1), c.accepted.Load(), "connection is reused")
	assert.Equal(t, "Bearer x", c.header.Load())
}

func TestTransport_RedialsAfterDrop(t *testing.T) {
	c := newCollector(t, 1)
	tr := New(Config{URL: c.url()})
	t.Cleanup(func() { tr.Close() })

	require.NoError(t, tr.Handle(context.Background(), testEvents(t, "one")))
	c.next(t)

	// Wait until the read loop noticed the server closing the connection.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.conn == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Handle(context.Background(), testEvents(t, "two")))
	assert.Equal(t, "two", c.next(t).Events[0].Name())
	assert.Equal(t, int32(2), c.accepted.Load())
}

func TestTransport_DialFailure(t *testing.T) {
	c := newCollector(t, 0)
	url := c.url()
	c.server.Close()

	tr := New(Config{URL: url, HandshakeTimeout: time.Second})
	err := tr.Handle(context.Background(), testEvents(t, "x"))

	var se *transport.SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "websocket", se.Transport)
	assert.Contains(t, err.Error(), "dial failed")
}

func TestTransport_Usability(t *testing.T) {
	assert.False(t, New(Config{}).IsUsable())

	tr := New(Config{URL: "ws://collector.invalid/events"})
	assert.True(t, tr.IsUsable())
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsUsable())

	err := tr.Handle(context.Background(), testEvents(t, "x"))
	assert.ErrorIs(t, err, errClosed)
	assert.ErrorIs(t, tr.Handle(context.Background(), nil), transport.ErrEmptyBatch)
}
