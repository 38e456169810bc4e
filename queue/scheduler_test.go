// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/queue/storage/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a ProcessFunc that remembers every batch it received.
type recorder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
	calls   atomic.Int32
}

func (r *recorder) process(ctx context.Context, events []event.Event) error {
	r.calls.Add(1)
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, names)
	return r.err
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func enqueue(t *testing.T, s *memory.Store, names ...string) {
	t.Helper()
	for _, n := range names {
		ev, err := event.New(n)
		require.NoError(t, err)
		require.NoError(t, s.Enqueue(context.Background(), ev))
	}
}

func storeLen(t *testing.T, s *memory.Store) int {
	t.Helper()
	n, err := s.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewScheduler_Validation(t *testing.T) {
	store := memory.New()
	rec := &recorder{}

	_, err := NewScheduler(nil, rec.process, DefaultConfig())
	assert.Error(t, err)

	_, err = NewScheduler(store, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilProcessFunc)

	_, err = NewScheduler(store, rec.process, Config{BatchSize: 0, FlushInterval: time.Second})
	assert.Error(t, err)

	_, err = NewScheduler(store, rec.process, Config{BatchSize: 1})
	assert.Error(t, err)
}

func TestScheduler_Run_EmptyStore(t *testing.T) {
	rec := &recorder{}
	s, err := NewScheduler(memory.New(), rec.process, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int32(0), rec.calls.Load())
}

func TestScheduler_Run_DeliversOneBatchInOrder(t *testing.T) {
	store := memory.New()
	enqueue(t, store, "a", "b", "c", "d", "e")

	rec := &recorder{}
	s, err := NewScheduler(store, rec.process, Config{BatchSize: 2, FlushInterval: time.Second})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, [][]string{{"a", "b"}}, rec.batches)
	assert.Equal(t, 3, storeLen(t, store))

	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, rec.batches)
	assert.Equal(t, 0, storeLen(t, store))
	assert.Equal(t, 0, s.InFlight())
}

func TestScheduler_Run_FailureKeepsEntries(t *testing.T) {
	store := memory.New()
	enqueue(t, store, "a", "b")

	rec := &recorder{err: errors.New("collector down")}
	s, err := NewScheduler(store, rec.process, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	err = s.Run(ctx)
	assert.EqualError(t, err, "collector down")
	assert.Equal(t, 2, storeLen(t, store))
	assert.Equal(t, 0, s.InFlight())

	// The same entries are redelivered on the next cycle.
	rec.setErr(nil)
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, [][]string{{"a", "b"}, {"a", "b"}}, rec.batches)
	assert.Equal(t, 0, storeLen(t, store))
}

func TestScheduler_Run_OverlappingCyclesSkipInFlight(t *testing.T) {
	store := memory.New()
	enqueue(t, store, "a", "b", "c", "d")

	entered := make(chan []string, 4)
	unblock := make(chan struct{})
	process := func(ctx context.Context, events []event.Event) error {
		names := make([]string, len(events))
		for i, ev := range events {
			names[i] = ev.Name()
		}
		entered <- names
		<-unblock
		return nil
	}

	s, err := NewScheduler(store, process, Config{BatchSize: 2, FlushInterval: time.Second})
	require.NoError(t, err)

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() { errs <- s.Run(ctx) }()
	first := <-entered
	assert.Equal(t, 2, s.InFlight())

	go func() { errs <- s.Run(ctx) }()
	second := <-entered

	assert.Equal(t, []string{"a", "b"}, first)
	assert.Equal(t, []string{"c", "d"}, second)
	assert.Equal(t, 4, s.InFlight())

	// A third cycle finds everything in flight and does nothing.
	third := make(chan error, 1)
	go func() { third <- s.Run(ctx) }()
	require.NoError(t, <-third)

	close(unblock)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 0, storeLen(t, store))
	assert.Equal(t, 0, s.InFlight())
}

func TestScheduler_Run_ConcurrentNeverDuplicates(t *testing.T) {
	store := memory.New()
	for i := 0; i < 100; i++ {
		enqueue(t, store, fmt.Sprintf("ev-%03d", i))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	process := func(ctx context.Context, events []event.Event) error {
		mu.Lock()
		for _, ev := range events {
			seen[ev.Name()]++
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	}

	s, err := NewScheduler(store, process, Config{BatchSize: 7, FlushInterval: time.Second})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := s.Run(context.Background()); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, seen, 100)
	for name, n := range seen {
		assert.Equal(t, 1, n, "event %s delivered more than once", name)
	}
}

func TestScheduler_Flush(t *testing.T) {
	store := memory.New()
	enqueue(t, store, "a", "b", "c", "d", "e")

	rec := &recorder{}
	s, err := NewScheduler(store, rec.process, Config{BatchSize: 2, FlushInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, int32(3), rec.calls.Load())
	assert.Equal(t, 0, storeLen(t, store))
}

func TestScheduler_Flush_StopsOnFailure(t *testing.T) {
	store := memory.New()
	enqueue(t, store, "a", "b", "c")

	rec := &recorder{err: errors.New("boom")}
	s, err := NewScheduler(store, rec.process, Config{BatchSize: 1, FlushInterval: time.Hour})
	require.NoError(t, err)

	assert.Error(t, s.Flush(context.Background()))
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, 3, storeLen(t, store))
}

func TestScheduler_StartTicksOnClock(t *testing.T) {
	store := memory.New()
	enqueue(t, store, "a")

	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	s, err := NewScheduler(store, rec.process, Config{BatchSize: 10, FlushInterval: 5 * time.Second}, WithClock(clock))
	require.NoError(t, err)

	s.Start(context.Background())
	s.Start(context.Background()) // no-op
	defer s.Close()

	assert.Equal(t, int32(0), rec.calls.Load(), "nothing is delivered before the first tick")

	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		return rec.calls.Load() >= 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return storeLen(t, store) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestScheduler_CloseKeepsEntries(t *testing.T) {
	store := memory.New()
	enqueue(t, store, "a")

	rec := &recorder{}
	s, err := NewScheduler(store, rec.process, Config{BatchSize: 1, FlushInterval: time.Hour}, WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)

	s.Start(context.Background())
	s.Close()
	s.Close()

	assert.Equal(t, int32(0), rec.calls.Load())
	assert.Equal(t, 1, storeLen(t, store))
}
