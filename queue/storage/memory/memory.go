// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/queue/storage"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store with an ordered in-process slice.
// Contents are lost on restart; use the badger store when that matters.
type Store struct {
	mu      sync.RWMutex
	entries []storage.Entry
	nextID  uint64
	closed  bool
}

// New creates a new in-memory queue store.
func New() *Store {
	return &Store{nextID: 1}
}

func (s *Store) Enqueue(ctx context.Context, events ...event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	for _, ev := range events {
		s.entries = append(s.entries, storage.Entry{ID: s.nextID, Event: ev})
		s.nextID++
	}

	return nil
}

func (s *Store) PeekBatch(ctx context.Context, limit int) ([]storage.Entry, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	n := min(limit, len(s.entries))
	batch := make([]storage.Entry, n)
	copy(batch, s.entries[:n])

	return batch, nil
}

func (s *Store) Remove(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	remove := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := remove[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	// Release references held by the tail of the backing array.
	clear(s.entries[len(kept):])
	s.entries = kept

	return nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	return len(s.entries), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.entries = nil

	return nil
}
