// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/queue/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

const (
	entryPrefix = "queue:entry:"
	deadPrefix  = "queue:dead:"
	seqKey      = "queue:seq"
	countKey    = "queue:count" // Counter for O(1) Len()

	seqBandwidth = 1000
)

var _ storage.Store = (*Store)(nil)

// Config configures a BadgerDB-backed store.
type Config struct {
	Dir        string
	SyncWrites bool
	Logger     *slog.Logger
}

// Store implements storage.Store using BadgerDB. Entries survive restarts.
//
// Every write transaction updates the shared counter key, so writes are
// serialized by wmu; concurrent badger transactions on that key would
// otherwise fail with ErrConflict.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	owned  bool
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *slog.Logger
	wmu    sync.Mutex
	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) a BadgerDB database in cfg.Dir and wraps it.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("badger dir cannot be empty")
	}

	opts := badger.DefaultOptions(cfg.Dir).WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&logger{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}

	return s, nil
}

// New wraps an already opened database. The caller keeps ownership of db.
func New(db *badger.DB) (*Store, error) {
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sequence: %w", err)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		seq.Release()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		seq.Release()
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Store{db: db, seq: seq, enc: enc, dec: dec, logger: slog.Default()}, nil
}

func (s *Store) Enqueue(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if s.isClosed() {
		return storage.ErrClosed
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, ev := range events {
			next, err := s.seq.Next()
			if err != nil {
				return fmt.Errorf("failed to allocate entry id: %w", err)
			}

			data, err := s.encode(ev)
			if err != nil {
				return err
			}

			if err := txn.Set(makeEntryKey(next+1), data); err != nil {
				return err
			}
		}

		return incrementCounter(txn, int64(len(events)))
	})
}

func (s *Store) PeekBatch(ctx context.Context, limit int) ([]storage.Entry, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidLimit
	}
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	var entries []storage.Entry
	var corrupt []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchSize = limit

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(entries) < limit; it.Next() {
			item := it.Item()
			id := parseEntryKey(item.Key())

			var ev event.Event
			err := item.Value(func(val []byte) error {
				var err error
				ev, err = s.decode(val)
				return err
			})
			if err != nil {
				s.logger.Warn("queue entry cannot be decoded, moving to dead letters",
					slog.Uint64("id", id),
					slog.String("error", err.Error()))
				corrupt = append(corrupt, id)
				continue
			}

			entries = append(entries, storage.Entry{ID: id, Event: ev})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(corrupt) > 0 {
		if err := s.deadLetter(corrupt); err != nil {
			s.logger.Error("failed to move queue entries to dead letters",
				slog.Int("count", len(corrupt)),
				slog.String("error", err.Error()))
		}
	}

	return entries, nil
}

// deadLetter moves undecodable entries out of the queue so they no longer
// block the head of it.
func (s *Store) deadLetter(ids []uint64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		var moved int64
		for _, id := range ids {
			key := makeEntryKey(id)
			item, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Set(makeKey(deadPrefix, id), val); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			moved++
		}
		return incrementCounter(txn, -moved)
	})
}

// DeadLetters returns the number of entries moved aside as undecodable.
func (s *Store) DeadLetters(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}

	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) Remove(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if s.isClosed() {
		return storage.ErrClosed
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		var removed int64
		for _, id := range ids {
			key := makeEntryKey(id)
			_, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}

			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}

		return incrementCounter(txn, -removed)
	})
}

func (s *Store) Len(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}

	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(countKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				count = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})

	return int(count), err
}

// Close releases the sequence lease and closes the database when it was
// opened by Open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	if err := s.seq.Release(); err != nil {
		firstErr = fmt.Errorf("failed to release sequence: %w", err)
	}
	s.enc.Close()
	s.dec.Close()

	if s.owned {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) encode(ev event.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return s.enc.EncodeAll(data, nil), nil
}

func (s *Store) decode(val []byte) (event.Event, error) {
	data, err := s.dec.DecodeAll(val, nil)
	if err != nil {
		return event.Event{}, err
	}

	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

func incrementCounter(txn *badger.Txn, delta int64) error {
	var current int64
	item, err := txn.Get([]byte(countKey))
	if err == nil {
		err = item.Value(func(val []byte) error {
			if len(val) == 8 {
				current = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	next := current + delta
	if next < 0 {
		next = 0
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	return txn.Set([]byte(countKey), buf)
}

func makeEntryKey(id uint64) []byte {
	return makeKey(entryPrefix, id)
}

func makeKey(prefix string, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func parseEntryKey(key []byte) uint64 {
	if len(key) != len(entryPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(entryPrefix):])
}

// logger adapts slog to badger's logger interface.
type logger struct {
	l *slog.Logger
}

func (b *logger) Errorf(format string, args ...any) {
	b.l.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (b *logger) Warningf(format string, args ...any) {
	b.l.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (b *logger) Infof(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (b *logger) Debugf(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}
