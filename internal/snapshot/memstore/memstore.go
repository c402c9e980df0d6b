// Package memstore provides an in-memory snapshot store.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/savepoint/internal/clock"
	"github.com/dshills/savepoint/internal/snapshot"
)

// Store keeps snapshots in memory, per key, ordered by number.
type Store struct {
	mu        sync.RWMutex
	snapshots map[snapshot.Key][]snapshot.Snapshot
	clock     clock.Clock
	closed    bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for creation timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		snapshots: make(map[snapshot.Key][]snapshot.Snapshot),
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores value as the next snapshot for key.
func (s *Store) Append(ctx context.Context, key snapshot.Key, value []byte) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}
	if err := key.Validate(); err != nil {
		return snapshot.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return snapshot.Snapshot{}, snapshot.ErrClosed
	}

	list := s.snapshots[key]
	snap := snapshot.Snapshot{
		ID:        uuid.NewString(),
		Key:       key,
		Number:    len(list) + 1,
		Value:     cloneBytes(value),
		CreatedAt: s.clock.Now(),
	}
	s.snapshots[key] = append(list, snap)

	return copySnapshot(snap), nil
}

// List returns copies of all snapshots for key.
func (s *Store) List(ctx context.Context, key snapshot.Key) ([]snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, snapshot.ErrClosed
	}

	list := s.snapshots[key]
	result := make([]snapshot.Snapshot, len(list))
	for i, snap := range list {
		result[i] = copySnapshot(snap)
	}
	return result, nil
}

// Get returns the snapshot numbered number for key.
func (s *Store) Get(ctx context.Context, key snapshot.Key, number int) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return snapshot.Snapshot{}, snapshot.ErrClosed
	}

	list := s.snapshots[key]
	// Numbers are dense and start at 1
	if number < 1 || number > len(list) {
		return snapshot.Snapshot{}, &snapshot.NotFoundError{Key: key, Number: number}
	}
	return copySnapshot(list[number-1]), nil
}

// Len returns the number of snapshots stored for key.
func (s *Store) Len(key snapshot.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots[key])
}

// Close marks the store closed. Further calls return snapshot.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copySnapshot(snap snapshot.Snapshot) snapshot.Snapshot {
	snap.Value = cloneBytes(snap.Value)
	return snap
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
