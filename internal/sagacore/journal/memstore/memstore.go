// Package memstore provides an in-memory Journal+Dedupe implementation for
// unit tests and single-process demos: a mutex-guarded map per saga. No
// background cleanup goroutine is needed since saga-scoped Prune is the
// only eviction path the engine calls.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/journal"
)

// Store is an in-memory journal.Store.
type Store struct {
	mu      sync.Mutex
	entries map[identity.SagaId][]journal.Entry
	seen    map[identity.SagaId]map[identity.IdempotencyKey]struct{}
	now     func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[identity.SagaId][]journal.Entry),
		seen:    make(map[identity.SagaId]map[identity.IdempotencyKey]struct{}),
		now:     time.Now,
	}
}

func (s *Store) Append(ctx context.Context, sagaID identity.SagaId, ev events.ParticipantEvent) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := uint64(len(s.entries[sagaID])) + 1
	s.entries[sagaID] = append(s.entries[sagaID], journal.Entry{
		SagaID:    sagaID,
		Sequence:  seq,
		Timestamp: s.now(),
		Event:     ev,
	})
	return seq, nil
}

func (s *Store) Read(ctx context.Context, sagaID identity.SagaId) ([]journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]journal.Entry, len(s.entries[sagaID]))
	copy(out, s.entries[sagaID])
	return out, nil
}

func (s *Store) ListSagas(ctx context.Context) ([]identity.SagaId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]identity.SagaId, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) Prune(ctx context.Context, sagaID identity.SagaId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, sagaID)
	delete(s.seen, sagaID)
	return nil
}

func (s *Store) CheckAndMark(ctx context.Context, sagaID identity.SagaId, key identity.IdempotencyKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.seen[sagaID]
	if !ok {
		set = make(map[identity.IdempotencyKey]struct{})
		s.seen[sagaID] = set
	}
	if _, exists := set[key]; exists {
		return false, nil
	}
	set[key] = struct{}{}
	return true, nil
}

var _ journal.Store = (*Store)(nil)
