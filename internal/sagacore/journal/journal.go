// Package journal defines the two storage trait contracts the dispatch
// engine depends on: an append-only per-saga Journal and an atomic Dedupe
// set. This package only specifies the contracts; concrete backends live
// in the memstore, sqlitestore and redisstore subpackages.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
)

// ErrJournal wraps backend-specific failures so callers can distinguish a
// storage problem from "no such saga".
var ErrJournal = errors.New("journal: storage error")

// Entry is one row appended to a saga's log.
type Entry struct {
	SagaID    identity.SagaId
	Sequence  uint64
	Timestamp time.Time
	Event     events.ParticipantEvent
}

// Journal is the append-only per-participant log enabling crash recovery.
// Implementations must be durable before Append returns, assign strictly
// monotonic sequence numbers per saga, and be safe for concurrent readers.
type Journal interface {
	// Append persists ev for sagaID and returns its assigned sequence number.
	Append(ctx context.Context, sagaID identity.SagaId, ev events.ParticipantEvent) (uint64, error)

	// Read returns all entries for sagaID in sequence order.
	Read(ctx context.Context, sagaID identity.SagaId) ([]Entry, error)

	// ListSagas returns every saga_id with at least one journal entry.
	// Used at startup by the recovery scan.
	ListSagas(ctx context.Context) ([]identity.SagaId, error)

	// Prune erases all entries for a terminal saga.
	Prune(ctx context.Context, sagaID identity.SagaId) error
}

// Dedupe is the atomic idempotency-key set the dispatch engine consults
// before processing any inbound event.
type Dedupe interface {
	// CheckAndMark returns true iff key was newly inserted for sagaID,
	// false iff it was already present. Must be atomic.
	CheckAndMark(ctx context.Context, sagaID identity.SagaId, key identity.IdempotencyKey) (bool, error)

	// Prune drops all keys tracked for a terminal saga.
	Prune(ctx context.Context, sagaID identity.SagaId) error
}

// Store bundles Journal and Dedupe since most backends implement both
// against the same underlying connection/table. Journal.Prune and
// Dedupe.Prune share one signature and every backend collapses them into a
// single method that erases a terminal saga's journal entries and dedupe
// keys together — a dangling dedupe key for an already-pruned journal
// would silently drop a legitimate event if the saga ID were ever reused.
type Store interface {
	Journal
	Dedupe
}
