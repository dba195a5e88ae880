// Package identity defines the identifiers and time source shared by every
// other sagacore component: SagaId, PeerId, TraceId and the derived
// IdempotencyKey, plus the injectable clock used for timestamps so tests
// don't depend on wall-clock time.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// SagaId is a globally unique 128-bit value identifying one saga instance.
type SagaId string

// NewSagaID mints a fresh saga identifier.
func NewSagaID() SagaId {
	return SagaId(uuid.NewString())
}

// PeerId is the stable identifier of a participant implementation, derived
// from its step name. Two participants that implement the same step name
// are considered the same peer for dependency-witness purposes.
type PeerId string

// PeerIDFromStep derives a PeerId from a participant's step_name.
func PeerIDFromStep(stepName string) PeerId {
	return PeerId(stepName)
}

// TraceId is a per-event identifier used for idempotency; it is carried in
// every choreography event and combined with the event kind to form an
// IdempotencyKey.
type TraceId string

// NewTraceID mints a fresh trace identifier for an outbound event.
func NewTraceID() TraceId {
	return TraceId(uuid.NewString())
}

// IdempotencyKey is a derived string of the form "<trace_id>:<event_kind>",
// unique per (saga, logically-distinct inbound event).
type IdempotencyKey string

// NewIdempotencyKey builds the dedupe key for an inbound event. The key
// intentionally excludes the publisher's peer id — two participants that
// happen to reuse a trace id for the same event kind are not a scenario the
// engine defends against, so the key stays trace_id:kind.
func NewIdempotencyKey(trace TraceId, eventKind string) IdempotencyKey {
	var b strings.Builder
	b.WriteString(string(trace))
	b.WriteByte(':')
	b.WriteString(eventKind)
	return IdempotencyKey(b.String())
}

// Clock returns the current time as milliseconds since the Unix epoch.
// Production code uses WallClock; tests inject a deterministic stand-in so
// last_transition_millis/created_at_millis assertions don't depend on
// wall-clock timing.
type Clock func() int64

// WallClock is the default Clock backed by time.Now.
func WallClock() int64 {
	return wallClockMillis()
}
