// Package events defines the two event families the sagacore operates on:
// ChoreographyEvent, published on the "saga:<type>" topic and consumed by
// every participant subscribed to that saga type, and ParticipantEvent,
// which is journal-local and never published. Both are modeled as tagged
// structs (a Kind discriminant plus the fields relevant to that kind)
// rather than a type hierarchy, so the dispatch engine and the journal can
// switch on Kind without type assertions.
package events

import (
	"time"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
)

// Kind discriminates ChoreographyEvent variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindSagaStarted
	KindStepCompleted
	KindStepFailed
	KindCompensationRequested
	KindCompensationCompleted
	KindCompensationFailed
	KindSagaCompleted
	KindSagaFailed
	KindQuarantined
)

// String names the kind the way it appears in idempotency keys and logs.
func (k Kind) String() string {
	switch k {
	case KindSagaStarted:
		return "SagaStarted"
	case KindStepCompleted:
		return "StepCompleted"
	case KindStepFailed:
		return "StepFailed"
	case KindCompensationRequested:
		return "CompensationRequested"
	case KindCompensationCompleted:
		return "CompensationCompleted"
	case KindCompensationFailed:
		return "CompensationFailed"
	case KindSagaCompleted:
		return "SagaCompleted"
	case KindSagaFailed:
		return "SagaFailed"
	case KindQuarantined:
		return "Quarantined"
	default:
		return "Unknown"
	}
}

// SagaContext is the immutable value propagated verbatim with every
// choreography event belonging to one saga.
type SagaContext struct {
	SagaID            identity.SagaId
	SagaType          string
	InitiatorPeer     identity.PeerId
	CreatedAtMillis   int64
	PayloadFingerprint string
}

// ChoreographyEvent is the wire event published to "saga:<saga_type>".
// Only the fields relevant to Kind are populated; the rest are zero.
type ChoreographyEvent struct {
	Kind    Kind
	TraceID identity.TraceId
	Context SagaContext

	// SagaStarted
	Payload []byte

	// StepCompleted / CompensationCompleted / StepFailed / CompensationFailed / Quarantined
	StepName string

	// StepCompleted
	Output           []byte
	CompensationData []byte

	// StepFailed
	RequiresCompensation bool

	// CompensationRequested
	OriginatingStep string

	// StepFailed / CompensationFailed / SagaFailed / Quarantined
	Reason string

	// CompensationFailed
	Ambiguous bool
}

// IdempotencyKey computes the dedupe key for this inbound event.
func (e ChoreographyEvent) IdempotencyKey() identity.IdempotencyKey {
	return identity.NewIdempotencyKey(e.TraceID, e.Kind.String())
}

// ParticipantKind discriminates ParticipantEvent variants. These mirror
// state-machine transitions and are never published to the bus; they exist
// purely so the journal can be replayed to reconstruct a SagaStateEntry.
type ParticipantKind int

const (
	PKindUnknown ParticipantKind = iota
	PKindStepEntered
	PKindStepCompleted
	PKindStepFailed
	PKindCompensationEntered
	PKindCompensationSucceeded
	PKindCompensationFailed
	PKindQuarantined
)

func (k ParticipantKind) String() string {
	switch k {
	case PKindStepEntered:
		return "StepEntered"
	case PKindStepCompleted:
		return "StepCompleted"
	case PKindStepFailed:
		return "StepFailed"
	case PKindCompensationEntered:
		return "CompensationEntered"
	case PKindCompensationSucceeded:
		return "CompensationSucceeded"
	case PKindCompensationFailed:
		return "CompensationFailed"
	case PKindQuarantined:
		return "Quarantined"
	default:
		return "Unknown"
	}
}

// ParticipantEvent is the journal-local record mirroring a state transition.
type ParticipantEvent struct {
	Kind ParticipantKind

	StepName         string
	Output           []byte
	CompensationData []byte
	FailureReason    string
	RequiresCompensation bool
	Ambiguous        bool

	// Terminal discriminates a PKindStepFailed record that landed the
	// participant in Failed (StepTerminalError, StepRequireCompensation, or
	// StepRetryableError with the retry budget exhausted) from one written
	// while the entry is still Triggered for another attempt
	// (StepRetryableError with attempts remaining). Attempts vs. RetryPolicy
	// can't tell these apart on replay: a terminal error can land on attempt
	// one, well under MaxAttempts.
	Terminal bool

	Attempts  int
	Timestamp time.Time
}
