package statemachine

import "github.com/jcmexdev/choreo-saga/internal/sagacore/events"

// FoldParticipantEvent applies one journal-local ParticipantEvent to entry,
// mutating it in place. Recovery calls this once per journal entry, in
// sequence order. It is its own switch over ParticipantEvent kinds that
// makes the same state assignments the live dispatch path makes through
// ApplyStepResult/ApplyCompensateResult/EnterTriggered; only EnterTriggered
// is actually called, so the two paths are kept in step by hand.
func FoldParticipantEvent(entry *SagaStateEntry, pev events.ParticipantEvent) {
	switch pev.Kind {
	case events.PKindStepEntered:
		if pev.Attempts == 0 {
			// The dispatch engine writes a bare StepEntered record (no
			// attempts, no step name) the moment a SagaStateEntry is first
			// created for a saga, before any transition has actually
			// happened — it carries no state change to replay.
			break
		}
		entry.State = Triggered
		if pev.Attempts > entry.Attempts {
			entry.Attempts = pev.Attempts
		}
		EnterTriggered(entry, pev.Timestamp.UnixMilli())

	case events.PKindStepCompleted:
		entry.State = Completed
		entry.OutputBlob = pev.Output
		entry.CompensationBlob = pev.CompensationData
		entry.LastTransitionMillis = pev.Timestamp.UnixMilli()

	case events.PKindStepFailed:
		// Terminal discriminates this explicitly — Attempts vs. MaxAttempts
		// can't: a StepTerminalError or StepRequireCompensation lands Failed
		// unconditionally, on any attempt number, so a low Attempts count
		// here doesn't mean "retry continuing".
		if pev.Terminal {
			entry.State = Failed
			entry.FailureReason = pev.FailureReason
		} else {
			entry.State = Triggered
		}
		entry.LastTransitionMillis = pev.Timestamp.UnixMilli()

	case events.PKindCompensationEntered:
		entry.State = Compensating
		entry.LastTransitionMillis = pev.Timestamp.UnixMilli()

	case events.PKindCompensationSucceeded:
		entry.State = Compensated
		entry.LastTransitionMillis = pev.Timestamp.UnixMilli()

	case events.PKindCompensationFailed:
		entry.State = Quarantined
		entry.FailureReason = pev.FailureReason
		entry.LastTransitionMillis = pev.Timestamp.UnixMilli()

	case events.PKindQuarantined:
		entry.State = Quarantined
		entry.FailureReason = pev.FailureReason
		entry.LastTransitionMillis = pev.Timestamp.UnixMilli()
	}
}
