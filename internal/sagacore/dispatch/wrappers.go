package dispatch

import (
	"context"
	"fmt"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/statemachine"
)

// runStep is the execution wrapper around a participant's forward step:
// pre-execution journal write, callback invocation with panic safety,
// classification into a transition, post-execution journal write, publish,
// stats/observer bracketing.
func (e *Engine) runStep(ctx context.Context, p Participant, entry *statemachine.SagaStateEntry, sagaID identity.SagaId) error {
	statemachine.EnterTriggered(entry, e.clock())
	entry.Attempts++
	e.observer.OnStepInvoked(sagaID, p.StepName())
	preCallback := entry.State

	if err := e.appendJournal(ctx, sagaID, events.ParticipantEvent{
		Kind:      events.PKindStepEntered,
		StepName:  p.StepName(),
		Attempts:  entry.Attempts,
		Timestamp: millisTime(e.clock()),
	}); err != nil {
		return e.quarantineOnJournalFailure(ctx, p, entry, p.StepName(), err)
	}

	outcome := e.invokeExecuteStep(ctx, p, entry)

	result, ok := statemachine.ApplyStepResult(entry, identity.PeerIDFromStep(p.StepName()), p.StepName(), outcome.Result, outcome.Output, outcome.CompensationData, outcome.Reason, p.RetryPolicy(), e.clock())
	if entry.State != preCallback {
		e.observer.OnTransition(sagaID, preCallback, entry.State)
	}
	if !ok {
		// RetryableError with attempts remaining: entry is now Triggered
		// again. The engine has no scheduler of its own, so a host wanting
		// non-blocking backoff computes the delay via
		// RetryPolicy.DelayForAttempt and calls Engine.RetryStep once it
		// elapses.
		e.observer.OnRetry(sagaID, entry.Attempts)
		if err := e.appendJournal(ctx, sagaID, events.ParticipantEvent{
			Kind:          events.PKindStepFailed,
			StepName:      p.StepName(),
			FailureReason: outcome.Reason,
			Terminal:      false,
			Attempts:      entry.Attempts,
			Timestamp:     millisTime(e.clock()),
		}); err != nil {
			return e.quarantineOnJournalFailure(ctx, p, entry, p.StepName(), err)
		}
		return nil
	}

	pkind := events.PKindStepCompleted
	if result.Next == statemachine.Failed {
		pkind = events.PKindStepFailed
	}
	if err := e.appendJournal(ctx, sagaID, events.ParticipantEvent{
		Kind:                 pkind,
		StepName:             p.StepName(),
		Output:               outcome.Output,
		CompensationData:     outcome.CompensationData,
		FailureReason:        outcome.Reason,
		RequiresCompensation: outcome.Result == statemachine.StepRequireCompensation,
		Terminal:             result.Next == statemachine.Failed,
		Attempts:             entry.Attempts,
		Timestamp:            millisTime(e.clock()),
	}); err != nil {
		return e.quarantineOnJournalFailure(ctx, p, entry, p.StepName(), err)
	}

	if result.Next == statemachine.Failed {
		if hooks, ok := p.(LifecycleHooks); ok {
			hooks.OnSagaFailed(ctx, entry.Context, outcome.Reason)
		}
	}

	return e.publishAll(ctx, entry, result.Publish)
}

// invokeExecuteStep calls the participant's ExecuteStep with panic safety:
// any unexpected fault converts to TerminalError rather than propagating
// into the dispatch loop.
func (e *Engine) invokeExecuteStep(ctx context.Context, p Participant, entry *statemachine.SagaStateEntry) (outcome StepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = StepOutcome{
				Result: statemachine.StepTerminalError,
				Reason: fmt.Sprintf("panic in execute_step: %v", r),
			}
		}
	}()
	return p.ExecuteStep(ctx, entry.Context, entry.TriggerInput)
}

// runCompensate is the execution wrapper for the Compensating branch of the
// state machine, mirroring runStep.
func (e *Engine) runCompensate(ctx context.Context, p Participant, entry *statemachine.SagaStateEntry, sagaID identity.SagaId, originatingStep string) error {
	e.observer.OnCompensateInvoked(sagaID, p.StepName())
	preCallback := entry.State

	if err := e.appendJournal(ctx, sagaID, events.ParticipantEvent{
		Kind:      events.PKindCompensationEntered,
		StepName:  p.StepName(),
		Timestamp: millisTime(e.clock()),
	}); err != nil {
		return e.quarantineOnJournalFailure(ctx, p, entry, p.StepName(), err)
	}

	outcome := e.invokeCompensateStep(ctx, p, entry)
	result := statemachine.ApplyCompensateResult(entry, p.StepName(), outcome.Result, outcome.Reason, e.clock())
	if entry.State != preCallback {
		e.observer.OnTransition(sagaID, preCallback, entry.State)
	}

	pkind := events.PKindCompensationSucceeded
	if result.Next == statemachine.Quarantined {
		pkind = events.PKindCompensationFailed
	}
	if err := e.appendJournal(ctx, sagaID, events.ParticipantEvent{
		Kind:          pkind,
		StepName:      p.StepName(),
		FailureReason: outcome.Reason,
		Ambiguous:     outcome.Result == statemachine.CompensateAmbiguous,
		Timestamp:     millisTime(e.clock()),
	}); err != nil {
		return e.quarantineOnJournalFailure(ctx, p, entry, p.StepName(), err)
	}

	if result.Next == statemachine.Quarantined {
		if hooks, ok := p.(LifecycleHooks); ok {
			hooks.OnQuarantined(ctx, entry.Context, outcome.Reason)
		}
	} else if result.Next == statemachine.Compensated {
		if hooks, ok := p.(LifecycleHooks); ok {
			hooks.OnCompensationCompleted(ctx, entry.Context, entry.FailureReason)
		}
	}

	return e.publishAll(ctx, entry, result.Publish)
}

// invokeCompensateStep calls the participant's CompensateStep with panic
// safety: an unexpected fault becomes Ambiguous rather than Terminal, since
// there's genuinely no way to tell whether the undo took effect before the
// panic.
func (e *Engine) invokeCompensateStep(ctx context.Context, p Participant, entry *statemachine.SagaStateEntry) (outcome CompensateOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = CompensateOutcome{
				Result: statemachine.CompensateAmbiguous,
				Reason: fmt.Sprintf("panic in compensate_step: %v", r),
			}
		}
	}()
	return p.CompensateStep(ctx, entry.Context, entry.CompensationBlob)
}
