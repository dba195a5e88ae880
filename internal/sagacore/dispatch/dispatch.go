// Package dispatch implements the event dispatch and dedupe pipeline: the
// single public entry point that turns an inbound ChoreographyEvent into a
// state transition, zero or more participant callback invocations, a
// journal write, and zero or more published follow-up events.
//
// The overall shape — load state, run a step, publish, journal — mirrors a
// conventional orchestrator loop, generalized here from a centralized driver
// running named steps in a fixed order into a per-participant engine that
// reacts to events it did not itself originate.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/journal"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/statemachine"
)

// Participant is implemented by host business code. The engine never stores
// a back-pointer to it between calls — it is passed into HandleSagaEvent on
// every invocation.
type Participant interface {
	StepName() string
	SagaTypes() []string
	DependsOn() statemachine.DependencySpec
	RetryPolicy() statemachine.RetryPolicy

	ExecuteStep(ctx context.Context, sagaCtx events.SagaContext, input []byte) StepOutcome
	CompensateStep(ctx context.Context, sagaCtx events.SagaContext, compensationData []byte) CompensateOutcome
}

// LifecycleHooks is implemented optionally by a Participant that wants to
// observe its own terminal outcomes for a saga. These fire on THIS
// participant's local result, not on a saga-wide broadcast: nothing in this
// engine learns when every participant is done, since that requires a
// coordinator this design deliberately has none of. events.KindSagaCompleted
// and events.KindSagaFailed exist as wire kinds but are never produced or
// consumed here for the same reason.
type LifecycleHooks interface {
	OnSagaFailed(ctx context.Context, sagaCtx events.SagaContext, reason string)
	OnCompensationCompleted(ctx context.Context, sagaCtx events.SagaContext, reason string)
	OnQuarantined(ctx context.Context, sagaCtx events.SagaContext, reason string)
}

// StepOutcome is what ExecuteStep resolves to.
type StepOutcome struct {
	Result           statemachine.StepResult
	Output           []byte
	CompensationData []byte
	Reason           string
}

// CompensateOutcome is what CompensateStep resolves to.
type CompensateOutcome struct {
	Result statemachine.CompensateResult
	Reason string
}

// Publisher is what the engine calls to emit follow-up ChoreographyEvents.
// This is explicitly not the host actor runtime — mailbox delivery and
// pub/sub fanout live outside the core; internal/pkg/bus is one concrete
// Publisher, not the only legal one.
type Publisher interface {
	Publish(ctx context.Context, sagaType string, ev events.ChoreographyEvent) error
}

// Observer receives notifications for stats/tracing, bracketing every
// callback invocation. Engine callers that don't care can pass NopObserver{}.
type Observer interface {
	OnDedupeHit(sagaID identity.SagaId, key identity.IdempotencyKey)
	OnTransition(sagaID identity.SagaId, from, to statemachine.State)
	OnRetry(sagaID identity.SagaId, attempt int)
	OnStepInvoked(sagaID identity.SagaId, stepName string)
	OnCompensateInvoked(sagaID identity.SagaId, stepName string)
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

func (NopObserver) OnDedupeHit(identity.SagaId, identity.IdempotencyKey)        {}
func (NopObserver) OnTransition(identity.SagaId, statemachine.State, statemachine.State) {}
func (NopObserver) OnRetry(identity.SagaId, int)                                {}
func (NopObserver) OnStepInvoked(identity.SagaId, string)                       {}
func (NopObserver) OnCompensateInvoked(identity.SagaId, string)                 {}

// Engine is the dispatch engine for one participant. It owns the live
// SagaStateEntry map; the journal and dedupe store are shared collaborators
// injected at construction.
//
// Concurrency: HandleSagaEvent is invoked serially per participant by its
// mailbox, so the entry map itself needs no internal locking — but the
// journal/dedupe store must be thread-safe because other participants in
// the same process share them.
type Engine struct {
	store     journal.Store
	publisher Publisher
	observer  Observer
	clock     identity.Clock
	log       *slog.Logger

	entries map[identity.SagaId]*statemachine.SagaStateEntry
}

// New constructs an Engine. clock defaults to identity.WallClock if nil;
// observer defaults to NopObserver{} if nil.
func New(store journal.Store, publisher Publisher, clock identity.Clock, observer Observer, log *slog.Logger) *Engine {
	if clock == nil {
		clock = identity.WallClock
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     store,
		publisher: publisher,
		observer:  observer,
		clock:     clock,
		log:       log,
		entries:   make(map[identity.SagaId]*statemachine.SagaStateEntry),
	}
}

// Entry returns the live SagaStateEntry for sagaID, if any. Used by
// recovery to seed entries rebuilt from the journal, and by tests.
func (e *Engine) Entry(sagaID identity.SagaId) (*statemachine.SagaStateEntry, bool) {
	entry, ok := e.entries[sagaID]
	return entry, ok
}

// SetEntry installs a SagaStateEntry directly, bypassing dispatch. Used by
// recovery.Recover to seed the live map from a folded journal.
func (e *Engine) SetEntry(sagaID identity.SagaId, entry *statemachine.SagaStateEntry) {
	e.entries[sagaID] = entry
}

// Now returns the engine's injected clock reading in epoch milliseconds.
// Exposed so recovery can stamp journal entries it writes directly through
// the same clock seam the engine uses internally, instead of reaching for
// time.Now().
func (e *Engine) Now() int64 {
	return e.clock()
}

// RetryStep re-drives a participant's forward step for a saga already
// sitting in Triggered after a RetryableError outcome with attempts
// remaining. HandleSagaEvent cannot do this: statemachine.Apply special-cases
// Triggered/Executing/Compensating to return ErrNoTransition for any inbound
// event, since those states mean a callback is already in flight or already
// scheduled. A host's own backoff scheduler calls RetryStep once
// RetryPolicy.DelayForAttempt has elapsed for the attempt that just failed.
func (e *Engine) RetryStep(ctx context.Context, p Participant, sagaID identity.SagaId) error {
	entry, ok := e.entries[sagaID]
	if !ok {
		return fmt.Errorf("dispatch: retry step: no entry for saga %s", sagaID)
	}
	if entry.State.Terminal() {
		return nil
	}
	if entry.State != statemachine.Triggered {
		return fmt.Errorf("dispatch: retry step: saga %s not awaiting retry (state %s)", sagaID, entry.State.String())
	}
	return e.runStep(ctx, p, entry, sagaID)
}

// PublishStepFailed marks entry Failed and publishes the StepFailed event
// for stepName directly, without going through ApplyStepResult. Used by
// recovery when a folded entry is stuck Executing with its retry budget
// already exhausted: the step will never complete, and downstream
// participants waiting on it need the StepFailed broadcast rather than
// silence.
func (e *Engine) PublishStepFailed(ctx context.Context, entry *statemachine.SagaStateEntry, stepName, reason string) error {
	entry.State = statemachine.Failed
	entry.FailureReason = reason
	entry.LastTransitionMillis = e.clock()
	ev := events.ChoreographyEvent{
		Kind:     events.KindStepFailed,
		Context:  entry.Context,
		StepName: stepName,
		Reason:   reason,
	}
	ev.TraceID = identity.NewTraceID()
	return e.publisher.Publish(ctx, entry.Context.SagaType, ev)
}

// HandleSagaEvent is the engine's single public entry point.
func (e *Engine) HandleSagaEvent(ctx context.Context, p Participant, ev events.ChoreographyEvent) error {
	sagaID := ev.Context.SagaID

	// Step 1: dedupe gate.
	key := ev.IdempotencyKey()
	isNew, err := e.store.CheckAndMark(ctx, sagaID, key)
	if err != nil {
		// Dedupe failures are fail-open: the event is processed, risking one
		// double-execution, relying on the participant's own idempotence.
		e.log.WarnContext(ctx, "dedupe check failed, proceeding fail-open", "saga_id", sagaID, "error", err)
	} else if !isNew {
		e.observer.OnDedupeHit(sagaID, key)
		e.log.DebugContext(ctx, "dropped duplicate event", "saga_id", sagaID, "kind", ev.Kind.String(), "trace_id", ev.TraceID)
		return nil
	}

	// Step 2: state lookup/create.
	entry, existed := e.entries[sagaID]
	if !existed {
		entry = statemachine.NewEntry(ev.Context, e.clock())
		e.entries[sagaID] = entry
		if err := e.appendJournal(ctx, sagaID, events.ParticipantEvent{
			Kind:      events.PKindStepEntered,
			Timestamp: millisTime(e.clock()),
		}); err != nil {
			return e.quarantineOnJournalFailure(ctx, p, entry, ev.StepName, err)
		}
	}
	if entry.State.Terminal() {
		// Terminal closure: no further state change once a saga is done for
		// this participant.
		e.log.DebugContext(ctx, "dropped event for terminal saga", "saga_id", sagaID, "state", entry.State.String())
		return nil
	}

	from := entry.State

	// Step 3: transition.
	outcome, err := statemachine.Apply(entry, p.DependsOn(), ev, e.clock())
	if err != nil {
		if err == statemachine.ErrNoTransition {
			e.log.DebugContext(ctx, "no transition for event", "saga_id", sagaID, "state", entry.State.String(), "kind", ev.Kind.String())
			return nil
		}
		return fmt.Errorf("dispatch: apply transition: %w", err)
	}

	if outcome.Next != from {
		e.observer.OnTransition(sagaID, from, outcome.Next)
	}

	// Triggered moves straight to Executing and invokes the participant —
	// there's no separate scheduling tick to wait on.
	if outcome.Next == statemachine.Triggered {
		return e.runStep(ctx, p, entry, sagaID)
	}

	// Compensating: invoke compensate_step through the wrapper.
	if outcome.Compensate {
		return e.runCompensate(ctx, p, entry, sagaID, ev.StepName)
	}

	// Publish any events the transition produced directly. Apply's own
	// Idle/Completed transitions publish nothing themselves; only
	// ApplyStepResult/ApplyCompensateResult do.
	return e.publishAll(ctx, entry, outcome.Publish)
}

func (e *Engine) quarantineOnJournalFailure(ctx context.Context, p Participant, entry *statemachine.SagaStateEntry, stepName string, cause error) error {
	// A journal write failure quarantines the saga at once: the failed
	// write is not retried. The entry moves to Quarantined and the
	// Quarantined choreography event is emitted.
	entry.State = statemachine.Quarantined
	entry.FailureReason = fmt.Sprintf("journal write failed: %v", cause)
	ev := events.ChoreographyEvent{
		Kind:     events.KindQuarantined,
		Context:  entry.Context,
		StepName: stepName,
		Reason:   entry.FailureReason,
	}
	if hooks, ok := p.(LifecycleHooks); ok {
		hooks.OnQuarantined(ctx, entry.Context, entry.FailureReason)
	}
	if pubErr := e.publisher.Publish(ctx, entry.Context.SagaType, ev); pubErr != nil {
		e.log.ErrorContext(ctx, "failed to publish quarantine event", "error", pubErr)
	}
	return fmt.Errorf("dispatch: journal write failed, saga quarantined: %w", cause)
}

func (e *Engine) publishAll(ctx context.Context, entry *statemachine.SagaStateEntry, evs []events.ChoreographyEvent) error {
	var firstErr error
	for _, ev := range evs {
		ev.TraceID = identity.NewTraceID()
		if err := e.publisher.Publish(ctx, entry.Context.SagaType, ev); err != nil {
			// Publish failures are logged; local state is authoritative
			// and the operator must inspect via stats.
			e.log.ErrorContext(ctx, "publish failed", "kind", ev.Kind.String(), "saga_id", entry.Context.SagaID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) appendJournal(ctx context.Context, sagaID identity.SagaId, pev events.ParticipantEvent) error {
	_, err := e.store.Append(ctx, sagaID, pev)
	return err
}

func millisTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
