// Package statemachine implements the typestate state machine that governs
// one participant's view of one saga. States are a tagged enum rather than
// distinct marker types (Go has no sum types). Within this package only the
// transition functions (Apply, EnterTriggered, ApplyStepResult,
// ApplyCompensateResult, FoldParticipantEvent) assign State. Other packages
// are not prevented from doing so: State and its values are exported, and
// the dispatch and recovery packages assign it directly in a few places
// (journal-failure quarantine, Engine.PublishStepFailed, and recovery
// re-entering Triggered).
package statemachine

import (
	"errors"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
)

// State is one of the eight lifecycle states a SagaStateEntry can be in.
type State int

const (
	Idle State = iota
	Triggered
	Executing
	Completed
	Failed
	Compensating
	Compensated
	Quarantined
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Triggered:
		return "Triggered"
	case Executing:
		return "Executing"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Compensating:
		return "Compensating"
	case Compensated:
		return "Compensated"
	case Quarantined:
		return "Quarantined"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible for this
// participant once in this state: Failed, Compensated and Quarantined are
// all terminal.
func (s State) Terminal() bool {
	return s == Failed || s == Compensated || s == Quarantined
}

// SagaStateEntry is the per-participant, per-saga record. At most one entry
// exists per (participant, saga_id); the dispatch engine owns the map that
// stores these.
type SagaStateEntry struct {
	Context               events.SagaContext
	State                 State
	Attempts              int
	LastTransitionMillis  int64
	OutputBlob            []byte
	CompensationBlob      []byte
	FailureReason         string
	DependencyWitness     map[string]struct{} // step names observed Completed
	SawFailureOrCompensation bool              // saw StepFailed/CompensationRequested for this saga; suppresses late forward triggers
	SawSagaStarted        bool                 // true once SagaStarted has been observed; controls witness buffering
	TriggerInput          []byte               // input bytes passed to execute_step, captured at the moment deps became satisfied
	pendingWitness        map[string]struct{} // StepCompleted observed before SagaStarted arrived
}

// NewEntry creates a fresh Idle entry for a saga, done on the first event
// relevant to this participant.
func NewEntry(ctx events.SagaContext, now int64) *SagaStateEntry {
	return &SagaStateEntry{
		Context:              ctx,
		State:                Idle,
		LastTransitionMillis: now,
		DependencyWitness:    make(map[string]struct{}),
		pendingWitness:       make(map[string]struct{}),
	}
}

// DependencySpec describes when a participant's forward step fires. Kind
// selects the rule; Steps is ignored for OnSagaStart.
type DependencySpec struct {
	Kind  DependencyKind
	Steps []string // After: single entry; AllOf/AnyOf: the set
}

type DependencyKind int

const (
	OnSagaStart DependencyKind = iota
	After
	AllOf
	AnyOf
)

// Satisfied reports whether witness (the set of step names observed
// Completed) satisfies the dependency spec.
func (d DependencySpec) Satisfied(witness map[string]struct{}) bool {
	switch d.Kind {
	case OnSagaStart:
		return true
	case After:
		if len(d.Steps) == 0 {
			return false
		}
		_, ok := witness[d.Steps[0]]
		return ok
	case AllOf:
		for _, s := range d.Steps {
			if _, ok := witness[s]; !ok {
				return false
			}
		}
		return len(d.Steps) > 0
	case AnyOf:
		for _, s := range d.Steps {
			if _, ok := witness[s]; ok {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ErrNoTransition is returned by Apply when no transition is defined for
// (state, event). This is routine — many events a participant sees concern
// other participants — and the dispatch engine drops such events with a
// debug log.
var (
	ErrNoTransition = errors.New("statemachine: no transition defined for (state, event)")
)

// Outcome is what Apply tells the dispatch engine to do after computing a
// transition: the new state, and zero or more side effects to carry out.
type Outcome struct {
	Next      State
	RunStep   bool // invoke execute_step via the execution wrapper
	Compensate bool // invoke compensate_step via the execution wrapper
	Publish   []events.ChoreographyEvent
}

// Apply computes the transition for (entry.State, event) against the
// dependency spec and the entry's current witness set. It never invokes a
// callback: it moves an Idle entry whose dependencies became satisfied to
// Triggered, and a Completed entry receiving CompensationRequested to
// Compensating; the dispatch engine then runs the callback and calls
// ApplyStepResult/ApplyCompensateResult to land in Completed/Failed/etc.
// Apply also updates DependencyWitness, SawFailureOrCompensation,
// TriggerInput and LastTransitionMillis in place; it does not touch
// Attempts.
func Apply(entry *SagaStateEntry, dep DependencySpec, ev events.ChoreographyEvent, now int64) (Outcome, error) {
	switch entry.State {
	case Idle:
		return applyIdle(entry, dep, ev, now)
	case Completed:
		return applyCompleted(entry, ev, now)
	case Triggered, Executing, Compensating:
		// Forward-completion/failure events for OTHER steps may still update
		// the witness set even while this participant is mid-flight; they
		// don't move this participant's own state.
		if ev.Kind == events.KindStepCompleted && ev.StepName != "" {
			entry.DependencyWitness[ev.StepName] = struct{}{}
		}
		if ev.Kind == events.KindStepFailed || ev.Kind == events.KindCompensationRequested {
			entry.SawFailureOrCompensation = true
		}
		return Outcome{}, ErrNoTransition
	default:
		return Outcome{}, ErrNoTransition
	}
}

func applyIdle(entry *SagaStateEntry, dep DependencySpec, ev events.ChoreographyEvent, now int64) (Outcome, error) {
	switch ev.Kind {
	case events.KindSagaStarted:
		entry.SawSagaStarted = true
		// Merge any witnesses buffered before SagaStarted arrived due to
		// bus reordering.
		for s := range entry.pendingWitness {
			entry.DependencyWitness[s] = struct{}{}
		}
		entry.pendingWitness = nil

		if dep.Satisfied(entry.DependencyWitness) && !entry.SawFailureOrCompensation {
			entry.State = Triggered
			entry.LastTransitionMillis = now
			entry.TriggerInput = ev.Payload
			return Outcome{Next: Triggered, RunStep: true}, nil
		}
		return Outcome{Next: Idle}, nil

	case events.KindStepCompleted:
		if ev.StepName == "" {
			return Outcome{}, ErrNoTransition
		}
		if !entry.SawSagaStarted {
			// Saga not started yet: buffer for merge on SagaStarted.
			if entry.pendingWitness == nil {
				entry.pendingWitness = make(map[string]struct{})
			}
			entry.pendingWitness[ev.StepName] = struct{}{}
			return Outcome{Next: Idle}, nil
		}
		entry.DependencyWitness[ev.StepName] = struct{}{}
		if dep.Satisfied(entry.DependencyWitness) && !entry.SawFailureOrCompensation {
			entry.State = Triggered
			entry.LastTransitionMillis = now
			entry.TriggerInput = ev.Output
			return Outcome{Next: Triggered, RunStep: true}, nil
		}
		return Outcome{Next: Idle}, nil

	case events.KindStepFailed, events.KindCompensationRequested:
		entry.SawFailureOrCompensation = true
		return Outcome{Next: Idle}, nil

	default:
		return Outcome{}, ErrNoTransition
	}
}

func applyCompleted(entry *SagaStateEntry, ev events.ChoreographyEvent, now int64) (Outcome, error) {
	if ev.Kind != events.KindCompensationRequested {
		return Outcome{}, ErrNoTransition
	}
	entry.State = Compensating
	entry.LastTransitionMillis = now
	return Outcome{Next: Compensating, Compensate: true}, nil
}

// EnterTriggered is called once a Triggered entry is picked up by the
// dispatch loop's internal scheduling step, moving it to Executing.
func EnterTriggered(entry *SagaStateEntry, now int64) {
	entry.State = Executing
	entry.LastTransitionMillis = now
}

// StepResult is what a participant's execute_step callback resolves to.
type StepResult int

const (
	StepCompletedResult StepResult = iota
	StepTerminalError
	StepRequireCompensation
	StepRetryableError
)

// CompensateResult is what a participant's compensate_step callback
// resolves to.
type CompensateResult int

const (
	CompensateOk CompensateResult = iota
	CompensateAmbiguous
	CompensateTerminal
)

// RetryPolicy controls attempts/backoff for RetryableError.
type RetryPolicy struct {
	MaxAttempts        int
	InitialDelayMillis int64
	MaxDelayMillis     int64
	BackoffMultiplier  float64
}

// DefaultRetryPolicy uses conservative values: one attempt permitted before
// giving up, i.e. effectively no retry unless the participant opts in.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        1,
		InitialDelayMillis: 100,
		MaxDelayMillis:     5000,
		BackoffMultiplier:  2.0,
	}
}

// DelayForAttempt computes the backoff delay before attempt n (1-indexed):
// min(max_delay, initial_delay * multiplier^(n-1)).
func (p RetryPolicy) DelayForAttempt(n int) int64 {
	delay := float64(p.InitialDelayMillis)
	for i := 1; i < n; i++ {
		delay *= p.BackoffMultiplier
	}
	if int64(delay) > p.MaxDelayMillis {
		return p.MaxDelayMillis
	}
	return int64(delay)
}

// ApplyStepResult lands an Executing entry in its post-callback state. It
// returns the follow-up ChoreographyEvent(s) to publish, or (ok=false) when
// the result is RetryableError and attempts remain — in that case it has
// already put the entry back in Triggered and publishes nothing; the caller
// re-drives the step after the backoff delay.
func ApplyStepResult(entry *SagaStateEntry, peer identity.PeerId, stepName string, result StepResult, output, compensationData []byte, reason string, policy RetryPolicy, now int64) (Outcome, bool) {
	switch result {
	case StepCompletedResult:
		entry.State = Completed
		entry.OutputBlob = output
		entry.CompensationBlob = compensationData
		entry.LastTransitionMillis = now
		ev := events.ChoreographyEvent{
			Kind:             events.KindStepCompleted,
			Context:          entry.Context,
			StepName:         stepName,
			Output:           output,
			CompensationData: compensationData,
		}
		return Outcome{Next: Completed, Publish: []events.ChoreographyEvent{ev}}, true

	case StepTerminalError:
		entry.State = Failed
		entry.FailureReason = reason
		entry.LastTransitionMillis = now
		ev := events.ChoreographyEvent{
			Kind:                  events.KindStepFailed,
			Context:               entry.Context,
			StepName:              stepName,
			Reason:                reason,
			RequiresCompensation:  false,
		}
		return Outcome{Next: Failed, Publish: []events.ChoreographyEvent{ev}}, true

	case StepRequireCompensation:
		entry.State = Failed
		entry.FailureReason = reason
		entry.LastTransitionMillis = now
		ev := events.ChoreographyEvent{
			Kind:                  events.KindStepFailed,
			Context:               entry.Context,
			StepName:              stepName,
			Reason:                reason,
			RequiresCompensation:  true,
		}
		return Outcome{Next: Failed, Publish: []events.ChoreographyEvent{ev}}, true

	case StepRetryableError:
		if entry.Attempts < policy.MaxAttempts {
			entry.State = Triggered
			entry.LastTransitionMillis = now
			return Outcome{Next: Triggered}, false
		}
		entry.State = Failed
		entry.FailureReason = reason
		entry.LastTransitionMillis = now
		ev := events.ChoreographyEvent{
			Kind:                  events.KindStepFailed,
			Context:               entry.Context,
			StepName:              stepName,
			Reason:                reason,
			RequiresCompensation:  false,
		}
		return Outcome{Next: Failed, Publish: []events.ChoreographyEvent{ev}}, true
	}
	return Outcome{}, true
}

// ApplyCompensateResult lands a Compensating entry in its post-callback
// state.
func ApplyCompensateResult(entry *SagaStateEntry, stepName string, result CompensateResult, reason string, now int64) Outcome {
	switch result {
	case CompensateOk:
		entry.State = Compensated
		entry.LastTransitionMillis = now
		ev := events.ChoreographyEvent{
			Kind:     events.KindCompensationCompleted,
			Context:  entry.Context,
			StepName: stepName,
		}
		return Outcome{Next: Compensated, Publish: []events.ChoreographyEvent{ev}}

	case CompensateAmbiguous:
		entry.State = Quarantined
		entry.FailureReason = reason
		entry.LastTransitionMillis = now
		failedEv := events.ChoreographyEvent{
			Kind:      events.KindCompensationFailed,
			Context:   entry.Context,
			StepName:  stepName,
			Reason:    reason,
			Ambiguous: true,
		}
		quarantinedEv := events.ChoreographyEvent{
			Kind:     events.KindQuarantined,
			Context:  entry.Context,
			StepName: stepName,
			Reason:   reason,
		}
		return Outcome{Next: Quarantined, Publish: []events.ChoreographyEvent{failedEv, quarantinedEv}}

	case CompensateTerminal:
		entry.State = Quarantined
		entry.FailureReason = reason
		entry.LastTransitionMillis = now
		ev := events.ChoreographyEvent{
			Kind:     events.KindQuarantined,
			Context:  entry.Context,
			StepName: stepName,
			Reason:   reason,
		}
		return Outcome{Next: Quarantined, Publish: []events.ChoreographyEvent{ev}}
	}
	return Outcome{}
}
