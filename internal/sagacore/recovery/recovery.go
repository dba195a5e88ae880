// Package recovery implements startup recovery: folding each saga's journal
// through statemachine.FoldParticipantEvent, which makes the same state
// assignments the dispatch engine makes live, so a restarted process
// rebuilds exactly the state it held before the crash.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/dispatch"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/journal"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/statemachine"
)

// millisTime mirrors dispatch's own helper: journal timestamps are stored as
// time.Time but the clock seam speaks epoch milliseconds.
func millisTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// DependsOn is the subset of dispatch.Participant recovery needs: a step
// name (for the StepFailed record and event), a retry policy (to tell
// whether a saga folded to Executing may still retry) and a dependency spec
// (not consulted during replay, since ParticipantEvents already encode the
// outcome of dependency resolution, but kept for symmetry).
type DependsOn interface {
	StepName() string
	DependsOn() statemachine.DependencySpec
	RetryPolicy() statemachine.RetryPolicy
}

// Recover scans j.ListSagas, folds each saga's journal, and seeds engine
// with the rebuilt live entries. It returns the list of recovered SagaIds —
// sagas whose reconstructed state was non-terminal and therefore still
// need future events delivered to them.
func Recover(ctx context.Context, engine *dispatch.Engine, p DependsOn, j journal.Journal) ([]identity.SagaId, error) {
	sagaIDs, err := j.ListSagas(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list sagas: %w", err)
	}

	var recovered []identity.SagaId
	for _, sagaID := range sagaIDs {
		entries, err := j.Read(ctx, sagaID)
		if err != nil {
			return recovered, fmt.Errorf("recovery: read journal for %s: %w", sagaID, err)
		}
		if len(entries) == 0 {
			continue
		}

		entry := fold(entries)
		if entry.State.Terminal() {
			// Terminal sagas are candidates for pruning, not for the live
			// map — other components decide when pruning actually happens.
			continue
		}

		// A saga recovered mid-Executing re-enters Triggered, where the host
		// re-drives it by calling Engine.RetryStep. A saga recovered
		// mid-Compensating is left in Compensating: no engine call re-runs
		// its compensation, and HandleSagaEvent drops events for it. Recovery
		// itself never re-publishes forward-completion events, since
		// peers are responsible for their own recovery and dedupe
		// suppresses any duplicate this participant might otherwise emit.
		// Executing is the exception: if the crash landed on the last
		// permitted attempt, re-entering Triggered would let a later
		// RetryStep push Attempts past RetryPolicy.MaxAttempts, so that case
		// is failed out here instead, the same bound ApplyStepResult's own
		// exhausted-retry branch enforces on the live path.
		switch entry.State {
		case statemachine.Executing:
			if entry.Attempts < p.RetryPolicy().MaxAttempts {
				entry.State = statemachine.Triggered
			} else {
				reason := "retry attempts exhausted before crash"
				if _, err := j.Append(ctx, sagaID, events.ParticipantEvent{
					Kind:          events.PKindStepFailed,
					StepName:      p.StepName(),
					FailureReason: reason,
					Terminal:      true,
					Attempts:      entry.Attempts,
					Timestamp:     millisTime(engine.Now()),
				}); err != nil {
					return recovered, fmt.Errorf("recovery: journal step failed for %s: %w", sagaID, err)
				}
				if err := engine.PublishStepFailed(ctx, entry, p.StepName(), reason); err != nil {
					return recovered, fmt.Errorf("recovery: publish step failed for %s: %w", sagaID, err)
				}
			}
		case statemachine.Triggered, statemachine.Compensating:
			// Triggered awaits Engine.RetryStep; Compensating is left as is.
		}

		if entry.State.Terminal() {
			// PublishStepFailed just landed this entry in Failed: the step
			// will never complete, so there's nothing left to drive.
			continue
		}

		engine.SetEntry(sagaID, entry)
		recovered = append(recovered, sagaID)
	}
	return recovered, nil
}

// fold reconstructs a SagaStateEntry by replaying ParticipantEvent journal
// entries in order through statemachine.FoldParticipantEvent.
func fold(entries []journal.Entry) *statemachine.SagaStateEntry {
	entry := &statemachine.SagaStateEntry{
		State:             statemachine.Idle,
		DependencyWitness: make(map[string]struct{}),
	}

	for _, je := range entries {
		entry.Context.SagaID = je.SagaID
		statemachine.FoldParticipantEvent(entry, je.Event)
	}

	return entry
}
