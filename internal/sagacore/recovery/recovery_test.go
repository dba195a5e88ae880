package recovery

import (
	"context"
	"testing"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/dispatch"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/journal/memstore"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/statemachine"
)

type stubParticipant struct {
	name   string
	dep    statemachine.DependencySpec
	policy statemachine.RetryPolicy
}

func (s *stubParticipant) StepName() string                      { return s.name }
func (s *stubParticipant) SagaTypes() []string                    { return []string{"widget_order"} }
func (s *stubParticipant) DependsOn() statemachine.DependencySpec { return s.dep }
func (s *stubParticipant) RetryPolicy() statemachine.RetryPolicy  { return s.policy }
func (s *stubParticipant) ExecuteStep(ctx context.Context, sagaCtx events.SagaContext, input []byte) dispatch.StepOutcome {
	return dispatch.StepOutcome{Result: statemachine.StepCompletedResult, Output: []byte("out"), CompensationData: []byte("comp")}
}
func (s *stubParticipant) CompensateStep(ctx context.Context, sagaCtx events.SagaContext, compensationData []byte) dispatch.CompensateOutcome {
	return dispatch.CompensateOutcome{Result: statemachine.CompensateOk}
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, sagaType string, ev events.ChoreographyEvent) error {
	return nil
}

// recordingPublisher collects published events so recovery tests can assert
// on the StepFailed broadcast a crash-on-last-attempt recovery must emit.
type recordingPublisher struct {
	evs []events.ChoreographyEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, sagaType string, ev events.ChoreographyEvent) error {
	r.evs = append(r.evs, ev)
	return nil
}

// TestRecoverRebuildsCompletedState drives a saga to Completed through the
// live dispatch engine, then recovers it with a fresh engine sharing the
// same journal. The rebuilt state must match, and the saga must still come
// back as live: Completed isn't Terminal() for a participant, since a
// CompensationRequested could still arrive later.
func TestRecoverRebuildsCompletedState(t *testing.T) {
	store := memstore.New()
	p := &stubParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.OnSagaStart},
		policy: statemachine.RetryPolicy{MaxAttempts: 1},
	}

	preCrash := dispatch.New(store, nopPublisher{}, func() int64 { return 1 }, nil, nil)
	sagaID := identity.SagaId("saga-recover-1")
	ctx := events.SagaContext{SagaID: sagaID, SagaType: "widget_order", InitiatorPeer: "A", CreatedAtMillis: 1}

	if err := preCrash.HandleSagaEvent(context.Background(), p, events.ChoreographyEvent{
		Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx,
	}); err != nil {
		t.Fatalf("SagaStarted: %v", err)
	}

	preEntry, ok := preCrash.Entry(sagaID)
	if !ok || preEntry.State != statemachine.Completed {
		t.Fatalf("pre-crash state = %v (ok=%v), want Completed", preEntry, ok)
	}

	postCrash := dispatch.New(store, nopPublisher{}, func() int64 { return 2 }, nil, nil)
	recoveredIDs, err := Recover(context.Background(), postCrash, p, store)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// Completed is non-terminal from statemachine.State.Terminal()'s point
	// of view (only Failed/Compensated/Quarantined are), so it must show up
	// as recovered and remain live for a possible future CompensationRequested.
	found := false
	for _, id := range recoveredIDs {
		if id == sagaID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among recovered sagas, got %v", sagaID, recoveredIDs)
	}

	postEntry, ok := postCrash.Entry(sagaID)
	if !ok {
		t.Fatal("expected rebuilt entry to be seeded into the post-crash engine")
	}
	if postEntry.State != statemachine.Completed {
		t.Fatalf("rebuilt state = %v, want Completed", postEntry.State)
	}
	if string(postEntry.OutputBlob) != "out" || string(postEntry.CompensationBlob) != "comp" {
		t.Fatalf("rebuilt blobs = %q/%q, want out/comp", postEntry.OutputBlob, postEntry.CompensationBlob)
	}
}

// TestRecoverSkipsTerminalSagas verifies that a saga whose participant
// reached Failed is not returned as still-live (no further events are
// expected once it's unambiguously terminal).
func TestRecoverSkipsTerminalSagas(t *testing.T) {
	store := memstore.New()
	sagaID := identity.SagaId("saga-recover-2")
	if _, err := store.Append(context.Background(), sagaID, events.ParticipantEvent{Kind: events.PKindStepEntered}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	if _, err := store.Append(context.Background(), sagaID, events.ParticipantEvent{Kind: events.PKindStepEntered, StepName: "B", Attempts: 1}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	if _, err := store.Append(context.Background(), sagaID, events.ParticipantEvent{Kind: events.PKindStepFailed, StepName: "B", Attempts: 1, FailureReason: "boom", Terminal: true}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	engine := dispatch.New(store, nopPublisher{}, func() int64 { return 1 }, nil, nil)
	recoveredIDs, err := Recover(context.Background(), engine, &stubParticipant{name: "B", policy: statemachine.RetryPolicy{MaxAttempts: 1}}, store)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	for _, id := range recoveredIDs {
		if id == sagaID {
			t.Fatalf("terminal saga %s should not be returned as recovered", sagaID)
		}
	}
	if _, ok := engine.Entry(sagaID); ok {
		t.Fatalf("terminal saga %s should not be seeded into the live map", sagaID)
	}
}

// TestRecoverDistinguishesImmediateTerminalFromRetryContinuing: a
// StepTerminalError lands Failed unconditionally, even on attempt one of a
// policy that allows several more. Attempts (1) < MaxAttempts (3) must not
// be mistaken for "retry continuing" — only the journaled Terminal flag
// decides that.
func TestRecoverDistinguishesImmediateTerminalFromRetryContinuing(t *testing.T) {
	store := memstore.New()
	sagaID := identity.SagaId("saga-recover-4")
	if _, err := store.Append(context.Background(), sagaID, events.ParticipantEvent{Kind: events.PKindStepEntered}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	if _, err := store.Append(context.Background(), sagaID, events.ParticipantEvent{Kind: events.PKindStepEntered, StepName: "B", Attempts: 1}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	if _, err := store.Append(context.Background(), sagaID, events.ParticipantEvent{
		Kind: events.PKindStepFailed, StepName: "B", Attempts: 1, FailureReason: "bad payload", Terminal: true,
	}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	engine := dispatch.New(store, nopPublisher{}, func() int64 { return 1 }, nil, nil)
	p := &stubParticipant{name: "B", policy: statemachine.RetryPolicy{MaxAttempts: 3}}

	recoveredIDs, err := Recover(context.Background(), engine, p, store)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	for _, id := range recoveredIDs {
		if id == sagaID {
			t.Fatalf("immediately-terminal saga %s (attempts 1 of 3) should not be returned as recovered", sagaID)
		}
	}
	if _, ok := engine.Entry(sagaID); ok {
		t.Fatalf("immediately-terminal saga %s should not be seeded into the live map", sagaID)
	}
}

// TestRecoverFailsExecutingOnExhaustedRetries: a saga folded to Executing
// with Attempts already at RetryPolicy.MaxAttempts means the crash landed on
// the last permitted attempt. Recovery must not re-enter Triggered (that
// would let a later RetryStep push Attempts past MaxAttempts) — it must fail
// the step out and publish StepFailed instead.
func TestRecoverFailsExecutingOnExhaustedRetries(t *testing.T) {
	store := memstore.New()
	sagaID := identity.SagaId("saga-recover-3")
	if _, err := store.Append(context.Background(), sagaID, events.ParticipantEvent{Kind: events.PKindStepEntered}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	// StepEntered with Attempts == MaxAttempts and no terminal StepCompleted/
	// StepFailed after it: this is exactly what a crash mid-ExecuteStep on
	// the final attempt leaves behind.
	if _, err := store.Append(context.Background(), sagaID, events.ParticipantEvent{Kind: events.PKindStepEntered, StepName: "B", Attempts: 1}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	pub := &recordingPublisher{}
	engine := dispatch.New(store, pub, func() int64 { return 1 }, nil, nil)
	p := &stubParticipant{name: "B", policy: statemachine.RetryPolicy{MaxAttempts: 1}}

	recoveredIDs, err := Recover(context.Background(), engine, p, store)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	for _, id := range recoveredIDs {
		if id == sagaID {
			t.Fatalf("saga %s with exhausted retries should not be returned as recovered", sagaID)
		}
	}
	if _, ok := engine.Entry(sagaID); ok {
		t.Fatalf("saga %s with exhausted retries should not be seeded into the live map", sagaID)
	}

	found := false
	for _, ev := range pub.evs {
		if ev.Kind == events.KindStepFailed && ev.StepName == "B" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a StepFailed publish for exhausted retries, got %v", pub.evs)
	}
}
