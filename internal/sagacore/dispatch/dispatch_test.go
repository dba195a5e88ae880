package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/journal/memstore"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/statemachine"
)

// fakeParticipant implements Participant with a configurable step name and
// dependency, and a scripted sequence of ExecuteStep results.
type fakeParticipant struct {
	mu          sync.Mutex
	name        string
	dep         statemachine.DependencySpec
	policy      statemachine.RetryPolicy
	stepResults []StepOutcome // consumed in order, one per ExecuteStep call
	compResults []CompensateOutcome
	stepCalls   int
	compCalls   int
	panicOnStep bool
}

func (f *fakeParticipant) StepName() string                        { return f.name }
func (f *fakeParticipant) SagaTypes() []string                      { return []string{"widget_order"} }
func (f *fakeParticipant) DependsOn() statemachine.DependencySpec   { return f.dep }
func (f *fakeParticipant) RetryPolicy() statemachine.RetryPolicy    { return f.policy }

func (f *fakeParticipant) ExecuteStep(ctx context.Context, sagaCtx events.SagaContext, input []byte) StepOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnStep {
		panic("boom")
	}
	idx := f.stepCalls
	f.stepCalls++
	if idx >= len(f.stepResults) {
		return StepOutcome{Result: statemachine.StepTerminalError, Reason: "no more scripted results"}
	}
	return f.stepResults[idx]
}

func (f *fakeParticipant) CompensateStep(ctx context.Context, sagaCtx events.SagaContext, compensationData []byte) CompensateOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.compCalls
	f.compCalls++
	if idx >= len(f.compResults) {
		return CompensateOutcome{Result: statemachine.CompensateTerminal, Reason: "no more scripted results"}
	}
	return f.compResults[idx]
}

// recordingPublisher collects every published event for assertions.
type recordingPublisher struct {
	mu   sync.Mutex
	evs  []events.ChoreographyEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, sagaType string, ev events.ChoreographyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recordingPublisher) countKind(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

// countingObserver tracks dedupe hits for S5 and every (from, to) transition
// the engine reports, including the terminal ones runStep/runCompensate
// compute after invoking the participant callback.
type countingObserver struct {
	NopObserver
	dedupeHits  int
	transitions []transitionPair
}

type transitionPair struct {
	from, to statemachine.State
}

func (c *countingObserver) OnDedupeHit(identity.SagaId, identity.IdempotencyKey) {
	c.dedupeHits++
}

func (c *countingObserver) OnTransition(_ identity.SagaId, from, to statemachine.State) {
	c.transitions = append(c.transitions, transitionPair{from, to})
}

func (c *countingObserver) sawTransitionTo(to statemachine.State) bool {
	for _, t := range c.transitions {
		if t.to == to {
			return true
		}
	}
	return false
}

func fixedClock(ms int64) identity.Clock {
	return func() int64 { return ms }
}

func sagaCtx(sagaID identity.SagaId) events.SagaContext {
	return events.SagaContext{
		SagaID:          sagaID,
		SagaType:        "widget_order",
		InitiatorPeer:   identity.PeerId("A"),
		CreatedAtMillis: 1000,
	}
}

// TestS1HappyPath: SagaStarted then StepCompleted(A) triggers B's step,
// which completes forward.
func TestS1HappyPath(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	participant := &fakeParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.After, Steps: []string{"A"}},
		policy: statemachine.RetryPolicy{MaxAttempts: 2},
		stepResults: []StepOutcome{
			{Result: statemachine.StepCompletedResult, Output: []byte("outB"), CompensationData: []byte("compB")},
		},
	}
	engine := New(store, pub, fixedClock(1), nil, nil)
	sagaID := identity.SagaId("saga-1")
	ctx := sagaCtx(sagaID)

	if err := engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{
		Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx,
	}); err != nil {
		t.Fatalf("SagaStarted: %v", err)
	}
	if err := engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{
		Kind: events.KindStepCompleted, TraceID: "t2", Context: ctx, StepName: "A", Output: []byte("outA"),
	}); err != nil {
		t.Fatalf("StepCompleted(A): %v", err)
	}

	entry, ok := engine.Entry(sagaID)
	if !ok {
		t.Fatal("no entry for saga")
	}
	if entry.State != statemachine.Completed {
		t.Fatalf("state = %v, want Completed", entry.State)
	}
	if pub.countKind(events.KindStepCompleted) != 1 {
		t.Fatalf("expected exactly one StepCompleted publish, got %d", pub.countKind(events.KindStepCompleted))
	}

	entries, err := store.Read(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var kinds []events.ParticipantKind
	for _, e := range entries {
		kinds = append(kinds, e.Event.Kind)
	}
	if len(kinds) < 2 {
		t.Fatalf("expected at least StepEntered+StepCompleted in journal, got %v", kinds)
	}
}

// TestS2RetryThenSuccess: first ExecuteStep returns Retryable, second
// returns Completed; final state is Completed with attempts=2 and exactly
// one StepCompleted publish.
func TestS2RetryThenSuccess(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	participant := &fakeParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.After, Steps: []string{"A"}},
		policy: statemachine.RetryPolicy{MaxAttempts: 2, InitialDelayMillis: 1, MaxDelayMillis: 10, BackoffMultiplier: 2},
		stepResults: []StepOutcome{
			{Result: statemachine.StepRetryableError, Reason: "transient"},
			{Result: statemachine.StepCompletedResult, Output: []byte("outB"), CompensationData: []byte("compB")},
		},
	}
	engine := New(store, pub, fixedClock(1), nil, nil)
	sagaID := identity.SagaId("saga-2")
	ctx := sagaCtx(sagaID)

	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx})
	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindStepCompleted, TraceID: "t2", Context: ctx, StepName: "A"})

	entry, _ := engine.Entry(sagaID)
	if entry.State == statemachine.Triggered {
		// First attempt returned Retryable; re-drive it through the same
		// exported call a host's backoff scheduler would make after
		// RetryPolicy.DelayForAttempt elapses.
		if err := engine.RetryStep(context.Background(), participant, sagaID); err != nil {
			t.Fatalf("RetryStep: %v", err)
		}
	}

	if entry.State != statemachine.Completed {
		t.Fatalf("state = %v, want Completed", entry.State)
	}
	if entry.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", entry.Attempts)
	}
	if pub.countKind(events.KindStepCompleted) != 1 {
		t.Fatalf("expected exactly one StepCompleted publish, got %d", pub.countKind(events.KindStepCompleted))
	}
}

// TestS3Compensation: after reaching Completed, CompensationRequested moves
// the participant to Compensated and publishes CompensationCompleted.
func TestS3Compensation(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	participant := &fakeParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.After, Steps: []string{"A"}},
		policy: statemachine.RetryPolicy{MaxAttempts: 2},
		stepResults: []StepOutcome{
			{Result: statemachine.StepCompletedResult, Output: []byte("outB"), CompensationData: []byte("compB")},
		},
		compResults: []CompensateOutcome{
			{Result: statemachine.CompensateOk},
		},
	}
	engine := New(store, pub, fixedClock(1), nil, nil)
	sagaID := identity.SagaId("saga-3")
	ctx := sagaCtx(sagaID)

	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx})
	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindStepCompleted, TraceID: "t2", Context: ctx, StepName: "A"})

	if err := engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{
		Kind: events.KindCompensationRequested, TraceID: "t3", Context: ctx, OriginatingStep: "C",
	}); err != nil {
		t.Fatalf("CompensationRequested: %v", err)
	}

	entry, _ := engine.Entry(sagaID)
	if entry.State != statemachine.Compensated {
		t.Fatalf("state = %v, want Compensated", entry.State)
	}
	if pub.countKind(events.KindCompensationCompleted) != 1 {
		t.Fatalf("expected one CompensationCompleted publish, got %d", pub.countKind(events.KindCompensationCompleted))
	}
}

// TestS4AmbiguousCompensation: CompensateStep returns Ambiguous; final state
// is Quarantined, publishing CompensationFailed(ambiguous=true) then
// Quarantined.
func TestS4AmbiguousCompensation(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	participant := &fakeParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.After, Steps: []string{"A"}},
		policy: statemachine.RetryPolicy{MaxAttempts: 2},
		stepResults: []StepOutcome{
			{Result: statemachine.StepCompletedResult, Output: []byte("outB"), CompensationData: []byte("compB")},
		},
		compResults: []CompensateOutcome{
			{Result: statemachine.CompensateAmbiguous, Reason: "unknown upstream state"},
		},
	}
	engine := New(store, pub, fixedClock(1), nil, nil)
	sagaID := identity.SagaId("saga-4")
	ctx := sagaCtx(sagaID)

	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx})
	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindStepCompleted, TraceID: "t2", Context: ctx, StepName: "A"})
	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindCompensationRequested, TraceID: "t3", Context: ctx, OriginatingStep: "C"})

	entry, _ := engine.Entry(sagaID)
	if entry.State != statemachine.Quarantined {
		t.Fatalf("state = %v, want Quarantined", entry.State)
	}
	if pub.countKind(events.KindCompensationFailed) != 1 {
		t.Fatalf("expected one CompensationFailed publish, got %d", pub.countKind(events.KindCompensationFailed))
	}
	if pub.countKind(events.KindQuarantined) != 1 {
		t.Fatalf("expected one Quarantined publish, got %d", pub.countKind(events.KindQuarantined))
	}

	entries, err := store.Read(context.Background(), sagaID)
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected journal to be retained, got %v entries, err=%v", len(entries), err)
	}
}

// TestObserverSeesTerminalTransitions verifies OnTransition fires for the
// terminal states landed in runStep/runCompensate (Completed, Failed,
// Compensated, Quarantined), not only for the Idle->Triggered transition
// statemachine.Apply itself computes. A stats collector observing only the
// latter would have its completed/failed/compensated/quarantined counters
// stuck at zero.
func TestObserverSeesTerminalTransitions(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	obs := &countingObserver{}
	participant := &fakeParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.OnSagaStart},
		policy: statemachine.RetryPolicy{MaxAttempts: 2},
		stepResults: []StepOutcome{
			{Result: statemachine.StepCompletedResult, Output: []byte("outB"), CompensationData: []byte("compB")},
		},
		compResults: []CompensateOutcome{
			{Result: statemachine.CompensateAmbiguous, Reason: "unknown upstream state"},
		},
	}
	engine := New(store, pub, fixedClock(1), obs, nil)
	sagaID := identity.SagaId("saga-obs-1")
	ctx := sagaCtx(sagaID)

	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx})
	if !obs.sawTransitionTo(statemachine.Completed) {
		t.Fatalf("expected OnTransition(..., Completed) after ExecuteStep succeeded, got %v", obs.transitions)
	}

	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{
		Kind: events.KindCompensationRequested, TraceID: "t2", Context: ctx, OriginatingStep: "C",
	})
	if !obs.sawTransitionTo(statemachine.Quarantined) {
		t.Fatalf("expected OnTransition(..., Quarantined) after CompensateStep returned Ambiguous, got %v", obs.transitions)
	}
}

// TestS5Dedupe: delivering StepCompleted(A) twice with identical trace_id
// triggers exactly one transition and increments dedupe_hits by 1.
func TestS5Dedupe(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	obs := &countingObserver{}
	participant := &fakeParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.After, Steps: []string{"A"}},
		policy: statemachine.RetryPolicy{MaxAttempts: 2},
		stepResults: []StepOutcome{
			{Result: statemachine.StepCompletedResult, Output: []byte("outB"), CompensationData: []byte("compB")},
		},
	}
	engine := New(store, pub, fixedClock(1), obs, nil)
	sagaID := identity.SagaId("saga-5")
	ctx := sagaCtx(sagaID)

	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx})

	dup := events.ChoreographyEvent{Kind: events.KindStepCompleted, TraceID: "t2", Context: ctx, StepName: "A"}
	engine.HandleSagaEvent(context.Background(), participant, dup)
	engine.HandleSagaEvent(context.Background(), participant, dup)

	if obs.dedupeHits != 1 {
		t.Fatalf("dedupeHits = %d, want 1", obs.dedupeHits)
	}
	if pub.countKind(events.KindStepCompleted) != 1 {
		t.Fatalf("expected exactly one StepCompleted publish, got %d", pub.countKind(events.KindStepCompleted))
	}
}

// TestS6CrashRecoveryJournalIsSufficient covers the journal side of S6:
// after the happy path, ListSagas returns the saga and its journal holds a
// StepCompleted record. It does not build a fresh Engine; folding the
// journal into a rebuilt entry with recovery.Recover is covered in the
// recovery package's own tests.
func TestS6CrashRecoveryJournalIsSufficient(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	participant := &fakeParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.After, Steps: []string{"A"}},
		policy: statemachine.RetryPolicy{MaxAttempts: 2},
		stepResults: []StepOutcome{
			{Result: statemachine.StepCompletedResult, Output: []byte("outB"), CompensationData: []byte("compB")},
		},
	}
	engine := New(store, pub, fixedClock(1), nil, nil)
	sagaID := identity.SagaId("saga-6")
	ctx := sagaCtx(sagaID)

	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx})
	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindStepCompleted, TraceID: "t2", Context: ctx, StepName: "A"})

	ids, err := store.ListSagas(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != sagaID {
		t.Fatalf("ListSagas = %v, err=%v", ids, err)
	}

	entries, err := store.Read(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var sawCompleted bool
	for _, e := range entries {
		if e.Event.Kind == events.PKindStepCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("journal does not contain a StepCompleted record: %+v", entries)
	}
}

// TestPanicInExecuteStepBecomesTerminal exercises the execution wrapper's
// panic safety (§4.5): an unexpected fault never escapes the dispatch loop.
func TestPanicInExecuteStepBecomesTerminal(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	participant := &fakeParticipant{
		name:        "B",
		dep:         statemachine.DependencySpec{Kind: statemachine.OnSagaStart},
		policy:      statemachine.RetryPolicy{MaxAttempts: 1},
		panicOnStep: true,
	}
	engine := New(store, pub, fixedClock(1), nil, nil)
	sagaID := identity.SagaId("saga-7")
	ctx := sagaCtx(sagaID)

	if err := engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{
		Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx,
	}); err != nil {
		t.Fatalf("HandleSagaEvent should not propagate panic as error: %v", err)
	}

	entry, _ := engine.Entry(sagaID)
	if entry.State != statemachine.Failed {
		t.Fatalf("state = %v, want Failed", entry.State)
	}
	if pub.countKind(events.KindStepFailed) != 1 {
		t.Fatalf("expected one StepFailed publish after panic, got %d", pub.countKind(events.KindStepFailed))
	}
}

// TestTerminalClosure: after SagaFailed-equivalent terminal state (Failed
// here), no subsequent event changes state (invariant 6).
func TestTerminalClosure(t *testing.T) {
	store := memstore.New()
	pub := &recordingPublisher{}
	participant := &fakeParticipant{
		name:   "B",
		dep:    statemachine.DependencySpec{Kind: statemachine.OnSagaStart},
		policy: statemachine.RetryPolicy{MaxAttempts: 1},
		stepResults: []StepOutcome{
			{Result: statemachine.StepTerminalError, Reason: "boom"},
		},
	}
	engine := New(store, pub, fixedClock(1), nil, nil)
	sagaID := identity.SagaId("saga-8")
	ctx := sagaCtx(sagaID)

	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindSagaStarted, TraceID: "t1", Context: ctx})
	entry, _ := engine.Entry(sagaID)
	if entry.State != statemachine.Failed {
		t.Fatalf("state = %v, want Failed", entry.State)
	}

	// Further events for the same saga must not change state.
	engine.HandleSagaEvent(context.Background(), participant, events.ChoreographyEvent{Kind: events.KindStepCompleted, TraceID: "t2", Context: ctx, StepName: "X"})
	if entry.State != statemachine.Failed {
		t.Fatalf("state changed after terminal closure: %v", entry.State)
	}
}
