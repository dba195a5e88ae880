package recovery

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/statemachine"
)

// ParticipantStats is a lock-free set of counters tracking one
// participant's lifetime across all sagas it has seen. It implements
// dispatch.Observer so the dispatch engine can feed it directly.
type ParticipantStats struct {
	started      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	compensating atomic.Int64
	compensated  atomic.Int64
	quarantined  atomic.Int64
	retries      atomic.Int64
	dedupeHits   atomic.Int64

	meter             metric.Meter
	startedCounter    metric.Int64Counter
	completedCounter  metric.Int64Counter
	failedCounter     metric.Int64Counter
	retriesCounter    metric.Int64Counter
	dedupeHitsCounter metric.Int64Counter
}

// NewParticipantStats creates a ParticipantStats. meter may be nil, in
// which case counters are tracked in-process only (no OTel export) — useful
// for tests and for hosts that haven't wired a MeterProvider.
func NewParticipantStats(meter metric.Meter) *ParticipantStats {
	s := &ParticipantStats{meter: meter}
	if meter == nil {
		return s
	}
	s.startedCounter, _ = meter.Int64Counter("saga_participant_started_total")
	s.completedCounter, _ = meter.Int64Counter("saga_participant_completed_total")
	s.failedCounter, _ = meter.Int64Counter("saga_participant_failed_total")
	s.retriesCounter, _ = meter.Int64Counter("saga_participant_retries_total")
	s.dedupeHitsCounter, _ = meter.Int64Counter("saga_participant_dedupe_hits_total")
	return s
}

// Snapshot is the point-in-time counter values exposed by GetSagaStats.
type Snapshot struct {
	Started      int64
	Completed    int64
	Failed       int64
	Compensating int64
	Compensated  int64
	Quarantined  int64
	Retries      int64
	DedupeHits   int64
}

// Snapshot returns the current counter values.
func (s *ParticipantStats) Snapshot() Snapshot {
	return Snapshot{
		Started:      s.started.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
		Compensating: s.compensating.Load(),
		Compensated:  s.compensated.Load(),
		Quarantined:  s.quarantined.Load(),
		Retries:      s.retries.Load(),
		DedupeHits:   s.dedupeHits.Load(),
	}
}

func (s *ParticipantStats) OnDedupeHit(identity.SagaId, identity.IdempotencyKey) {
	s.dedupeHits.Add(1)
	if s.dedupeHitsCounter != nil {
		s.dedupeHitsCounter.Add(context.Background(), 1)
	}
}

func (s *ParticipantStats) OnTransition(_ identity.SagaId, from, to statemachine.State) {
	switch to {
	case statemachine.Triggered:
		if from == statemachine.Idle {
			s.started.Add(1)
			if s.startedCounter != nil {
				s.startedCounter.Add(context.Background(), 1)
			}
		}
	case statemachine.Completed:
		s.completed.Add(1)
		if s.completedCounter != nil {
			s.completedCounter.Add(context.Background(), 1)
		}
	case statemachine.Failed:
		s.failed.Add(1)
		if s.failedCounter != nil {
			s.failedCounter.Add(context.Background(), 1)
		}
	case statemachine.Compensating:
		s.compensating.Add(1)
	case statemachine.Compensated:
		s.compensated.Add(1)
	case statemachine.Quarantined:
		s.quarantined.Add(1)
	}
}

func (s *ParticipantStats) OnRetry(identity.SagaId, int) {
	s.retries.Add(1)
	if s.retriesCounter != nil {
		s.retriesCounter.Add(context.Background(), 1)
	}
}

func (s *ParticipantStats) OnStepInvoked(identity.SagaId, string)       {}
func (s *ParticipantStats) OnCompensateInvoked(identity.SagaId, string) {}
