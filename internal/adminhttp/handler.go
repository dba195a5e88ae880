package adminhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/recovery"
)

// RecoverFunc triggers a recovery pass and returns the SagaIds that came
// back live. The host binds this to recovery.Recover for one or more
// participants; adminhttp has no dependency on dispatch/recovery wiring
// itself, only on this function shape.
type RecoverFunc func(ctx context.Context) ([]identity.SagaId, error)

// StatsProvider returns a live snapshot of every registered participant's
// counters, keyed by step name.
type StatsProvider func() map[string]recovery.Snapshot

// Handler serves the admin HTTP surface named in the external-interfaces
// section: saga recovery and participant stats.
type Handler struct {
	recover RecoverFunc
	stats   StatsProvider
}

// NewHandler wires a Handler to the host's recovery trigger and stats
// source.
func NewHandler(recoverFn RecoverFunc, statsFn StatsProvider) *Handler {
	return &Handler{recover: recoverFn, stats: statsFn}
}

// RecoverSagas handles GET /sagas/recover: re-runs startup recovery on
// demand (e.g. after an operator suspects a participant missed events while
// down) and reports which sagas came back live.
func (h *Handler) RecoverSagas(w http.ResponseWriter, r *http.Request) {
	ids, err := h.recover(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "admin recovery failed", "error", err)
		writeError(w, http.StatusInternalServerError, "recovery_failed", err.Error())
		return
	}

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	writeJSON(w, http.StatusOK, RecoverResponse{RecoveredSagaIDs: out, Count: len(out)})
}

// GetSagaStats handles GET /stats: returns the current counters for every
// registered participant.
func (h *Handler) GetSagaStats(w http.ResponseWriter, r *http.Request) {
	snapshots := h.stats()
	participants := make(map[string]ParticipantStatsDTO, len(snapshots))
	for name, s := range snapshots {
		participants[name] = ParticipantStatsDTO{
			Started:      s.Started,
			Completed:    s.Completed,
			Failed:       s.Failed,
			Compensating: s.Compensating,
			Compensated:  s.Compensated,
			Quarantined:  s.Quarantined,
			Retries:      s.Retries,
			DedupeHits:   s.DedupeHits,
		}
	}
	writeJSON(w, http.StatusOK, StatsResponse{Participants: participants})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
