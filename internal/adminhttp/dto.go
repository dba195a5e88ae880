package adminhttp

// RecoverResponse is the body of GET /sagas/recover.
type RecoverResponse struct {
	RecoveredSagaIDs []string `json:"recovered_saga_ids"`
	Count            int      `json:"count"`
}

// ParticipantStatsDTO mirrors recovery.Snapshot for one participant.
type ParticipantStatsDTO struct {
	Started      int64 `json:"started"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Compensating int64 `json:"compensating"`
	Compensated  int64 `json:"compensated"`
	Quarantined  int64 `json:"quarantined"`
	Retries      int64 `json:"retries"`
	DedupeHits   int64 `json:"dedupe_hits"`
}

// StatsResponse is the body of GET /stats: one entry per registered
// participant, keyed by step name.
type StatsResponse struct {
	Participants map[string]ParticipantStatsDTO `json:"participants"`
}

// ErrorResponse is the body of any non-2xx admin response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
