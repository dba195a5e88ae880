package adminhttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/choreo-saga/internal/pkg/interceptors"
)

// NewRouter builds the admin HTTP surface: GET /sagas/recover and GET
// /stats, behind the standard chi request-ID/trace/logging/recovery chain.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(interceptors.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/sagas/recover", handler.RecoverSagas)
	r.Get("/stats", handler.GetSagaStats)
	return r
}
