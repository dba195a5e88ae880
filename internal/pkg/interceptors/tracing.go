package interceptors

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jcmexdev/choreo-saga/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
)

// AttachTracingMetadata stamps every admin HTTP request with a trace_id
// (minted fresh, since the admin surface has no upstream event to inherit
// one from) and carries through any caller-supplied idempotency key, both
// reachable afterward via GetMetadataValue(ctx, constants.Header...).
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := string(identity.NewTraceID())
		idempotencyKey := r.Header.Get(constants.HeaderXIdempotencyKey)

		ctx := context.WithValue(r.Context(), constants.ContextKeyRequestID, traceID)
		ctx = context.WithValue(ctx, constants.ContextKeyIdempotencyKey, idempotencyKey)

		w.Header().Set(constants.HeaderXRequestId, traceID)
		slog.DebugContext(ctx, "admin request", "method", r.Method, "path", r.URL.Path, "trace_id", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
