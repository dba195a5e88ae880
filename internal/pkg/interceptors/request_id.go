package interceptors

import (
	"context"

	"github.com/jcmexdev/choreo-saga/internal/pkg/interceptors/constants"
)

// GetIDFromContext returns the trace/request ID AttachTracingMetadata
// stored on ctx, or "unknown" if the middleware never ran.
func GetIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// GetMetadataValue reads a value AttachTracingMetadata stashed under key.
// Used for anything beyond the request ID (currently just the idempotency
// key) without hardcoding context key types at every call site.
func GetMetadataValue(ctx context.Context, key constants.ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
