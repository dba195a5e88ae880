package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/choreo-saga/internal/pkg/interceptors"
	"github.com/jcmexdev/choreo-saga/internal/pkg/interceptors/constants"
)

// ContextHandler is a custom slog.Handler that extracts TraceID and SpanID
// from the OTel span context, plus the saga trace/idempotency metadata
// AttachTracingMetadata stashes on the admin HTTP path, and adds them as
// attributes to every log record. Only contexts that passed through
// AttachTracingMetadata carry saga_trace_id/idempotency_key; a worker
// processing bus-delivered ChoreographyEvents gets the OTel trace_id/span_id
// of the bus span, when there is one, and neither of the other two.
type ContextHandler struct {
	slog.Handler
}

// Handle adds tracing context attributes before calling the underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	spanContext := trace.SpanContextFromContext(ctx)
	if spanContext.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanContext.TraceID().String()))
	}
	if spanContext.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanContext.SpanID().String()))
	}
	if reqID := interceptors.GetIDFromContext(ctx); reqID != "" && reqID != "unknown" {
		r.AddAttrs(slog.String("saga_trace_id", reqID))
	}
	if idemKey := interceptors.GetMetadataValue(ctx, constants.ContextKeyIdempotencyKey); idemKey != "" {
		r.AddAttrs(slog.String("idempotency_key", idemKey))
	}
	return h.Handler.Handle(ctx, r)
}

// NewContextHandler returns a new slog.Handler that decorates logs with tracing IDs.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// InitLogger initialises the global slog logger with a JSON handler decorated
// with tracing context.
func InitLogger() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(NewContextHandler(handler))
	slog.SetDefault(logger)
}
