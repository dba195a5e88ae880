// Package bus implements an in-process publish/subscribe transport: the
// reference dispatch.Publisher implementation used by cmd/sagaworker and by
// tests that want several participants wired together in one process
// without a real broker. Cross-process deployments implement the same
// dispatch.Publisher contract over Kafka, NATS, SQS, or any other transport
// instead of this one.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
)

// Handler processes one ChoreographyEvent delivered to a subscriber.
// A returned error is logged, and Publish returns the first such error to
// its caller; the bus does not retry delivery — retry is
// the dispatch engine's job, scoped to ExecuteStep/CompensateStep, not to
// event delivery.
type Handler func(ctx context.Context, ev events.ChoreographyEvent) error

type options struct {
	logger         *slog.Logger
	tracingEnabled bool
	metricsEnabled bool
}

// Option configures a Bus.
type Option func(*options)

// WithLogger sets the bus logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing toggles OpenTelemetry span creation around Publish. Enabled by
// default.
func WithTracing(enabled bool) Option {
	return func(o *options) { o.tracingEnabled = enabled }
}

// WithMetrics toggles the published/delivered counters. Enabled by default.
func WithMetrics(enabled bool) Option {
	return func(o *options) { o.metricsEnabled = enabled }
}

// Bus is a mutex-guarded fanout table keyed by saga type: every participant
// that has called Subscribe for a saga type gets every ChoreographyEvent
// published for it, synchronously, in publish order. There is no persistence
// and no redelivery — a process that never subscribed before an event was
// published never sees it, which is why real deployments recover missed
// progress from the journal (internal/sagacore/recovery), not from the bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscriber

	logger         *slog.Logger
	tracingEnabled bool
	metricsEnabled bool

	meter    metric.Meter
	tracer   trace.Tracer
	published metric.Int64Counter
	delivered metric.Int64Counter
}

type subscriber struct {
	name    string
	handler Handler
}

// New constructs a Bus.
func New(opts ...Option) *Bus {
	o := &options{
		logger:         slog.Default(),
		tracingEnabled: true,
		metricsEnabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	b := &Bus{
		handlers:       make(map[string][]subscriber),
		logger:         o.logger.With("component", "bus"),
		tracingEnabled: o.tracingEnabled,
		metricsEnabled: o.metricsEnabled,
		meter:          otel.Meter("choreo-saga/bus"),
		tracer:         otel.Tracer("choreo-saga/bus"),
	}
	if b.metricsEnabled {
		b.published, _ = b.meter.Int64Counter("saga_bus_published_total")
		b.delivered, _ = b.meter.Int64Counter("saga_bus_delivered_total")
	}
	return b
}

// Subscribe registers a named handler for every ChoreographyEvent published
// against sagaType. name identifies the subscriber for logging only — it
// need not be unique, but giving each participant its own name makes
// delivery failures traceable back to a specific handler.
func (b *Bus) Subscribe(sagaType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[sagaType] = append(b.handlers[sagaType], subscriber{name: name, handler: h})
}

// Publish implements dispatch.Publisher. It delivers ev to every subscriber
// registered for sagaType, synchronously and in registration order. A
// handler error is logged and does not stop delivery to the remaining
// subscribers — one participant's failure must not block its siblings from
// seeing the same event.
func (b *Bus) Publish(ctx context.Context, sagaType string, ev events.ChoreographyEvent) error {
	if b.tracingEnabled {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, fmt.Sprintf("bus.publish %s", ev.Kind.String()),
			trace.WithAttributes(
				attribute.String("saga.type", sagaType),
				attribute.String("saga.id", string(ev.Context.SagaID)),
				attribute.String("saga.trace_id", string(ev.TraceID)),
				attribute.String("saga.event_kind", ev.Kind.String()),
			),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
	}
	if b.metricsEnabled && b.published != nil {
		b.published.Add(ctx, 1, metric.WithAttributes(
			attribute.String("saga_type", sagaType),
			attribute.String("event_kind", ev.Kind.String()),
		))
	}

	b.mu.RLock()
	subs := append([]subscriber(nil), b.handlers[sagaType]...)
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.handler(ctx, ev); err != nil {
			b.logger.ErrorContext(ctx, "bus handler failed",
				"subscriber", sub.name, "saga_type", sagaType, "saga_id", ev.Context.SagaID,
				"event_kind", ev.Kind.String(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if b.metricsEnabled && b.delivered != nil {
			b.delivered.Add(ctx, 1, metric.WithAttributes(
				attribute.String("saga_type", sagaType),
				attribute.String("subscriber", sub.name),
			))
		}
	}
	return firstErr
}
