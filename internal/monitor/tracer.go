package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "shannot"

// Tracer wraps OpenTelemetry tracing so a capture, approval, and replay
// round trip shows up as one traceable chain.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("shannot.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for session tracing.
var (
	AttrSessionID = attribute.Key("shannot.session.id")
	AttrProfile   = attribute.Key("shannot.profile")
	AttrTarget    = attribute.Key("shannot.target")
	AttrState     = attribute.Key("shannot.session.state")
	AttrOpIndex   = attribute.Key("shannot.op.index")
	AttrOpKind    = attribute.Key("shannot.op.kind")
)
