package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "webvm-manager"

// Tracer wraps OpenTelemetry tracing for the platform.
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
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("webvm.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for tracing.
var (
	AttrInstanceID = attribute.Key("webvm.instance.id")
	AttrExecID     = attribute.Key("webvm.execution.id")
	AttrKind       = attribute.Key("webvm.kind")
	AttrExitCode   = attribute.Key("webvm.exit_code")
	AttrRiskScore  = attribute.Key("webvm.risk_score")
	AttrDurationMS = attribute.Key("webvm.duration_ms")
)
