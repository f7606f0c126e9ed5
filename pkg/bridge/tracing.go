package bridge

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of bridge spans.
const TracerName = "github.com/polisai/workergraph/pkg/bridge"

// TracingManager wraps the tracer used for bridge spans. The exporter and the
// global provider are owned by the telemetry package.
type TracingManager struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	enabled    bool
}

// NewTracingManager creates a tracing manager on the global tracer provider.
// A disabled manager only forwards the span already in the context.
func NewTracingManager(enabled bool) *TracingManager {
	return NewTracingManagerWithProvider(otel.GetTracerProvider(), enabled)
}

// NewTracingManagerWithProvider creates a tracing manager on tp.
func NewTracingManagerWithProvider(tp trace.TracerProvider, enabled bool) *TracingManager {
	if !enabled {
		return &TracingManager{enabled: false}
	}
	return &TracingManager{
		tracer: tp.Tracer(TracerName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		enabled: true,
	}
}

// StartSpan starts a new span with the given name and attributes
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !tm.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}

	return tm.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// ExtractHTTPHeaders extracts trace context from HTTP headers
func (tm *TracingManager) ExtractHTTPHeaders(ctx context.Context, headers http.Header) context.Context {
	if !tm.enabled {
		return ctx
	}

	return tm.propagator.Extract(ctx, propagation.HeaderCarrier(headers))
}

// RecordError records an error on the current span
func (tm *TracingManager) RecordError(ctx context.Context, err error) {
	if !tm.enabled || err == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// SetSpanStatus sets the status of the current span
func (tm *TracingManager) SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	if !tm.enabled {
		return
	}

	span := trace.SpanFromContext(ctx)
	span.SetStatus(code, description)
}
