package bridge

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StructuredLogger provides structured request logging for the bridge
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// LogInvocation logs one module request with its outcome
func (sl *StructuredLogger) LogInvocation(ctx context.Context, req Request, kind Kind, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("environment", string(req.RequestingEnvironment)),
		slog.String("module_id", req.ModuleID),
		slog.String("kind", string(kind)),
		slog.Duration("duration", duration),
	}
	if req.ID != "" {
		attrs = append(attrs, slog.String("request_id", req.ID))
	}
	if req.Importer != "" {
		attrs = append(attrs, slog.String("importer", req.Importer))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()), slog.String("error_type", errorType(err)))
	}

	if traceID := getTraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if spanID := getSpanID(ctx); spanID != "" {
		attrs = append(attrs, slog.String("span_id", spanID))
	}

	switch {
	case err == nil:
		sl.logger.LogAttrs(ctx, slog.LevelDebug, "Module request served", attrs...)
	case IsRetired(err):
		sl.logger.LogAttrs(ctx, slog.LevelInfo, "Module request dropped by retired generation", attrs...)
	default:
		sl.logger.LogAttrs(ctx, slog.LevelWarn, "Module request failed", attrs...)
	}
}

// LogConnectionEvent logs WebSocket connection lifecycle events
func (sl *StructuredLogger) LogConnectionEvent(ctx context.Context, eventType, remoteAddr string, duration *time.Duration) {
	attrs := []slog.Attr{
		slog.String("event_type", eventType),
		slog.String("remote_addr", remoteAddr),
	}

	if duration != nil {
		attrs = append(attrs, slog.Duration("duration", *duration))
	}

	if traceID := getTraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}

	sl.logger.LogAttrs(ctx, slog.LevelInfo, "Bridge connection event", attrs...)
}

// LogHTTPRequest logs HTTP request details
func (sl *StructuredLogger) LogHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	}

	if traceID := getTraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if spanID := getSpanID(ctx); spanID != "" {
		attrs = append(attrs, slog.String("span_id", spanID))
	}

	// Module loads arrive on every sandbox import; successes stay at debug.
	level := slog.LevelDebug
	if statusCode >= 400 {
		level = slog.LevelWarn
	}
	if statusCode >= 500 {
		level = slog.LevelError
	}

	sl.logger.LogAttrs(ctx, level, "HTTP request", attrs...)
}

// Helper functions to extract trace information from context

func getTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

func getSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}
