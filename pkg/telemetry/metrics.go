package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/workergraph/pkg/domain"
)

// BuildOutcome classifies a generation build.
type BuildOutcome string

const (
	OutcomeBuilt   BuildOutcome = "built"
	OutcomeInvalid BuildOutcome = "invalid"
	OutcomeFailed  BuildOutcome = "failed"
)

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	buildCounter        metric.Int64Counter
	buildLatency        metric.Float64Histogram
	environmentGauge    metric.Int64Gauge
	bindingGauge        metric.Int64Gauge
	retiredInflightHist metric.Int64Histogram
)

// BuildMetrics captures the fields needed to record one generation build.
type BuildMetrics struct {
	Project      string
	Document     string
	Generation   uint64
	Outcome      BuildOutcome
	Environments int
	Bindings     int
	Duration     time.Duration
}

// RecordBuildMetrics emits counters, gauges and histograms describing a
// generation build. Gauges are only updated for successful builds.
func RecordBuildMetrics(ctx context.Context, m BuildMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("project.name", m.Project),
		attribute.String("document.path", m.Document),
		attribute.String("build.outcome", string(m.Outcome)),
	}

	buildCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		buildLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if m.Outcome == OutcomeBuilt {
		project := metric.WithAttributes(attribute.String("project.name", m.Project))
		environmentGauge.Record(ctx, int64(m.Environments), project)
		bindingGauge.Record(ctx, int64(m.Bindings), project)
	}
}

// RecordRetirement records how many requests were still running when a
// generation was retired.
func RecordRetirement(ctx context.Context, project string, inflight int) {
	if err := ensureMetrics(); err != nil {
		return
	}
	retiredInflightHist.Record(ctx, int64(inflight), metric.WithAttributes(attribute.String("project.name", project)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("workergraph.devserver")

		buildCounter, metricsInitErr = meter.Int64Counter(
			"workergraph.generation.builds_total",
			metric.WithDescription("Generation builds partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		buildLatency, metricsInitErr = meter.Float64Histogram(
			"workergraph.generation.build_duration_ms",
			metric.WithDescription("Observed generation build latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		environmentGauge, metricsInitErr = meter.Int64Gauge(
			"workergraph.topology.environments",
			metric.WithDescription("Environments in the current generation"),
			metric.WithUnit("{environment}"),
		)
		if metricsInitErr != nil {
			return
		}

		bindingGauge, metricsInitErr = meter.Int64Gauge(
			"workergraph.topology.bindings",
			metric.WithDescription("Bindings in the current generation"),
			metric.WithUnit("{binding}"),
		)
		if metricsInitErr != nil {
			return
		}

		retiredInflightHist, metricsInitErr = meter.Int64Histogram(
			"workergraph.generation.retired_inflight",
			metric.WithDescription("Requests in flight when a generation was retired"),
			metric.WithUnit("{request}"),
		)
	})

	return metricsInitErr
}

// RecordReloadEvent attaches a reload event to the provided span.
func RecordReloadEvent(span trace.Span, outcome BuildOutcome, previous, next uint64, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("reload.outcome", string(outcome)),
		attribute.Int64("reload.generation.previous", int64(previous)),
		attribute.Int64("reload.generation.next", int64(next)),
	}

	if reason != "" {
		attrs = append(attrs, attribute.String("reload.reason", reason))
	}

	span.AddEvent("reload", trace.WithAttributes(attrs...))
}

// RecordTopology annotates the span with the shape of a resolved topology.
func RecordTopology(span trace.Span, topo *domain.ResolvedTopology) {
	if topo == nil || !span.IsRecording() {
		return
	}

	envs := topo.EnvironmentNames()
	names := make([]string, len(envs))
	for i, env := range envs {
		names[i] = string(env)
	}

	span.SetAttributes(
		attribute.String("topology.entry", string(topo.EntryEnvironment)),
		attribute.StringSlice("topology.environments", names),
		attribute.Int("topology.services", len(topo.Services)),
		attribute.Int("topology.vars", len(topo.Vars)),
	)

	for _, env := range envs {
		w, _ := topo.Worker(env)
		if len(w.RequiredEntrypointExports) > 0 {
			span.SetAttributes(attribute.Int("topology.exports."+string(env), len(w.RequiredEntrypointExports)))
		}
	}
}
