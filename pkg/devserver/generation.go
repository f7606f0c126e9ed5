// Package devserver runs the development server: it turns the configuration
// document into generations and serves the current one over HTTP.
//
// A Generation bundles everything derived from one read of the document. It is
// built completely before it becomes visible and is never modified afterwards.
// A reload builds a new generation, swaps it in and retires the old bridge.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polisai/workergraph/pkg/bindings"
	"github.com/polisai/workergraph/pkg/bridge"
	"github.com/polisai/workergraph/pkg/config"
	"github.com/polisai/workergraph/pkg/domain"
	"github.com/polisai/workergraph/pkg/modulegraph"
	"github.com/polisai/workergraph/pkg/telemetry"
	"github.com/polisai/workergraph/pkg/topology"
)

const tracerName = "github.com/polisai/workergraph/pkg/devserver"

// Generation is one immutable snapshot of the resolved project.
type Generation struct {
	ID        string
	Number    uint64
	Document  string
	CreatedAt time.Time

	Config     *domain.ResolvedConfig
	Topology   *domain.ResolvedTopology
	Bindings   *bindings.Plan
	LaunchPlan *topology.LaunchPlan
	Wrappers   map[domain.EnvironmentName]string

	Modules *modulegraph.Registry
	Bridge  *bridge.Bridge
}

// BuildInput is everything Build needs. It carries no hidden state.
type BuildInput struct {
	Number   uint64
	Document string
	Root     string
	Aliases  map[string]string

	Validate config.ValidateOptions
	Scripts  config.ScriptLoader

	BridgeURL    string
	RunnerModule string

	BuiltinPrefixes []string
	RequestTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *bridge.Metrics
	Tracing *bridge.TracingManager
}

// Build reads the document and derives a complete generation. Nothing is
// returned unless every stage succeeds.
func Build(ctx context.Context, in BuildInput) (gen *Generation, err error) {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "devserver.build")
	span.SetAttributes(
		attribute.String("document.path", in.Document),
		attribute.Int64("generation.number", int64(in.Number)),
	)
	defer func() {
		m := telemetry.BuildMetrics{
			Document:   in.Document,
			Generation: in.Number,
			Outcome:    classifyBuildError(err),
			Duration:   time.Since(start),
		}
		if gen != nil {
			m.Project = gen.Config.Name
			m.Environments = len(gen.Topology.Workers)
			m.Bindings = gen.Bindings.Len()
			telemetry.RecordTopology(span, gen.Topology)
			span.SetStatus(codes.Ok, "")
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		telemetry.RecordBuildMetrics(ctx, m)
		span.End()
	}()

	raw, err := config.LoadDocument(ctx, in.Document, in.Scripts)
	if err != nil {
		return nil, err
	}

	validate := in.Validate
	if validate.Root == "" {
		validate.Root = in.Root
	}
	cfg, err := config.ValidateDocument(raw, validate)
	if err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", in.Document, err)
	}

	topo, err := topology.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolving topology: %w", err)
	}

	plan, err := bindings.Extract(cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("extracting bindings: %w", err)
	}

	launch, err := topology.BuildLaunchPlan(topo, plan, topology.LaunchOptions{
		Root:         in.Root,
		BridgeURL:    in.BridgeURL,
		RunnerModule: in.RunnerModule,
	})
	if err != nil {
		return nil, fmt.Errorf("building launch plan: %w", err)
	}

	modules, err := modulegraph.NewRegistry(modulegraph.Options{
		Root:    in.Root,
		Aliases: in.Aliases,
		Logger:  logger,
	}, topo.EnvironmentNames())
	if err != nil {
		return nil, fmt.Errorf("creating module graphs: %w", err)
	}

	id := uuid.NewString()
	b, err := bridge.New(bridge.Options{
		Resolver:        modules,
		BuiltinPrefixes: in.BuiltinPrefixes,
		RequestTimeout:  in.RequestTimeout,
		Generation:      strconv.FormatUint(in.Number, 10),
		Logger:          logger,
		Metrics:         in.Metrics,
		Tracing:         in.Tracing,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	return &Generation{
		ID:         id,
		Number:     in.Number,
		Document:   in.Document,
		CreatedAt:  time.Now().UTC(),
		Config:     cfg,
		Topology:   topo,
		Bindings:   plan,
		LaunchPlan: launch,
		Wrappers:   topology.Wrappers(topo, in.RunnerModule),
		Modules:    modules,
		Bridge:     b,
	}, nil
}

func classifyBuildError(err error) telemetry.BuildOutcome {
	switch {
	case err == nil:
		return telemetry.OutcomeBuilt
	case domain.IsValidation(err), domain.IsIntegrity(err), errors.Is(err, domain.ErrUnresolvedModule):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeFailed
	}
}

// Snapshot is the JSON view of a generation served at /__plan.
type Snapshot struct {
	ID         string                   `json:"id"`
	Number     uint64                   `json:"number"`
	Document   string                   `json:"document"`
	CreatedAt  time.Time                `json:"createdAt"`
	Name       string                   `json:"name"`
	Topology   *domain.ResolvedTopology `json:"topology"`
	Bindings   *bindings.Plan           `json:"bindings"`
	LaunchPlan *topology.LaunchPlan     `json:"launchPlan"`
}

// Snapshot returns the generation's JSON view.
func (g *Generation) Snapshot() Snapshot {
	return Snapshot{
		ID:         g.ID,
		Number:     g.Number,
		Document:   g.Document,
		CreatedAt:  g.CreatedAt,
		Name:       g.Config.Name,
		Topology:   g.Topology,
		Bindings:   g.Bindings,
		LaunchPlan: g.LaunchPlan,
	}
}
