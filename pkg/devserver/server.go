package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/polisai/workergraph/pkg/bridge"
	"github.com/polisai/workergraph/pkg/config"
	"github.com/polisai/workergraph/pkg/domain"
	"github.com/polisai/workergraph/pkg/telemetry"
)

// Route paths served by the Server.
const (
	InvokePath    = "/__bridge/invoke"
	WebSocketPath = "/__bridge/ws"
	PlanPath      = "/__plan"
	WrappersPath  = "/__wrappers/"
	HealthPath    = "/healthz"
)

// DefaultDrainTimeout bounds how long a retired generation may keep serving
// requests it already accepted.
const DefaultDrainTimeout = 10 * time.Second

// ErrNoGeneration is returned before the first successful reload.
var ErrNoGeneration = errors.New("no generation loaded")

// Options configures a Server.
type Options struct {
	Settings *config.Settings

	// BridgeURL is handed to sandboxes as the invoke binding. Empty derives
	// it from the server address.
	BridgeURL string

	Scripts      config.ScriptLoader
	DrainTimeout time.Duration

	Logger  *slog.Logger
	Metrics *bridge.Metrics
	Tracing *bridge.TracingManager
}

// ReloadStats describes reload history.
type ReloadStats struct {
	Generation  uint64    `json:"generation"`
	ReloadCount int64     `json:"reloadCount"`
	FailedCount int64     `json:"failedCount"`
	LastReload  time.Time `json:"lastReload"`
	LastError   string    `json:"lastError,omitempty"`
}

// Server serves the current generation. Reloads are serialised; readers see
// either the old or the new generation, never a mix.
type Server struct {
	settings     *config.Settings
	bridgeURL    string
	scripts      config.ScriptLoader
	drainTimeout time.Duration

	logger  *slog.Logger
	metrics *bridge.Metrics
	tracing *bridge.TracingManager

	current atomic.Pointer[Generation]

	mu          sync.Mutex
	reloadCount int64
	failedCount int64
	lastReload  time.Time
	lastError   error

	draining sync.WaitGroup
}

// New creates a server with no generation. Call Reload to load the document.
func New(opts Options) (*Server, error) {
	if opts.Settings == nil {
		return nil, errors.New("devserver: settings are required")
	}
	if opts.Settings.Project.Document == "" {
		return nil, errors.New("devserver: project document is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = bridge.NewMetrics()
	}
	tracing := opts.Tracing
	if tracing == nil {
		tracing = bridge.NewTracingManager(true)
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	bridgeURL := opts.BridgeURL
	if bridgeURL == "" {
		bridgeURL = "http://" + opts.Settings.Server.Address + InvokePath
	}

	return &Server{
		settings:     opts.Settings,
		bridgeURL:    bridgeURL,
		scripts:      opts.Scripts,
		drainTimeout: drain,
		logger:       logger,
		metrics:      metrics,
		tracing:      tracing,
	}, nil
}

// Current returns the generation being served, or nil before the first load.
func (s *Server) Current() *Generation {
	return s.current.Load()
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *bridge.Metrics {
	return s.metrics
}

// Reload builds a new generation from the document and swaps it in. On
// failure the previous generation keeps serving and the error is returned.
func (s *Server) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "devserver.reload")
	defer span.End()

	start := time.Now()
	prev := s.current.Load()
	var prevNumber uint64
	if prev != nil {
		prevNumber = prev.Number
	}

	s.logger.Info("Starting generation build", "document", s.settings.Project.Document, "generation", prevNumber+1)

	next, err := Build(ctx, s.buildInput(prevNumber+1))
	if err != nil {
		outcome := classifyBuildError(err)
		status := "build_failed"
		if outcome == telemetry.OutcomeInvalid {
			status = "validation_failed"
		}
		s.metrics.RecordConfigReload(status)
		telemetry.RecordReloadEvent(span, outcome, prevNumber, prevNumber, err.Error())
		s.failedCount++
		s.lastError = err
		s.logger.Error("Generation build failed; keeping previous generation",
			"error", err,
			"generation", prevNumber,
			"duration", time.Since(start))
		return fmt.Errorf("reload failed: %w", err)
	}

	s.current.Store(next)
	s.reloadCount++
	s.lastReload = time.Now()
	s.lastError = nil
	s.metrics.RecordConfigReload("success")
	s.metrics.SetGeneration(next.Number)
	telemetry.RecordReloadEvent(span, telemetry.OutcomeBuilt, prevNumber, next.Number, "")

	s.logger.Info("Generation swapped in",
		"generation", next.Number,
		"generation_id", next.ID,
		"environments", len(next.Topology.Workers),
		"duration", time.Since(start))

	if prev != nil {
		s.retire(ctx, prev)
	}
	return nil
}

func (s *Server) buildInput(number uint64) BuildInput {
	opts := s.settings.ValidateOptions()
	return BuildInput{
		Number:          number,
		Document:        s.settings.Project.Document,
		Root:            s.settings.Project.Root,
		Aliases:         s.settings.Project.Aliases,
		Validate:        opts,
		Scripts:         s.scripts,
		BridgeURL:       s.bridgeURL,
		RunnerModule:    s.settings.Project.RunnerModule,
		BuiltinPrefixes: s.settings.Bridge.BuiltinPrefixes,
		RequestTimeout:  s.settings.Bridge.RequestTimeout,
		Logger:          s.logger,
		Metrics:         s.metrics,
		Tracing:         s.tracing,
	}
}

// retire stops gen's bridge and drains it in the background.
func (s *Server) retire(ctx context.Context, gen *Generation) {
	inflight := gen.Bridge.Inflight()
	gen.Bridge.Retire()
	telemetry.RecordRetirement(ctx, gen.Config.Name, inflight)

	s.draining.Add(1)
	go func() {
		defer s.draining.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
		defer cancel()
		if err := gen.Bridge.Drain(drainCtx); err != nil {
			s.logger.Warn("Retired generation did not drain", "generation", gen.Number, "error", err)
			return
		}
		s.logger.Debug("Retired generation drained", "generation", gen.Number, "inflight_at_retire", inflight)
	}()
}

// Stats returns reload statistics.
func (s *Server) Stats() ReloadStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := ReloadStats{
		ReloadCount: s.reloadCount,
		FailedCount: s.failedCount,
		LastReload:  s.lastReload,
	}
	if g := s.current.Load(); g != nil {
		stats.Generation = g.Number
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}

// InvalidateModule marks a changed source file stale in the current
// generation's module graphs.
func (s *Server) InvalidateModule(path string) []domain.EnvironmentName {
	g := s.current.Load()
	if g == nil {
		return nil
	}
	envs := g.Modules.Invalidate(path)
	if len(envs) > 0 {
		s.logger.Debug("Module invalidated", "file", path, "environments", envs)
	}
	return envs
}

// InvalidateDependencies drops the pre-bundled packages of the current
// generation. The next request for a bare import bundles it again.
func (s *Server) InvalidateDependencies() {
	g := s.current.Load()
	if g == nil {
		return
	}
	g.Modules.InvalidateDependencies()
	s.logger.Debug("Dependencies invalidated", "generation", g.Number)
}

// Close retires the current generation and waits for every retired
// generation to drain or ctx to end.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if g := s.current.Swap(nil); g != nil {
		s.retire(ctx, g)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.draining.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler returns the HTTP surface of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+InvokePath, s.withGeneration(func(g *Generation, w http.ResponseWriter, r *http.Request) {
		g.Bridge.HTTPHandler().ServeHTTP(w, r)
	}))
	mux.HandleFunc("GET "+WebSocketPath, s.withGeneration(func(g *Generation, w http.ResponseWriter, r *http.Request) {
		g.Bridge.WebSocketHandler().ServeHTTP(w, r)
	}))
	mux.HandleFunc("GET "+PlanPath, s.withGeneration(s.handlePlan))
	mux.HandleFunc("GET "+WrappersPath+"{env}", s.withGeneration(s.handleWrapper))
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	mux.Handle("GET "+s.settings.Server.MetricsPath, s.metrics.Handler())

	return otelhttp.NewHandler(s.metrics.MetricsMiddleware(mux, bridge.NewStructuredLogger(s.logger)), "workergraph",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) withGeneration(h func(*Generation, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g := s.current.Load()
		if g == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": ErrNoGeneration.Error()})
			return
		}
		h(g, w, r)
	}
}

func (s *Server) handlePlan(g *Generation, w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *Server) handleWrapper(g *Generation, w http.ResponseWriter, r *http.Request) {
	env := domain.EnvironmentName(r.PathValue("env"))
	src, ok := g.Wrappers[env]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown environment %q", env)})
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write([]byte(src))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.Stats()
	status := http.StatusOK
	body := map[string]any{"status": "ok", "reload": stats}
	if s.current.Load() == nil {
		status = http.StatusServiceUnavailable
		body["status"] = "loading"
	}
	writeJSON(w, status, body)
}

// ListenAndServe serves Handler on the configured address until ctx ends,
// then shuts down gracefully and retires the current generation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.settings.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.settings.Server.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Dev server listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	// Retiring first releases long-lived bridge connections.
	closeErr := s.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return closeErr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
