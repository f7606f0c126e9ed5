// Package bridge lets code running inside a sandbox load source modules
// owned by the host's live module graph.
//
// Every request is classified first: identifiers under a builtin prefix are
// answered immediately and never forwarded. Anything else is forwarded to the
// host environment owning the requesting sandbox. Requests share no mutable
// state, so a slow or failing resolution only affects its own requester.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polisai/workergraph/pkg/domain"
)

// Bridge serves module requests for one server generation.
type Bridge struct {
	resolver   Resolver
	prefixes   []string
	timeout    time.Duration
	generation string

	logger        *slog.Logger
	structuredLog *StructuredLogger
	metrics       *Metrics
	tracing       *TracingManager

	// ctx is cancelled by Retire; every forwarded request derives from it.
	ctx      context.Context
	cancel   context.CancelFunc
	inflight inflightCounter
}

// inflightCounter tracks running requests. Unlike sync.WaitGroup it may be
// incremented while someone is waiting.
type inflightCounter struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (c *inflightCounter) add() {
	c.mu.Lock()
	if c.n == 0 {
		c.idle = make(chan struct{})
	}
	c.n++
	c.mu.Unlock()
}

func (c *inflightCounter) done() {
	c.mu.Lock()
	c.n--
	if c.n == 0 {
		close(c.idle)
	}
	c.mu.Unlock()
}

func (c *inflightCounter) wait(ctx context.Context) error {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New creates a bridge bound to one generation.
func New(opts Options) (*Bridge, error) {
	if opts.Resolver == nil {
		return nil, errors.New("bridge: resolver is required")
	}
	prefixes := opts.BuiltinPrefixes
	if prefixes == nil {
		prefixes = DefaultBuiltinPrefixes
	}
	for i, p := range prefixes {
		if p == "" {
			return nil, fmt.Errorf("bridge: builtin prefix %d is empty", i)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Generation != "" {
		logger = logger.With("generation", opts.Generation)
	}
	tracing := opts.Tracing
	if tracing == nil {
		tracing = NewTracingManager(false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		resolver:      opts.Resolver,
		prefixes:      append([]string(nil), prefixes...),
		timeout:       opts.RequestTimeout,
		generation:    opts.Generation,
		logger:        logger,
		structuredLog: NewStructuredLogger(logger),
		metrics:       opts.Metrics,
		tracing:       tracing,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// IsBuiltin reports whether moduleID falls under a builtin prefix.
func (b *Bridge) IsBuiltin(moduleID string) bool {
	for _, p := range b.prefixes {
		if strings.HasPrefix(moduleID, p) {
			return true
		}
	}
	return false
}

// Retired reports whether Retire has been called.
func (b *Bridge) Retired() bool {
	return b.ctx.Err() != nil
}

// Retire discards the generation. Pending and future requests fail with
// ErrGenerationRetired. Retire does not wait; use Drain for that.
func (b *Bridge) Retire() {
	b.cancel()
}

// Drain waits until every in-flight request has completed or ctx is done.
func (b *Bridge) Drain(ctx context.Context) error {
	return b.inflight.wait(ctx)
}

// Inflight returns the number of requests currently being served.
func (b *Bridge) Inflight() int {
	b.inflight.mu.Lock()
	defer b.inflight.mu.Unlock()
	return b.inflight.n
}

// Generation returns the generation label the bridge was created with.
func (b *Bridge) Generation() string {
	return b.generation
}

// Invoke handles one module request. It never panics and never returns a
// Go error: failures are reported as KindError responses.
func (b *Bridge) Invoke(ctx context.Context, req Request) Response {
	b.inflight.add()
	defer b.inflight.done()

	start := time.Now()
	ctx, span := b.tracing.StartSpan(ctx, "bridge.invoke",
		attribute.String("bridge.environment", string(req.RequestingEnvironment)),
		attribute.String("bridge.module_id", req.ModuleID),
		attribute.String("bridge.generation", b.generation),
	)
	defer span.End()

	if b.metrics != nil {
		done := b.metrics.TrackInflight(string(req.RequestingEnvironment))
		defer done()
	}

	resp, err := b.invoke(ctx, req)
	duration := time.Since(start)

	span.SetAttributes(attribute.String("bridge.kind", string(resp.Kind)))
	if err != nil {
		b.tracing.RecordError(ctx, err)
		b.tracing.SetSpanStatus(ctx, codes.Error, resp.Reason)
	} else {
		b.tracing.SetSpanStatus(ctx, codes.Ok, "")
	}
	if b.metrics != nil {
		b.metrics.RecordInvocation(string(req.RequestingEnvironment), string(resp.Kind), errorType(err), duration)
	}
	b.structuredLog.LogInvocation(ctx, req, resp.Kind, duration, err)
	return resp
}

// reject answers a request that could not be decoded. It is counted and
// logged like any other failed invocation but never reaches the host.
func (b *Bridge) reject(ctx context.Context, req Request, err error) Response {
	resp := errorResponse(req, err)
	if b.metrics != nil {
		b.metrics.RecordInvocation(string(req.RequestingEnvironment), string(resp.Kind), errorType(err), 0)
	}
	b.structuredLog.LogInvocation(ctx, req, resp.Kind, 0, err)
	return resp
}

func (b *Bridge) invoke(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return errorResponse(req, err), err
	}
	if b.Retired() {
		err := b.retiredError(req)
		return errorResponse(req, err), err
	}

	// Received -> Classified. The allow-list always runs before forwarding.
	if b.IsBuiltin(req.ModuleID) {
		return builtinResponse(req), nil
	}

	// Forwarded.
	host, err := b.resolver.Environment(req.RequestingEnvironment)
	if err != nil {
		rerr := &domain.BridgeResolutionError{Environment: req.RequestingEnvironment, ModuleID: req.ModuleID, Err: err}
		return errorResponse(req, rerr), rerr
	}

	record, err := b.forward(ctx, host, req)
	if b.Retired() {
		// The topology this request resolved against is gone.
		err := b.retiredError(req)
		return errorResponse(req, err), err
	}
	if err != nil {
		rerr := &domain.BridgeResolutionError{Environment: req.RequestingEnvironment, ModuleID: req.ModuleID, Err: err}
		return errorResponse(req, rerr), rerr
	}
	if record == nil {
		rerr := &domain.BridgeResolutionError{Environment: req.RequestingEnvironment, ModuleID: req.ModuleID, Err: errors.New("host returned no module")}
		return errorResponse(req, rerr), rerr
	}
	return resolvedResponse(req, record), nil
}

// forward runs the host lookup on its own goroutine so an uncooperative host
// cannot outlive the timeout or the generation.
func (b *Bridge) forward(ctx context.Context, host HostEnvironment, req Request) (*ModuleRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if b.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, b.timeout)
		defer cancelTimeout()
	}
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	type result struct {
		record *ModuleRecord
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- result{err: &HostPanicError{Value: v}}
			}
		}()
		record, err := host.FetchModule(ctx, req.ModuleID, req.Importer)
		ch <- result{record: record, err: err}
	}()

	select {
	case r := <-ch:
		return r.record, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) retiredError(req Request) error {
	return &domain.BridgeResolutionError{
		Environment: req.RequestingEnvironment,
		ModuleID:    req.ModuleID,
		Err:         domain.ErrGenerationRetired,
	}
}

// errorType buckets an error for metric labels.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrGenerationRetired):
		return "retired"
	case errors.Is(err, domain.ErrUnknownEnvironment):
		return "unknown_environment"
	case errors.Is(err, ErrHostPanic):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "host_error"
	}
}
