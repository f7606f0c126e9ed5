package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// syncBuffer is a log sink shared between handler goroutines and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger(out *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestInvoke_SpanStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	failing := HostEnvironmentFunc(func(ctx context.Context, moduleID, importer string) (*ModuleRecord, error) {
		return nil, errors.New("nope")
	})
	b := newTestBridge(t, StaticResolver{"worker_a": &echoHost{}, "worker_b": failing}, func(o *Options) {
		o.Tracing = NewTracingManagerWithProvider(tp, true)
	})

	b.Invoke(context.Background(), Request{RequestingEnvironment: "worker_a", ModuleID: "./a.ts"})
	failed := b.Invoke(context.Background(), Request{RequestingEnvironment: "worker_b", ModuleID: "./b.ts"})

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "bridge.invoke", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, failed.Reason, spans[1].Status().Description)
	assert.NotEmpty(t, spans[1].Events(), "the error is recorded on the span")
}

func TestHTTPHandler_RejectedRequestsAreRecorded(t *testing.T) {
	var logs syncBuffer
	metrics := NewMetrics()
	host := &echoHost{}
	b := newTestBridge(t, StaticResolver{"worker_a": host}, func(o *Options) {
		o.Metrics = metrics
		o.Logger = bufferLogger(&logs)
	})
	srv := httptest.NewServer(b.HTTPHandler())
	defer srv.Close()

	httpResp, err := srv.Client().Post(srv.URL+"?environment=worker_a", "application/json",
		strings.NewReader(`{"data":{"name":"getBuiltins","data":[]}}`))
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invocationsTotal.WithLabelValues("worker_a", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invocationErrors.WithLabelValues("worker_a", "invalid_request")))
	assert.Zero(t, host.calls.Load())
	assert.Contains(t, logs.String(), `"msg":"Module request failed"`)
	assert.Contains(t, logs.String(), `"error_type":"invalid_request"`)
}

func TestWebSocketHandler_RejectedMessagesAreRecorded(t *testing.T) {
	var logs syncBuffer
	metrics := NewMetrics()
	b := newTestBridge(t, StaticResolver{"worker_a": &echoHost{}}, func(o *Options) {
		o.Metrics = metrics
		o.Logger = bufferLogger(&logs)
	})
	srv := httptest.NewServer(b.WebSocketHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?environment=worker_a", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	var resp Response
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	assert.Equal(t, KindError, resp.Kind)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invocationErrors.WithLabelValues("worker_a", "invalid_request")))
	assert.Contains(t, logs.String(), `"error_type":"invalid_request"`)
}

func TestMetricsMiddleware_LogsRequests(t *testing.T) {
	var logs syncBuffer
	metrics := NewMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(metrics.MetricsMiddleware(mux, NewStructuredLogger(bufferLogger(&logs))))
	defer srv.Close()

	for _, path := range []string{"/healthz", "/missing"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "unknown", "404")))

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"level":"DEBUG"`)
	assert.Contains(t, lines[0], `"path":"/healthz"`)
	assert.Contains(t, lines[1], `"level":"WARN"`)
	assert.Contains(t, lines[1], `"status_code":404`)
}

func TestMetricsMiddleware_NilLogger(t *testing.T) {
	metrics := NewMetrics()
	h := metrics.MetricsMiddleware(http.NotFoundHandler(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__plan", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "plan", "404")))
}
