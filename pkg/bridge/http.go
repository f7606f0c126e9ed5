package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/polisai/workergraph/pkg/domain"
)

// EnvironmentParam is the query parameter naming the requesting environment
// when the request body does not.
const EnvironmentParam = "environment"

// FetchModuleCall is the RPC name used by sandbox runners for module loads.
const FetchModuleCall = "fetchModule"

// MaxRequestBytes bounds a single request body or WebSocket message.
const MaxRequestBytes = 1 << 20

// invokePayload is the runner's RPC envelope:
// {"data":{"name":"fetchModule","data":[moduleId, importer, options]}}.
type invokePayload struct {
	Data *struct {
		Name string            `json:"name"`
		Data []json.RawMessage `json:"data"`
	} `json:"data"`
}

// DecodeRequest parses a request body. Both the flat Request form and the
// runner RPC envelope are accepted. environment fills in a missing
// requestingEnvironment.
func DecodeRequest(body []byte, environment domain.EnvironmentName) (Request, error) {
	var envelope invokePayload
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var req Request
	if envelope.Data != nil {
		if envelope.Data.Name != FetchModuleCall {
			return Request{}, fmt.Errorf("%w: unsupported call %q", ErrInvalidRequest, envelope.Data.Name)
		}
		args := envelope.Data.Data
		if len(args) == 0 {
			return Request{}, &InvalidRequestError{Field: "moduleId"}
		}
		if err := json.Unmarshal(args[0], &req.ModuleID); err != nil {
			return Request{}, &InvalidRequestError{Field: "moduleId"}
		}
		if len(args) > 1 && string(args[1]) != "null" {
			if err := json.Unmarshal(args[1], &req.Importer); err != nil {
				return Request{}, &InvalidRequestError{Field: "importer"}
			}
		}
	} else if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if req.RequestingEnvironment == "" {
		req.RequestingEnvironment = environment
	}
	return req, nil
}

// HTTPHandler serves one request per POST.
func (b *Bridge) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx := b.tracing.ExtractHTTPHeaders(r.Context(), r.Header)
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBytes+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > MaxRequestBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		env := domain.EnvironmentName(r.URL.Query().Get(EnvironmentParam))
		req, err := DecodeRequest(body, env)
		var resp Response
		if err != nil {
			req.RequestingEnvironment = env
			resp = b.reject(ctx, req, err)
		} else {
			resp = b.Invoke(ctx, req)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			b.logger.Warn("Failed to write bridge response", "error", err)
		}
	})
}

// WebSocketHandler serves many concurrent requests over one connection. Each
// text message is a request; responses carry the request id and may arrive in
// any order.
func (b *Bridge) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			b.logger.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(MaxRequestBytes)

		start := time.Now()
		ctx := b.tracing.ExtractHTTPHeaders(r.Context(), r.Header)
		b.structuredLog.LogConnectionEvent(ctx, "open", r.RemoteAddr, nil)
		if b.metrics != nil {
			b.metrics.RecordWebSocketOpened()
			defer b.metrics.RecordWebSocketClosed()
		}

		env := domain.EnvironmentName(r.URL.Query().Get(EnvironmentParam))
		err = b.serveConn(ctx, conn, env)

		elapsed := time.Since(start)
		b.structuredLog.LogConnectionEvent(ctx, "close", r.RemoteAddr, &elapsed)
		if err != nil && !errors.Is(err, domain.ErrGenerationRetired) {
			b.logger.Debug("Bridge connection ended", "remote_addr", r.RemoteAddr, "error", err)
		}
	})
}

// serveConn reads requests until the peer closes or the generation retires.
// Reads and writes use the connection context; only the invocations are tied
// to the generation.
func (b *Bridge) serveConn(ctx context.Context, conn *websocket.Conn, env domain.EnvironmentName) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	invokeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopInvoke := context.AfterFunc(b.ctx, cancel)
	defer stopInvoke()
	stopConn := context.AfterFunc(b.ctx, func() {
		conn.Close(websocket.StatusGoingAway, "generation retired")
	})
	defer stopConn()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if b.Retired() {
				return domain.ErrGenerationRetired
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := DecodeRequest(data, env)
			var resp Response
			if err != nil {
				req.RequestingEnvironment = env
				resp = b.reject(invokeCtx, req, err)
			} else {
				resp = b.Invoke(invokeCtx, req)
			}
			if err := wsjson.Write(ctx, conn, resp); err != nil && !b.Retired() {
				b.logger.Warn("Failed to write bridge response", "request_id", resp.RequestID, "error", err)
			}
		}()
	}
}

// Client calls a bridge over HTTP. The sandbox runner uses the same protocol.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// FetchModule sends one request to the bridge and decodes the response.
func (c *Client) FetchModule(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(string(body)))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("bridge request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return Response{}, fmt.Errorf("bridge returned %s: %s", httpResp.Status, strings.TrimSpace(string(msg)))
	}
	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode bridge response: %w", err)
	}
	return resp, nil
}
