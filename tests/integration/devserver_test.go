package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/workergraph/pkg/bindings"
	"github.com/polisai/workergraph/pkg/bridge"
	"github.com/polisai/workergraph/pkg/devserver"
	"github.com/polisai/workergraph/pkg/domain"
)

const scriptConfig = `import { defineConfig } from "workergraph:config";
import * as web from "./src/web.ts" with { type: "cloudflare-worker" };
import * as api from "./src/api.ts" with { type: "cloudflare-worker" };

export default defineConfig({
	name: "storefront",
	entryWorker: "web",
	workers: {
		web: { compatibilityDate: "2024-12-05", module: web },
		"api-v1": { compatibilityDate: "2024-12-05", module: api },
	},
	resources: {
		vars: { REGION: "eu", VERSION: "v1" },
		services: { API: { worker: "api-v1", export: "Products" } },
	},
});
`

func storefront(t *testing.T) *Project {
	return NewProject(t, map[string]string{
		"workergraph.config.ts": scriptConfig,
		"src/web.ts": `import { price } from "./util";
export default { fetch(): Response { return new Response(String(price(2))) } };
`,
		"src/util.ts": "export const price = (n: number): number => n * 10;\n",
		"src/api.ts":  "export class Products { list(): string[] { return [] } }\nexport default {};\n",
	})
}

func fetch(t *testing.T, ts *TestServer, env, moduleID string) bridge.Response {
	t.Helper()
	client := &bridge.Client{URL: ts.InvokeURL()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.FetchModule(ctx, bridge.Request{RequestingEnvironment: domain.EnvironmentName(env), ModuleID: moduleID})
	if err != nil {
		t.Fatalf("fetch %s from %s: %v", moduleID, env, err)
	}
	return resp
}

func TestScriptProject_EndToEnd(t *testing.T) {
	p := storefront(t)
	ts := StartServer(t, p, "workergraph.config.ts")

	gen := ts.Server.Current()
	if gen == nil {
		t.Fatal("no generation after startup")
	}
	assert.Equal(t, "storefront", gen.Config.Name)
	assert.Equal(t, domain.EnvironmentName("web"), gen.Topology.EntryEnvironment)
	assert.Contains(t, gen.Wrappers[domain.EnvironmentName("api_v1")], "export const Products = ")

	t.Run("source module is transformed by the host graph", func(t *testing.T) {
		resp := fetch(t, ts, "web", "./src/web.ts")
		require.Equal(t, bridge.KindResolved, resp.Kind, resp.Reason)
		assert.Equal(t, p.Path("src/web.ts"), resp.File)
		assert.Equal(t, "/src/web.ts", resp.URL)
		assert.Equal(t, []string{"./util"}, resp.Imports)
		assert.NotContains(t, resp.Code, "): Response")
	})

	t.Run("extensionless import resolves against the importer", func(t *testing.T) {
		client := &bridge.Client{URL: ts.InvokeURL()}
		resp, err := client.FetchModule(context.Background(), bridge.Request{
			RequestingEnvironment: "web",
			ModuleID:              "./util",
			Importer:              p.Path("src/web.ts"),
		})
		require.NoError(t, err)
		require.Equal(t, bridge.KindResolved, resp.Kind, resp.Reason)
		assert.Equal(t, p.Path("src/util.ts"), resp.File)
	})

	t.Run("builtin is answered without the host", func(t *testing.T) {
		resp := fetch(t, ts, "web", "cloudflare:workers")
		assert.Equal(t, bridge.KindBuiltin, resp.Kind)
		assert.Equal(t, "cloudflare:workers", resp.Externalize)
	})

	t.Run("unknown environment fails only that request", func(t *testing.T) {
		resp := fetch(t, ts, "ghost", "./src/web.ts")
		assert.Equal(t, bridge.KindError, resp.Kind)
		assert.Contains(t, resp.Reason, "ghost")

		resp = fetch(t, ts, "web", "./src/web.ts")
		assert.Equal(t, bridge.KindResolved, resp.Kind)
	})

	t.Run("runner envelope with environment from the invoke url", func(t *testing.T) {
		body := `{"data":{"name":"fetchModule","data":["./src/api.ts", null, {}]}}`
		httpResp, err := http.Post(ts.InvokeURL()+"?"+bridge.EnvironmentParam+"=api_v1", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post envelope: %v", err)
		}
		defer closeBody(t, httpResp.Body)

		var resp bridge.Response
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		require.Equal(t, bridge.KindResolved, resp.Kind, resp.Reason)
		assert.Equal(t, p.Path("src/api.ts"), resp.File)
	})

	t.Run("launch plan carries the invoke binding", func(t *testing.T) {
		sandbox, ok := gen.LaunchPlan.Sandbox("web")
		require.True(t, ok)
		raw, err := json.Marshal(sandbox)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "environment=web")
		assert.Equal(t, "eu", sandbox.Bindings[bindings.Handle(bindings.NamespaceVars, "REGION")])
	})
}

func TestReload_BrokenDocumentKeepsServing(t *testing.T) {
	p := storefront(t)
	ts := StartServer(t, p, "workergraph.config.ts")
	first := ts.Server.Current()

	p.Write("workergraph.config.ts", `export default { workers: {}, entryWorker: "web" };`)
	if err := ts.Server.Reload(context.Background()); err == nil {
		t.Fatal("expected reload of a broken document to fail")
	}
	assert.Same(t, first, ts.Server.Current())

	resp := fetch(t, ts, "web", "./src/web.ts")
	assert.Equal(t, bridge.KindResolved, resp.Kind, resp.Reason)

	p.Write("workergraph.config.ts", `export default {};`)
	err := ts.Server.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, first, ts.Server.Current())
}

func TestReload_ModuleInvalidation(t *testing.T) {
	p := storefront(t)
	ts := StartServer(t, p, "workergraph.config.ts")

	before := fetch(t, ts, "web", "./src/util.ts")
	require.Equal(t, bridge.KindResolved, before.Kind, before.Reason)
	assert.False(t, before.Invalidate)

	p.Write("src/util.ts", "export const price = (n: number): number => n * 99;\n")
	envs := ts.Server.InvalidateModule(p.Path("src/util.ts"))
	assert.Equal(t, []domain.EnvironmentName{"web"}, envs)

	after := fetch(t, ts, "web", "./src/util.ts")
	require.Equal(t, bridge.KindResolved, after.Kind, after.Reason)
	assert.True(t, after.Invalidate)
	assert.Contains(t, after.Code, "99")
}

// TestZeroDowntimeReload checks that a reload under load never produces an
// answer mixing generations: every request is either resolved or refused as
// retired, and connections bound to the old generation are closed.
func TestZeroDowntimeReload(t *testing.T) {
	p := storefront(t)
	ts := StartServer(t, p, "workergraph.config.ts")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.WebSocketURL()+"?"+bridge.EnvironmentParam+"=web", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, bridge.Request{ID: "warm", ModuleID: "./src/web.ts"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var warm bridge.Response
	if err := wsjson.Read(ctx, conn, &warm); err != nil {
		t.Fatalf("read: %v", err)
	}
	require.Equal(t, bridge.KindResolved, warm.Kind, warm.Reason)

	stop := make(chan struct{})
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		unexpected []string
		served     int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &bridge.Client{URL: ts.InvokeURL()}
			for {
				select {
				case <-stop:
					return
				default:
				}
				resp, err := client.FetchModule(ctx, bridge.Request{RequestingEnvironment: "web", ModuleID: "./src/util.ts"})
				mu.Lock()
				switch {
				case err != nil:
					unexpected = append(unexpected, err.Error())
				case resp.Kind == bridge.KindResolved:
					served++
				case resp.Kind == bridge.KindError && strings.Contains(resp.Reason, "generation retired"):
				default:
					unexpected = append(unexpected, string(resp.Kind)+": "+resp.Reason)
				}
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < 3; i++ {
		p.Write("workergraph.config.ts", strings.Replace(scriptConfig, `"v1"`, fmt.Sprintf("%q", fmt.Sprintf("v%d", i+2)), 1))
		if err := ts.Server.Reload(ctx); err != nil {
			t.Fatalf("reload %d: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, unexpected)
	assert.Positive(t, served)
	assert.Equal(t, uint64(4), ts.Server.Current().Number)
	assert.Equal(t, "v4", ts.Server.Current().Topology.Vars["VERSION"])

	// The connection opened against generation 1 was closed by its retirement.
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	// A new connection reaches the current generation.
	fresh, _, err := websocket.Dial(ctx, ts.WebSocketURL()+"?"+bridge.EnvironmentParam+"=web", nil)
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer fresh.CloseNow()
	if err := wsjson.Write(ctx, fresh, bridge.Request{ID: "after", ModuleID: "./src/web.ts"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var after bridge.Response
	if err := wsjson.Read(ctx, fresh, &after); err != nil {
		t.Fatalf("read: %v", err)
	}
	assert.Equal(t, "after", after.RequestID)
	assert.Equal(t, bridge.KindResolved, after.Kind, after.Reason)
}

func TestHTTPSurface(t *testing.T) {
	p := storefront(t)
	ts := StartServer(t, p, "workergraph.config.ts")

	resp, err := http.Get(ts.HTTP.URL + devserver.WrappersPath + "api_v1")
	if err != nil {
		t.Fatalf("get wrapper: %v", err)
	}
	defer closeBody(t, resp.Body)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read wrapper: %v", err)
	}
	assert.Equal(t, ts.Server.Current().Wrappers["api_v1"], buf.String())

	metrics, err := http.Get(ts.HTTP.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer closeBody(t, metrics.Body)
	buf.Reset()
	if _, err := buf.ReadFrom(metrics.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	assert.Contains(t, buf.String(), `workergraph_config_reloads_total{status="success"} 1`)
}
