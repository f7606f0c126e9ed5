package bindings

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/workergraph/pkg/domain"
)

func sampleResources() domain.Resources {
	return domain.Resources{
		Vars: map[string]any{
			"greeting": "hello",
			"nested":   map[string]any{"list": []any{int64(1), "two"}},
			"api_key":  "secret",
		},
		Services: map[string]domain.ServiceRef{
			"rpc":  {Worker: "B", Export: "add"},
			"main": {Worker: "B"},
		},
	}
}

func TestExtract(t *testing.T) {
	plan, err := Extract(sampleResources())
	require.NoError(t, err)

	assert.Equal(t, []string{"services_main", "services_rpc", "vars_api_key", "vars_greeting", "vars_nested"}, plan.Handles())
	assert.Equal(t, 5, plan.Len())

	b, ok := plan.Var("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", b.Value)
	assert.Equal(t, "vars_greeting", b.Handle)

	b, ok = plan.Service("rpc")
	require.True(t, ok)
	assert.Equal(t, ServiceBinding{Name: "B", Entrypoint: "add"}, b.Service)

	b, ok = plan.Service("main")
	require.True(t, ok)
	assert.Equal(t, ServiceBinding{Name: "B"}, b.Service)
	assert.Equal(t, "services_main -> B", b.String())
}

func TestLookupMissing(t *testing.T) {
	plan, err := Extract(sampleResources())
	require.NoError(t, err)

	_, ok := plan.Var("absent")
	assert.False(t, ok)
	_, ok = plan.Service("greeting")
	assert.False(t, ok, "namespaces are separate")
	_, ok = plan.Lookup("unknown_greeting")
	assert.False(t, ok)
	_, ok = plan.Lookup("novalue")
	assert.False(t, ok)
}

func TestKeysContainingSeparator(t *testing.T) {
	plan, err := Extract(sampleResources())
	require.NoError(t, err)

	b, ok := plan.Lookup("vars_api_key")
	require.True(t, ok)
	assert.Equal(t, NamespaceVars, b.Namespace)
	assert.Equal(t, "api_key", b.Key)
	assert.Equal(t, "secret", b.Value)
}

func TestParseHandle(t *testing.T) {
	ns, key, ok := ParseHandle("services_a_b")
	require.True(t, ok)
	assert.Equal(t, NamespaceServices, ns)
	assert.Equal(t, "a_b", key)

	ns, key, ok = ParseHandle("vars_")
	require.True(t, ok)
	assert.Equal(t, NamespaceVars, ns)
	assert.Equal(t, "", key)

	_, _, ok = ParseHandle("other_x")
	assert.False(t, ok)
}

func TestExtractIsIdempotentAndDoesNotMutate(t *testing.T) {
	resources := sampleResources()

	first, err := Extract(resources)
	require.NoError(t, err)
	second, err := Extract(resources)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, sampleResources(), resources)

	// Mutating a returned value must not leak into the plan.
	b, _ := first.Var("nested")
	b.Value.(map[string]any)["list"] = "changed"
	again, _ := first.Var("nested")
	assert.Equal(t, map[string]any{"list": []any{int64(1), "two"}}, again.Value)

	// Nor must mutating the input after extraction.
	resources.Vars["nested"].(map[string]any)["list"] = "changed"
	again, _ = second.Var("nested")
	assert.Equal(t, map[string]any{"list": []any{int64(1), "two"}}, again.Value)
}

func TestBuilderCollision(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddService("rpc", domain.ServiceRef{Worker: "A"}))
	require.NoError(t, b.AddVar("rpc", "not a collision"))

	err := b.AddService("rpc", domain.ServiceRef{Worker: "B"})
	require.Error(t, err)
	assert.True(t, domain.IsIntegrity(err))

	var cerr *domain.BindingCollisionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "services_rpc", cerr.Handle)

	assert.Error(t, b.AddVar("rpc", 1))
}

func TestDefaultExportDropsEntrypoint(t *testing.T) {
	plan, err := Extract(domain.Resources{Services: map[string]domain.ServiceRef{
		"svc": {Worker: "A", Export: domain.DefaultExport},
	}})
	require.NoError(t, err)
	b, ok := plan.Service("svc")
	require.True(t, ok)
	assert.Empty(t, b.Service.Entrypoint)
}

func TestPlanMarshalJSON(t *testing.T) {
	plan, err := Extract(sampleResources())
	require.NoError(t, err)

	data, err := json.Marshal(plan)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"vars": {"vars_greeting": "hello", "vars_api_key": "secret", "vars_nested": {"list": [1, "two"]}},
		"services": {"services_rpc": {"name": "B", "entrypoint": "add"}, "services_main": {"name": "B"}}
	}`, string(data))
}

// Property: distinct (namespace, key) pairs always produce distinct handles
// and every handle parses back to its pair.
func TestHandleInjectiveProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nsGen := rapid.SampledFrom([]Namespace{NamespaceVars, NamespaceServices})
		keyGen := rapid.StringMatching(`[a-z_]{0,10}`)

		ns1, key1 := nsGen.Draw(t, "ns1"), keyGen.Draw(t, "key1")
		ns2, key2 := nsGen.Draw(t, "ns2"), keyGen.Draw(t, "key2")

		h1, h2 := Handle(ns1, key1), Handle(ns2, key2)
		if (ns1 != ns2 || key1 != key2) && h1 == h2 {
			t.Fatalf("collision: (%s,%q) and (%s,%q) -> %q", ns1, key1, ns2, key2, h1)
		}

		gotNS, gotKey, ok := ParseHandle(h1)
		if !ok || gotNS != ns1 || gotKey != key1 {
			t.Fatalf("ParseHandle(%q) = %s, %q, %v", h1, gotNS, gotKey, ok)
		}
	})
}

// Property: extraction is idempotent for arbitrary resource maps.
func TestExtractIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		vars := rapid.MapOf(rapid.StringMatching(`[a-z_]{1,8}`), rapid.String()).Draw(t, "vars")
		workers := rapid.MapOf(rapid.StringMatching(`[a-z_]{1,8}`), rapid.StringMatching(`[A-Z]{1,3}`)).Draw(t, "services")

		resources := domain.Resources{Vars: map[string]any{}, Services: map[string]domain.ServiceRef{}}
		for k, v := range vars {
			resources.Vars[k] = v
		}
		for k, w := range workers {
			resources.Services[k] = domain.ServiceRef{Worker: domain.WorkerID(w)}
		}

		first, err := Extract(resources)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		second, err := Extract(resources)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if !assert.ObjectsAreEqual(first.Handles(), second.Handles()) ||
			!assert.ObjectsAreEqual(first.Vars(), second.Vars()) ||
			!assert.ObjectsAreEqual(first.Services(), second.Services()) {
			t.Fatalf("extraction is not idempotent")
		}
		if first.Len() != len(vars)+len(workers) {
			t.Fatalf("expected %d bindings, got %d", len(vars)+len(workers), first.Len())
		}
	})
}
