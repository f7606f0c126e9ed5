package config

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/workergraph/pkg/domain"
)

func twoWorkerDocument() map[string]any {
	return map[string]any{
		"name": "app",
		"workers": map[string]any{
			"A": map[string]any{
				"compatibilityDate": "2024-12-05",
				"module":            map[string]any{domain.ModulePathKey: "/project/src/a/index.ts"},
			},
			"B": map[string]any{
				"compatibilityDate": "2024-12-05",
				"module":            "/project/src/b/index.ts",
			},
		},
		"entryWorker": "A",
		"resources": map[string]any{
			"vars": map[string]any{
				"greeting": "hello",
				"limits":   map[string]any{"max": 3, "ratio": 0.5, "tags": []any{"x", true, nil}},
			},
			"services": map[string]any{
				"rpc":  map[string]any{"worker": "B", "export": "add"},
				"main": map[string]any{"worker": "B", "export": "default"},
				"bare": map[string]any{"worker": "A"},
			},
		},
	}
}

func TestValidateDocument_Valid(t *testing.T) {
	cfg, err := ValidateDocument(twoWorkerDocument(), ValidateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "app", cfg.Name)
	assert.Equal(t, domain.WorkerID("A"), cfg.EntryWorker)
	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, "/project/src/a/index.ts", cfg.Workers["A"].ModulePath)
	assert.Equal(t, "/project/src/b/index.ts", cfg.Workers["B"].ModulePath)
	assert.Equal(t, "2024-12-05", cfg.Workers["B"].CompatibilityDate)

	assert.Equal(t, "hello", cfg.Resources.Vars["greeting"])
	assert.Equal(t, map[string]any{
		"max":   int64(3),
		"ratio": 0.5,
		"tags":  []any{"x", true, nil},
	}, cfg.Resources.Vars["limits"])

	assert.Equal(t, domain.ServiceRef{Worker: "B", Export: "add"}, cfg.Resources.Services["rpc"])
	assert.Equal(t, domain.ServiceRef{Worker: "B"}, cfg.Resources.Services["main"], "default export normalises to absent")
	assert.Equal(t, domain.ServiceRef{Worker: "A"}, cfg.Resources.Services["bare"])
}

func TestValidateDocument_ResourcesDefaultToEmpty(t *testing.T) {
	doc := twoWorkerDocument()
	delete(doc, "resources")

	cfg, err := ValidateDocument(doc, ValidateOptions{})
	require.NoError(t, err)
	assert.NotNil(t, cfg.Resources.Vars)
	assert.Empty(t, cfg.Resources.Vars)
	assert.Empty(t, cfg.Resources.Services)
}

func TestValidateDocument_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
		field  string
	}{
		{"missing name", func(doc map[string]any) { delete(doc, "name") }, "name"},
		{"empty name", func(doc map[string]any) { doc["name"] = "  " }, "name"},
		{"name not string", func(doc map[string]any) { doc["name"] = 42 }, "name"},
		{"missing workers", func(doc map[string]any) { delete(doc, "workers") }, "workers"},
		{"empty workers", func(doc map[string]any) { doc["workers"] = map[string]any{} }, "workers"},
		{"missing entry", func(doc map[string]any) { delete(doc, "entryWorker") }, "entryWorker"},
		{
			"missing date",
			func(doc map[string]any) {
				delete(doc["workers"].(map[string]any)["B"].(map[string]any), "compatibilityDate")
			},
			"workers.B.compatibilityDate",
		},
		{
			"service without worker",
			func(doc map[string]any) {
				doc["resources"].(map[string]any)["services"].(map[string]any)["rpc"] = map[string]any{"export": "add"}
			},
			"resources.services.rpc.worker",
		},
		{
			"invalid export name",
			func(doc map[string]any) {
				doc["resources"].(map[string]any)["services"].(map[string]any)["rpc"] = map[string]any{"worker": "B", "export": "not-valid"}
			},
			"resources.services.rpc.export",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := twoWorkerDocument()
			tt.mutate(doc)

			cfg, err := ValidateDocument(doc, ValidateOptions{})
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.True(t, domain.IsValidation(err))

			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateDocument_NotAnObject(t *testing.T) {
	_, err := ValidateDocument([]any{"nope"}, ValidateOptions{})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Contains(t, err.Error(), "array")
}

func TestValidateDocument_UnresolvedModule(t *testing.T) {
	refs := map[string]any{
		"sentinel string": domain.UnresolvedModule,
		"sentinel marker": map[string]any{domain.ModulePathKey: domain.UnresolvedModule},
		"empty string":    "",
		"no marker":       map[string]any{"default": "x"},
		"wrong type":      12,
	}

	for name, ref := range refs {
		t.Run(name, func(t *testing.T) {
			doc := twoWorkerDocument()
			doc["workers"].(map[string]any)["B"].(map[string]any)["module"] = ref

			_, err := ValidateDocument(doc, ValidateOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrUnresolvedModule))

			var uerr *domain.UnresolvedModuleError
			require.True(t, errors.As(err, &uerr))
			assert.Equal(t, domain.WorkerID("B"), uerr.Worker)
			assert.Contains(t, err.Error(), `"B"`)
		})
	}

	t.Run("missing reference", func(t *testing.T) {
		doc := twoWorkerDocument()
		delete(doc["workers"].(map[string]any)["A"].(map[string]any), "module")

		_, err := ValidateDocument(doc, ValidateOptions{})
		assert.True(t, errors.Is(err, domain.ErrUnresolvedModule))
	})
}

func TestValidateDocument_ModuleEntryAlias(t *testing.T) {
	doc := twoWorkerDocument()
	b := doc["workers"].(map[string]any)["B"].(map[string]any)
	delete(b, "module")
	b["moduleEntry"] = "/project/src/b/main.ts"

	cfg, err := ValidateDocument(doc, ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/project/src/b/main.ts", cfg.Workers["B"].ModulePath)
}

func TestValidateDocument_RelativeModuleJoinsRoot(t *testing.T) {
	doc := twoWorkerDocument()
	doc["workers"].(map[string]any)["B"].(map[string]any)["module"] = "src/b/index.ts"

	root := filepath.Join(string(filepath.Separator), "work", "app")
	cfg, err := ValidateDocument(doc, ValidateOptions{Root: root})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src", "b", "index.ts"), cfg.Workers["B"].ModulePath)
	assert.Equal(t, "/project/src/a/index.ts", cfg.Workers["A"].ModulePath, "absolute paths are kept")
}

func TestValidateDocument_InvalidVars(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	tests := []struct {
		name      string
		value     any
		key       string
		valueType string
	}{
		{"cycle", cyclic, "bad.self", "map[string]interface {}"},
		{"nan", math.NaN(), "bad", "float64"},
		{"infinity", math.Inf(1), "bad", "float64"},
		{"date time", time.Date(2024, 12, 5, 0, 0, 0, 0, time.UTC), "bad", "time.Time"},
		{"function", func() {}, "bad", "func()"},
		{"channel", make(chan int), "bad", "chan int"},
		{"nested", map[string]any{"list": []any{1, struct{}{}}}, "bad.list[1]", "struct {}"},
		{"non-string key", map[any]any{1: "one"}, "bad", "int"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := twoWorkerDocument()
			doc["resources"].(map[string]any)["vars"] = map[string]any{"bad": tt.value, "good": "ok"}

			cfg, err := ValidateDocument(doc, ValidateOptions{})
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.True(t, domain.IsValidation(err))

			var verr *domain.InvalidVarValueError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.key, verr.Key)
			assert.Equal(t, tt.valueType, verr.ValueType)
		})
	}
}

func TestValidateDocument_SharedSubtreeIsNotACycle(t *testing.T) {
	shared := map[string]any{"k": "v"}
	doc := twoWorkerDocument()
	doc["resources"].(map[string]any)["vars"] = map[string]any{
		"pair": []any{shared, shared},
	}

	cfg, err := ValidateDocument(doc, ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"k": "v"}, map[string]any{"k": "v"}}, cfg.Resources.Vars["pair"])
}

func TestValidateDocument_CompatibilityDatePredicate(t *testing.T) {
	doc := twoWorkerDocument()
	doc["workers"].(map[string]any)["B"].(map[string]any)["compatibilityDate"] = "yesterday"

	_, err := ValidateDocument(doc, ValidateOptions{})
	require.NoError(t, err, "dates are opaque without a predicate")

	_, err = ValidateDocument(doc, ValidateOptions{CompatibilityDate: StrictCompatibilityDate})
	require.Error(t, err)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "workers.B.compatibilityDate", verr.Field)
}

func TestStrictCompatibilityDate(t *testing.T) {
	assert.NoError(t, StrictCompatibilityDate("2024-12-05"))
	assert.Error(t, StrictCompatibilityDate("2024-13-05"))
	assert.Error(t, StrictCompatibilityDate("05/12/2024"))
	assert.Error(t, StrictCompatibilityDate(""))
}

func TestValidateDocument_LegacyEntryWorkerObject(t *testing.T) {
	doc := map[string]any{
		"name": "legacy",
		"entryWorker": map[string]any{
			"name":              "worker-a",
			"compatibilityDate": "2024-12-05",
			"module":            map[string]any{domain.ModulePathKey: "/project/src/index.ts"},
		},
		"resources": map[string]any{"vars": map[string]any{"exampleVar": "Example var"}},
	}

	cfg, err := ValidateDocument(doc, ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerID("worker-a"), cfg.EntryWorker)
	assert.Equal(t, map[domain.WorkerID]domain.WorkerConfig{
		"worker-a": {CompatibilityDate: "2024-12-05", ModulePath: "/project/src/index.ts"},
	}, cfg.Workers)
	assert.Equal(t, "Example var", cfg.Resources.Vars["exampleVar"])
}

func TestValidateDocument_DoesNotMutateInput(t *testing.T) {
	doc := twoWorkerDocument()
	before := twoWorkerDocument()

	_, err := ValidateDocument(doc, ValidateOptions{Root: "/elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, before, doc)
}

func jsonScalar() *rapid.Generator[any] {
	return rapid.OneOf(
		rapid.Map(rapid.String(), func(s string) any { return s }),
		rapid.Map(rapid.Int64(), func(i int64) any { return i }),
		rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		rapid.Map(rapid.Float64Range(-1e9, 1e9), func(f float64) any { return f }),
		rapid.Just[any](nil),
	)
}

// Property: every JSON-shaped var survives validation unchanged and
// validation is deterministic.
func TestValidateDocument_VarsRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		vars := rapid.MapOf(rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9_]{0,8}`), jsonScalar()).Draw(t, "vars")
		nested := rapid.SliceOf(jsonScalar()).Draw(t, "nested")

		raw := make(map[string]any, len(vars)+1)
		for k, v := range vars {
			raw[k] = v
		}
		raw["__list"] = append([]any(nil), nested...)

		doc := twoWorkerDocument()
		doc["resources"].(map[string]any)["vars"] = raw

		first, err := ValidateDocument(doc, ValidateOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := ValidateDocument(doc, ValidateOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for k, v := range vars {
			if !assert.ObjectsAreEqual(v, first.Resources.Vars[k]) {
				t.Fatalf("var %q changed: %#v -> %#v", k, v, first.Resources.Vars[k])
			}
		}
		if !assert.ObjectsAreEqual(first, second) {
			t.Fatalf("validation is not deterministic")
		}
	})
}
