// Package bundler evaluates script configuration documents.
//
// A script document is bundled by esbuild into a single IIFE and run in a
// fresh QuickJS VM; the exported config object is returned as decoded JSON.
// Imports carrying the import attribute type "cloudflare-worker" are not
// followed. They become marker modules exporting the absolute path of the
// worker entry under domain.ModulePathKey.
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"modernc.org/quickjs"

	"github.com/polisai/workergraph/pkg/config"
	"github.com/polisai/workergraph/pkg/domain"
)

const (
	// WorkerImportType is the import attribute marking a worker entry import.
	WorkerImportType = "cloudflare-worker"

	// ConfigModule is the virtual module exporting defineConfig.
	ConfigModule = "workergraph:config"

	// LegacyConfigModule is accepted as an alias of ConfigModule.
	LegacyConfigModule = "@flarelabs-net/cloudflare-config"

	globalName      = "__workergraph_config__"
	configNamespace = "workergraph-config"
	workerNamespace = "workergraph-worker"
)

// Defaults for Options.
const (
	DefaultMemoryLimitMB = 64
	DefaultTimeout       = 5 * time.Second
)

// ErrNoConfigExport is returned when the script exports neither a default
// value nor a binding named config.
var ErrNoConfigExport = errors.New("script does not export a config")

// Options configures a Loader.
type Options struct {
	// MemoryLimitMB caps the evaluation VM. Zero uses DefaultMemoryLimitMB.
	MemoryLimitMB int

	// Timeout interrupts evaluation. Zero uses DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// Loader implements config.ScriptLoader.
type Loader struct {
	memoryLimitMB int
	timeout       time.Duration
	logger        *slog.Logger
}

var _ config.ScriptLoader = (*Loader)(nil)

// New creates a Loader.
func New(opts Options) *Loader {
	if opts.MemoryLimitMB <= 0 {
		opts.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loader{
		memoryLimitMB: opts.MemoryLimitMB,
		timeout:       opts.Timeout,
		logger:        opts.Logger,
	}
}

// LoadScript bundles and evaluates the script at path.
func (l *Loader) LoadScript(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	source, err := Bundle(path)
	if err != nil {
		return nil, err
	}

	out, err := l.evaluate(ctx, source)
	if err != nil {
		return nil, err
	}

	doc, err := config.DecodeDocument("config.json", []byte(out))
	if err != nil {
		return nil, fmt.Errorf("decoding evaluated config: %w", err)
	}

	l.logger.Debug("Script config evaluated",
		"path", path,
		"bundle_bytes", len(source),
		"duration", time.Since(start))
	return doc, nil
}

// Bundle compiles the script at path and its imports into one IIFE that
// assigns the module namespace to a global.
func Bundle(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: filepath.Dir(abs),
		Bundle:        true,
		Write:         false,
		Format:        esbuild.FormatIIFE,
		GlobalName:    globalName,
		Platform:      esbuild.PlatformNeutral,
		MainFields:    []string{"module", "main"},
		Target:        esbuild.ES2020,
		LogLevel:      esbuild.LogLevelSilent,
		Plugins:       []esbuild.Plugin{configPlugin()},
	})

	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, formatMessage(e))
		}
		return "", fmt.Errorf("bundling %s: %s", path, strings.Join(msgs, "; "))
	}

	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", path)
	}

	return string(result.OutputFiles[0].Contents), nil
}

func formatMessage(m esbuild.Message) string {
	if m.Location == nil {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text)
}

// configPlugin serves the virtual config module and replaces worker entry
// imports with path markers.
func configPlugin() esbuild.Plugin {
	return esbuild.Plugin{
		Name: "workergraph-config",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: `^(workergraph:config|@flarelabs-net/cloudflare-config)$`},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					return esbuild.OnResolveResult{Path: args.Path, Namespace: configNamespace}, nil
				})

			build.OnLoad(esbuild.OnLoadOptions{Filter: `.*`, Namespace: configNamespace},
				func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
					contents := "export function defineConfig(config) { return config; }\n"
					return esbuild.OnLoadResult{Contents: &contents, Loader: esbuild.LoaderJS}, nil
				})

			build.OnResolve(esbuild.OnResolveOptions{Filter: `.*`},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					if args.With["type"] != WorkerImportType {
						return esbuild.OnResolveResult{}, nil
					}
					path := args.Path
					if !filepath.IsAbs(path) {
						path = filepath.Join(args.ResolveDir, path)
					}
					return esbuild.OnResolveResult{Path: filepath.Clean(path), Namespace: workerNamespace}, nil
				})

			build.OnLoad(esbuild.OnLoadOptions{Filter: `.*`, Namespace: workerNamespace},
				func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
					contents := workerMarker(args.Path)
					return esbuild.OnLoadResult{Contents: &contents, Loader: esbuild.LoaderJS}, nil
				})
		},
	}
}

// workerMarker exports the entry path both as a named binding and as the
// default object so namespace and default imports both carry the marker.
func workerMarker(path string) string {
	quoted, _ := json.Marshal(path)
	return fmt.Sprintf("export const %s = %s;\nexport default { %s: %s };\n",
		domain.ModulePathKey, quoted, domain.ModulePathKey, quoted)
}

// serializeConfig picks the config export and stringifies it. Values JSON
// cannot carry faithfully are rejected instead of being silently coerced.
const serializeConfig = `(function (m) {
	var c = m["default"] !== undefined ? m["default"] : m.config;
	if (c === undefined) return "";
	return JSON.stringify(c, function (k, v) {
		var raw = this[k];
		if (raw instanceof Date) throw new TypeError("value at " + JSON.stringify(k) + " is not serializable (Date)");
		if (typeof v === "number" && !isFinite(v)) throw new TypeError("value at " + JSON.stringify(k) + " is not a finite number");
		if (typeof v === "function" || typeof v === "symbol") throw new TypeError("value at " + JSON.stringify(k) + " is not serializable (" + typeof v + ")");
		return v;
	});
})(` + globalName + `)`

func (l *Loader) evaluate(ctx context.Context, source string) (string, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return "", fmt.Errorf("creating QuickJS VM: %w", err)
	}
	defer vm.Close()
	vm.SetMemoryLimit(uintptr(l.memoryLimitMB) * 1024 * 1024)

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(l.timeout, func() {
		timedOut.Store(true)
		vm.Interrupt()
	})
	defer watchdog.Stop()
	stop := context.AfterFunc(ctx, vm.Interrupt)
	defer stop()

	if err := evalDiscard(vm, source); err != nil {
		return "", l.evalError(ctx, &timedOut, err)
	}

	r, err := vm.Eval(serializeConfig, quickjs.EvalGlobal)
	if err != nil {
		return "", l.evalError(ctx, &timedOut, err)
	}
	out, _ := r.(string)
	if out == "" {
		return "", ErrNoConfigExport
	}
	return out, nil
}

func (l *Loader) evalError(ctx context.Context, timedOut *atomic.Bool, err error) error {
	switch {
	case timedOut.Load():
		return fmt.Errorf("evaluating config: timed out after %s", l.timeout)
	case ctx.Err() != nil:
		return fmt.Errorf("evaluating config: %w", ctx.Err())
	default:
		return fmt.Errorf("evaluating config: %w", err)
	}
}

// evalDiscard evaluates JavaScript and frees the result.
func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}
