// Package modulegraph is the host side of module loading: a per-environment
// graph of transformed source modules that sandboxes fetch through the bridge.
//
// Source files are transformed one at a time by esbuild with every import left
// external and recorded, so each record carries its own dependency edges.
// Bare package ids are pre-bundled from node_modules. Records are cached by
// path and invalidated by modification time or explicitly.
package modulegraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/singleflight"

	"github.com/polisai/workergraph/pkg/bridge"
	"github.com/polisai/workergraph/pkg/domain"
)

// DefaultExtensions are probed, in order, for extensionless ids.
var DefaultExtensions = []string{".ts", ".tsx", ".mts", ".js", ".jsx", ".mjs", ".cjs", ".json"}

// Record types for externalized ids.
const (
	TypeBuiltin = "builtin"
	TypeNetwork = "network"
)

// DependencyURLPrefix prefixes the URL of a pre-bundled package.
const DependencyURLPrefix = "/@deps/"

// Options configures a Graph.
type Options struct {
	// Root is the project root. Root-relative ids ("/src/x.ts") and aliases
	// resolve against it.
	Root string

	Environment domain.EnvironmentName

	// Aliases rewrite an id prefix. A key matches the whole id or the id up
	// to a "/". Relative replacements are taken from Root.
	Aliases map[string]string

	// Extensions override DefaultExtensions.
	Extensions []string

	Logger *slog.Logger
}

type alias struct {
	find    string
	replace string
}

// Graph serves the source modules of one environment. It is safe for
// concurrent use.
type Graph struct {
	root       string
	env        domain.EnvironmentName
	aliases    []alias
	extensions []string
	logger     *slog.Logger

	mu      sync.RWMutex
	modules map[string]*module
	deps    map[string]*bridge.ModuleRecord
	stale   map[string]bool

	group singleflight.Group
}

type module struct {
	modTime time.Time
	size    int64
	record  bridge.ModuleRecord
}

var _ bridge.HostEnvironment = (*Graph)(nil)

// New creates an empty graph.
func New(opts Options) (*Graph, error) {
	if opts.Root == "" {
		return nil, errors.New("modulegraph: root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("modulegraph: resolving root: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	aliases := make([]alias, 0, len(opts.Aliases))
	for find, replace := range opts.Aliases {
		if find == "" || replace == "" {
			return nil, fmt.Errorf("modulegraph: alias %q -> %q is empty", find, replace)
		}
		if strings.HasPrefix(replace, "./") || strings.HasPrefix(replace, "../") {
			replace = filepath.Join(root, replace)
		}
		aliases = append(aliases, alias{find: find, replace: replace})
	}
	// Longest match wins.
	sort.Slice(aliases, func(i, j int) bool {
		if len(aliases[i].find) != len(aliases[j].find) {
			return len(aliases[i].find) > len(aliases[j].find)
		}
		return aliases[i].find < aliases[j].find
	})

	return &Graph{
		root:       root,
		env:        opts.Environment,
		aliases:    aliases,
		extensions: append([]string(nil), extensions...),
		logger:     logger.With("environment", string(opts.Environment)),
		modules:    make(map[string]*module),
		deps:       make(map[string]*bridge.ModuleRecord),
		stale:      make(map[string]bool),
	}, nil
}

// Root returns the absolute project root.
func (g *Graph) Root() string {
	return g.root
}

// Environment returns the environment the graph serves.
func (g *Graph) Environment() domain.EnvironmentName {
	return g.env
}

// FetchModule implements bridge.HostEnvironment.
func (g *Graph) FetchModule(ctx context.Context, moduleID, importer string) (*bridge.ModuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := g.applyAlias(stripQuery(moduleID))
	if typ, ok := externalType(id); ok {
		return &bridge.ModuleRecord{Externalize: id, Type: typ}, nil
	}
	if isBare(id) {
		return g.fetchDependency(id, importer)
	}

	path, err := g.Resolve(id, importer)
	if err != nil {
		return nil, err
	}
	return g.fetchFile(path)
}

// Resolve maps a relative, root-relative or absolute id to an existing file.
func (g *Graph) Resolve(moduleID, importer string) (string, error) {
	id := g.applyAlias(stripQuery(moduleID))

	var candidates []string
	switch {
	case isRelative(id):
		candidates = append(candidates, filepath.Join(g.importerDir(importer), id))
	case filepath.IsAbs(id):
		candidates = append(candidates, filepath.Clean(id))
		if !within(g.root, id) {
			candidates = append(candidates, filepath.Join(g.root, id))
		}
	default:
		return "", &ModuleNotFoundError{ModuleID: moduleID, Importer: importer}
	}

	for _, base := range candidates {
		if path, ok := g.probe(base); ok {
			return path, nil
		}
	}
	return "", &ModuleNotFoundError{ModuleID: moduleID, Importer: importer}
}

// Invalidate marks a cached file stale. The next fetch re-transforms it and
// flags the record for invalidation. It reports whether path was cached.
func (g *Graph) Invalidate(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.modules[abs]; !ok {
		return false
	}
	g.stale[abs] = true
	return true
}

// InvalidateDependencies drops every pre-bundled package.
func (g *Graph) InvalidateDependencies() {
	g.mu.Lock()
	g.deps = make(map[string]*bridge.ModuleRecord)
	g.mu.Unlock()
}

// Len returns the number of cached source modules.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.modules)
}

func (g *Graph) fetchFile(path string) (*bridge.ModuleRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ModuleNotFoundError{ModuleID: path}
	}

	g.mu.RLock()
	cached, seen := g.modules[path]
	stale := g.stale[path]
	g.mu.RUnlock()

	if seen && !stale && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cloneRecord(&cached.record), nil
	}

	v, err, _ := g.group.Do(path, func() (any, error) {
		record, err := g.transform(path)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.modules[path] = &module{modTime: info.ModTime(), size: info.Size(), record: *record}
		delete(g.stale, path)
		g.mu.Unlock()
		g.logger.Debug("Module transformed", "file", path, "imports", len(record.Imports))
		return record, nil
	})
	if err != nil {
		return nil, err
	}

	record := cloneRecord(v.(*bridge.ModuleRecord))
	// A record replacing one already served must be re-evaluated by the sandbox.
	record.Invalidate = seen
	return record, nil
}

func (g *Graph) transform(path string) (*bridge.ModuleRecord, error) {
	var (
		mu      sync.Mutex
		imports []string
		seen    = map[string]bool{}
	)
	record := func(id string) {
		mu.Lock()
		defer mu.Unlock()
		if !seen[id] {
			seen[id] = true
			imports = append(imports, id)
		}
	}

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{path},
		AbsWorkingDir: g.root,
		Bundle:        true,
		Write:         false,
		Format:        esbuild.FormatESModule,
		Platform:      esbuild.PlatformNeutral,
		Target:        esbuild.ES2022,
		Sourcemap:     esbuild.SourceMapInline,
		LogLevel:      esbuild.LogLevelSilent,
		Plugins: []esbuild.Plugin{{
			Name: "workergraph-imports",
			Setup: func(build esbuild.PluginBuild) {
				build.OnResolve(esbuild.OnResolveOptions{Filter: `.*`},
					func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
						if args.Kind == esbuild.ResolveEntryPoint {
							return esbuild.OnResolveResult{}, nil
						}
						record(args.Path)
						return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
					})
			},
		}},
	})
	if len(result.Errors) > 0 {
		return nil, &TransformError{File: path, Messages: messages(result.Errors)}
	}
	if len(result.OutputFiles) == 0 {
		return nil, &TransformError{File: path, Messages: []string{"no output"}}
	}

	sort.Strings(imports)
	return &bridge.ModuleRecord{
		Code:    string(result.OutputFiles[0].Contents),
		File:    path,
		ID:      path,
		URL:     g.urlFor(path),
		Imports: imports,
	}, nil
}

// fetchDependency pre-bundles a bare import. Records are cached per importer
// directory and id.
func (g *Graph) fetchDependency(id, importer string) (*bridge.ModuleRecord, error) {
	dir := g.importerDir(importer)
	key := dir + "\x00" + id

	g.mu.RLock()
	cached, ok := g.deps[key]
	g.mu.RUnlock()
	if ok {
		return cloneRecord(cached), nil
	}

	v, err, _ := g.group.Do("dep:"+key, func() (any, error) {
		record, err := g.prebundle(id, importer, dir)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.deps[key] = record
		g.mu.Unlock()
		g.logger.Debug("Dependency pre-bundled", "module_id", id, "bytes", len(record.Code))
		return record, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneRecord(v.(*bridge.ModuleRecord)), nil
}

func (g *Graph) prebundle(id, importer, dir string) (*bridge.ModuleRecord, error) {
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{id},
		AbsWorkingDir: dir,
		Bundle:        true,
		Write:         false,
		Format:        esbuild.FormatESModule,
		Platform:      esbuild.PlatformNeutral,
		MainFields:    []string{"module", "main"},
		Conditions:    []string{"workerd", "worker", "import", "default"},
		External:      []string{"node:*", "cloudflare:*"},
		Target:        esbuild.ES2022,
		LogLevel:      esbuild.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		for _, m := range result.Errors {
			if strings.Contains(m.Text, "Could not resolve") {
				return nil, &ModuleNotFoundError{ModuleID: id, Importer: importer}
			}
		}
		return nil, &TransformError{File: id, Messages: messages(result.Errors)}
	}
	if len(result.OutputFiles) == 0 {
		return nil, &TransformError{File: id, Messages: []string{"no output"}}
	}
	return &bridge.ModuleRecord{
		Code: string(result.OutputFiles[0].Contents),
		ID:   id,
		URL:  DependencyURLPrefix + id,
	}, nil
}

func (g *Graph) applyAlias(id string) string {
	for _, a := range g.aliases {
		if id == a.find {
			return a.replace
		}
		if strings.HasPrefix(id, a.find) && (strings.HasSuffix(a.find, "/") || id[len(a.find)] == '/') {
			return a.replace + id[len(a.find):]
		}
	}
	return id
}

func (g *Graph) importerDir(importer string) string {
	switch {
	case importer == "":
		return g.root
	case filepath.IsAbs(importer):
		return filepath.Dir(importer)
	default:
		return filepath.Dir(filepath.Join(g.root, importer))
	}
}

// probe finds the file base names: the exact path, base plus an extension,
// a TypeScript source behind a .js specifier, then a directory index.
func (g *Graph) probe(base string) (string, bool) {
	if isFile(base) {
		return base, true
	}
	for _, ext := range g.extensions {
		if isFile(base + ext) {
			return base + ext, true
		}
	}
	if ts, ok := typescriptSource(base); ok && isFile(ts) {
		return ts, true
	}
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		for _, ext := range g.extensions {
			index := filepath.Join(base, "index"+ext)
			if isFile(index) {
				return index, true
			}
		}
	}
	return "", false
}

func (g *Graph) urlFor(path string) string {
	if within(g.root, path) {
		rel, err := filepath.Rel(g.root, path)
		if err == nil {
			return "/" + filepath.ToSlash(rel)
		}
	}
	return "/@fs" + filepath.ToSlash(path)
}

func externalType(id string) (string, bool) {
	switch {
	case strings.HasPrefix(id, "node:"):
		return TypeBuiltin, true
	case strings.HasPrefix(id, "http://"), strings.HasPrefix(id, "https://"):
		return TypeNetwork, true
	default:
		return "", false
	}
}

func isRelative(id string) bool {
	return id == "." || id == ".." || strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../")
}

func isBare(id string) bool {
	return !isRelative(id) && !filepath.IsAbs(id) && !strings.HasPrefix(id, "/")
}

func stripQuery(id string) string {
	if i := strings.IndexAny(id, "?#"); i >= 0 {
		return id[:i]
	}
	return id
}

func typescriptSource(path string) (string, bool) {
	switch filepath.Ext(path) {
	case ".js":
		return strings.TrimSuffix(path, ".js") + ".ts", true
	case ".jsx":
		return strings.TrimSuffix(path, ".jsx") + ".tsx", true
	case ".mjs":
		return strings.TrimSuffix(path, ".mjs") + ".mts", true
	default:
		return "", false
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func messages(msgs []esbuild.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			out = append(out, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		out = append(out, m.Text)
	}
	return out
}

func cloneRecord(r *bridge.ModuleRecord) *bridge.ModuleRecord {
	out := *r
	if r.Imports != nil {
		out.Imports = append([]string(nil), r.Imports...)
	}
	return &out
}
