package modulegraph

import (
	"fmt"
	"sort"

	"github.com/polisai/workergraph/pkg/bridge"
	"github.com/polisai/workergraph/pkg/domain"
)

// Registry holds one Graph per environment of a generation. The set of
// environments is fixed at construction.
type Registry struct {
	graphs map[domain.EnvironmentName]*Graph
}

var _ bridge.Resolver = (*Registry)(nil)

// NewRegistry creates a graph for each environment, sharing opts.
func NewRegistry(opts Options, environments []domain.EnvironmentName) (*Registry, error) {
	graphs := make(map[domain.EnvironmentName]*Graph, len(environments))
	for _, env := range environments {
		if _, dup := graphs[env]; dup {
			return nil, fmt.Errorf("modulegraph: duplicate environment %q", env)
		}
		o := opts
		o.Environment = env
		g, err := New(o)
		if err != nil {
			return nil, err
		}
		graphs[env] = g
	}
	return &Registry{graphs: graphs}, nil
}

// Environment implements bridge.Resolver.
func (r *Registry) Environment(name domain.EnvironmentName) (bridge.HostEnvironment, error) {
	g, ok := r.graphs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEnvironment, name)
	}
	return g, nil
}

// Graph returns the graph of one environment.
func (r *Registry) Graph(name domain.EnvironmentName) (*Graph, bool) {
	g, ok := r.graphs[name]
	return g, ok
}

// Environments returns the environment names, sorted.
func (r *Registry) Environments() []domain.EnvironmentName {
	names := make([]domain.EnvironmentName, 0, len(r.graphs))
	for name := range r.graphs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Invalidate marks path stale in every graph that cached it and returns
// those environments, sorted.
func (r *Registry) Invalidate(path string) []domain.EnvironmentName {
	var hit []domain.EnvironmentName
	for _, name := range r.Environments() {
		if r.graphs[name].Invalidate(path) {
			hit = append(hit, name)
		}
	}
	return hit
}

// InvalidateDependencies drops pre-bundled packages in every graph.
func (r *Registry) InvalidateDependencies() {
	for _, g := range r.graphs {
		g.InvalidateDependencies()
	}
}
