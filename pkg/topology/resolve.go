package topology

import (
	"sort"

	"github.com/polisai/workergraph/pkg/domain"
)

// Resolve builds the topology the runtime will boot. It is the only place
// that turns a validated document into environments; on any error it returns
// nil and no partial state.
func Resolve(cfg *domain.ResolvedConfig) (*domain.ResolvedTopology, error) {
	ids := make([]domain.WorkerID, 0, len(cfg.Workers))
	for id := range cfg.Workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	envs, err := environmentNames(ids)
	if err != nil {
		return nil, err
	}

	exports, err := DiscoverExports(cfg.Workers, cfg.Resources.Services)
	if err != nil {
		return nil, err
	}

	if _, ok := cfg.Workers[cfg.EntryWorker]; !ok {
		return nil, &domain.UnknownEntryWorkerError{Worker: cfg.EntryWorker}
	}

	topo := &domain.ResolvedTopology{
		Workers:          make(map[domain.EnvironmentName]domain.ResolvedWorker, len(ids)),
		EntryEnvironment: envs[cfg.EntryWorker],
		Vars:             make(map[string]any, len(cfg.Resources.Vars)),
		Services:         make(map[string]domain.ServiceRef, len(cfg.Resources.Services)),
	}
	for _, id := range ids {
		w := cfg.Workers[id]
		topo.Workers[envs[id]] = domain.ResolvedWorker{
			Name:                      id,
			CompatibilityDate:         w.CompatibilityDate,
			ModulePath:                w.ModulePath,
			RequiredEntrypointExports: exports[id],
		}
	}
	for k, v := range cfg.Resources.Vars {
		topo.Vars[k] = copyJSON(v)
	}
	for k, ref := range cfg.Resources.Services {
		if ref.IsDefault() {
			ref.Export = ""
		}
		topo.Services[k] = ref
	}
	return topo, nil
}

// environmentNames transliterates ids, which must be sorted, and rejects
// collisions. All ids sharing the first colliding name are reported.
func environmentNames(ids []domain.WorkerID) (map[domain.WorkerID]domain.EnvironmentName, error) {
	byEnv := make(map[domain.EnvironmentName][]domain.WorkerID, len(ids))
	order := make([]domain.EnvironmentName, 0, len(ids))
	envs := make(map[domain.WorkerID]domain.EnvironmentName, len(ids))

	for _, id := range ids {
		env := EnvironmentNameFor(id)
		if _, seen := byEnv[env]; !seen {
			order = append(order, env)
		}
		byEnv[env] = append(byEnv[env], id)
		envs[id] = env
	}

	for _, env := range order {
		if group := byEnv[env]; len(group) > 1 {
			return nil, &domain.EnvironmentNameCollisionError{Environment: env, Workers: group}
		}
	}
	return envs, nil
}

func copyJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = copyJSON(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = copyJSON(child)
		}
		return out
	}
	return v
}
