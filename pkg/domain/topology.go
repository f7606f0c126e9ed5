package domain

import "sort"

// ResolvedWorker is the runtime view of one worker.
type ResolvedWorker struct {
	Name              WorkerID `json:"name"`
	CompatibilityDate string   `json:"compatibilityDate"`
	ModulePath        string   `json:"modulePath"`

	// RequiredEntrypointExports is sorted and free of duplicates.
	RequiredEntrypointExports []ExportName `json:"requiredEntrypointExports"`
}

// HasExport reports whether name must be callable from other workers.
func (w ResolvedWorker) HasExport(name ExportName) bool {
	i := sort.Search(len(w.RequiredEntrypointExports), func(i int) bool {
		return w.RequiredEntrypointExports[i] >= name
	})
	return i < len(w.RequiredEntrypointExports) && w.RequiredEntrypointExports[i] == name
}

// ResolvedTopology is what the runtime will boot for one generation.
type ResolvedTopology struct {
	Workers          map[EnvironmentName]ResolvedWorker `json:"workers"`
	EntryEnvironment EnvironmentName                    `json:"entryEnvironment"`
	Vars             map[string]any                     `json:"vars"`
	Services         map[string]ServiceRef              `json:"services"`
}

// EnvironmentNames returns every environment in lexicographic order.
func (t *ResolvedTopology) EnvironmentNames() []EnvironmentName {
	names := make([]EnvironmentName, 0, len(t.Workers))
	for name := range t.Workers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Worker looks up the worker booted as env.
func (t *ResolvedTopology) Worker(env EnvironmentName) (ResolvedWorker, bool) {
	w, ok := t.Workers[env]
	return w, ok
}

// EnvironmentOf returns the environment a worker id was resolved to.
func (t *ResolvedTopology) EnvironmentOf(id WorkerID) (EnvironmentName, bool) {
	for env, w := range t.Workers {
		if w.Name == id {
			return env, true
		}
	}
	return "", false
}
