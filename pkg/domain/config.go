package domain

// WorkerID is the user-facing identifier of a worker as written in the document.
type WorkerID string

// EnvironmentName is the runtime-facing identifier of the sandbox booted for a worker.
type EnvironmentName string

// ExportName names an RPC-capable entry point exported by a worker module.
type ExportName string

const (
	// DefaultExport is the export name that selects a worker's default handler.
	DefaultExport ExportName = "default"

	// ModulePathKey is the marker key the bundling collaborator writes into a
	// worker's module reference once the module has been resolved to a path.
	ModulePathKey = "__MODULE_PATH__"

	// UnresolvedModule is the sentinel left in moduleEntry when the bundling
	// collaborator has not resolved the module yet.
	UnresolvedModule = "__UNRESOLVED_MODULE__"
)

// WorkerConfig is a validated worker declaration.
type WorkerConfig struct {
	CompatibilityDate string `json:"compatibilityDate" yaml:"compatibilityDate"`
	ModulePath        string `json:"modulePath" yaml:"modulePath"`
}

// ServiceRef points at another worker. An empty Export means the worker's
// default handler.
type ServiceRef struct {
	Worker WorkerID   `json:"worker" yaml:"worker"`
	Export ExportName `json:"export,omitempty" yaml:"export,omitempty"`
}

// IsDefault reports whether the reference targets the default handler.
func (r ServiceRef) IsDefault() bool {
	return r.Export == "" || r.Export == DefaultExport
}

// Resources holds the shared values declared next to the workers.
// Vars values are normalised JSON values (see config.ValidateDocument).
type Resources struct {
	Vars     map[string]any        `json:"vars" yaml:"vars"`
	Services map[string]ServiceRef `json:"services" yaml:"services"`
}

// ResolvedConfig is the typed, normalised result of document validation.
type ResolvedConfig struct {
	Name        string                    `json:"name" yaml:"name"`
	Workers     map[WorkerID]WorkerConfig `json:"workers" yaml:"workers"`
	EntryWorker WorkerID                  `json:"entryWorker" yaml:"entryWorker"`
	Resources   Resources                 `json:"resources" yaml:"resources"`
}
