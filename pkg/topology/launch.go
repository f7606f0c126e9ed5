package topology

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/polisai/workergraph/pkg/bindings"
	"github.com/polisai/workergraph/pkg/domain"
)

// Reserved binding names injected into every sandbox next to the plan's
// bindings. User handles are always namespaced, so they cannot clash.
const (
	BindingRoot         = "__DEV_ROOT__"
	BindingEntryPath    = "__DEV_ENTRY_PATH__"
	BindingEnvironment  = "__DEV_ENVIRONMENT__"
	BindingInvokeModule = "__DEV_INVOKE_MODULE__"

	// WrapperModulePath is the path of the generated entry module.
	WrapperModulePath = "__DEV_WORKER_ENTRY__"
)

// ModuleSpec is a module handed to the sandbox host.
type ModuleSpec struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Contents string `json:"contents,omitempty"`
}

// ServiceTarget is a service binding of a sandbox. Worker bindings name a
// target worker and optionally an entrypoint; the invoke binding names a URL.
type ServiceTarget struct {
	Worker     domain.WorkerID   `json:"targetWorkerName,omitempty"`
	Entrypoint domain.ExportName `json:"entrypointExportName,omitempty"`
	URL        string            `json:"url,omitempty"`
}

// SandboxSpec is the launch record of one environment.
type SandboxSpec struct {
	Name              domain.WorkerID          `json:"name"`
	Environment       domain.EnvironmentName   `json:"environment"`
	CompatibilityDate string                   `json:"compatibilityDate"`
	ModulePath        string                   `json:"modulePath"`
	Bindings          map[string]any           `json:"bindings"`
	ServiceBindings   map[string]ServiceTarget `json:"serviceBindings"`
	Modules           []ModuleSpec             `json:"modules"`
}

// LaunchPlan is everything the sandbox host needs to boot a generation.
type LaunchPlan struct {
	Entry     domain.EnvironmentName `json:"entry"`
	Sandboxes []SandboxSpec          `json:"sandboxes"`
}

// LaunchOptions supplies the host-side values of the reserved bindings.
type LaunchOptions struct {
	Root         string
	BridgeURL    string
	RunnerModule string
}

// Sandbox finds the spec booted as env.
func (p *LaunchPlan) Sandbox(env domain.EnvironmentName) (SandboxSpec, bool) {
	i := sort.Search(len(p.Sandboxes), func(i int) bool { return p.Sandboxes[i].Environment >= env })
	if i < len(p.Sandboxes) && p.Sandboxes[i].Environment == env {
		return p.Sandboxes[i], true
	}
	return SandboxSpec{}, false
}

// BuildLaunchPlan derives one sandbox per environment, sorted by environment
// name. Every sandbox receives the full binding plan.
func BuildLaunchPlan(topo *domain.ResolvedTopology, plan *bindings.Plan, opts LaunchOptions) (*LaunchPlan, error) {
	if _, ok := topo.Workers[topo.EntryEnvironment]; !ok {
		return nil, fmt.Errorf("%w: entry environment %q", domain.ErrUnknownEnvironment, topo.EntryEnvironment)
	}
	runner := opts.RunnerModule
	if runner == "" {
		runner = DefaultRunnerModule
	}

	services := plan.Services()
	handles := make([]string, 0, len(services))
	for handle := range services {
		handles = append(handles, handle)
	}
	sort.Strings(handles)
	for _, handle := range handles {
		sb := services[handle]
		env, ok := topo.EnvironmentOf(sb.Name)
		if !ok {
			return nil, &domain.UnknownWorkerReferenceError{Service: handle, Worker: sb.Name}
		}
		if sb.Entrypoint != "" && !topo.Workers[env].HasExport(sb.Entrypoint) {
			return nil, &domain.MissingEntrypointError{Service: handle, Worker: sb.Name, Export: sb.Entrypoint}
		}
	}

	lp := &LaunchPlan{Entry: topo.EntryEnvironment}
	for _, env := range topo.EnvironmentNames() {
		w := topo.Workers[env]

		vars := plan.Vars()
		vars[BindingRoot] = opts.Root
		vars[BindingEntryPath] = w.ModulePath
		vars[BindingEnvironment] = string(env)

		targets := make(map[string]ServiceTarget, len(services)+1)
		for handle, sb := range services {
			targets[handle] = ServiceTarget{Worker: sb.Name, Entrypoint: sb.Entrypoint}
		}
		if opts.BridgeURL != "" {
			targets[BindingInvokeModule] = ServiceTarget{URL: invokeURL(opts.BridgeURL, env)}
		}

		lp.Sandboxes = append(lp.Sandboxes, SandboxSpec{
			Name:              w.Name,
			Environment:       env,
			CompatibilityDate: w.CompatibilityDate,
			ModulePath:        w.ModulePath,
			Bindings:          vars,
			ServiceBindings:   targets,
			Modules: []ModuleSpec{
				{Type: "ESModule", Path: WrapperModulePath, Contents: WrapperSource(w, runner)},
				{Type: "ESModule", Path: runner},
			},
		})
	}
	return lp, nil
}

// invokeURL tags the bridge URL with the requesting environment.
func invokeURL(base string, env domain.EnvironmentName) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("environment", string(env))
	u.RawQuery = q.Encode()
	return u.String()
}
