// Package bindings flattens declared resources into the binding handles that
// are injected into a running sandbox.
//
// A handle is "<namespace><Separator><key>". Namespaces never contain the
// separator, so ParseHandle splits at the first separator and keys may contain
// it freely: the mapping from (namespace, key) to handle is injective.
package bindings

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/workergraph/pkg/domain"
)

// Namespace separates variable handles from service handles.
type Namespace string

const (
	NamespaceVars     Namespace = "vars"
	NamespaceServices Namespace = "services"
)

// Separator joins a namespace and a key.
const Separator = "_"

// Handle returns the flattened handle name for key in ns.
func Handle(ns Namespace, key string) string {
	return string(ns) + Separator + key
}

// ParseHandle splits a handle into its namespace and key.
func ParseHandle(handle string) (Namespace, string, bool) {
	prefix, key, found := strings.Cut(handle, Separator)
	if !found {
		return "", "", false
	}
	switch ns := Namespace(prefix); ns {
	case NamespaceVars, NamespaceServices:
		return ns, key, true
	}
	return "", "", false
}

// ServiceBinding is the runtime form of a service reference.
type ServiceBinding struct {
	Name       domain.WorkerID   `json:"name"`
	Entrypoint domain.ExportName `json:"entrypoint,omitempty"`
}

// Binding is one entry of a Plan. Value is set for variables, Service for
// services.
type Binding struct {
	Handle    string
	Namespace Namespace
	Key       string
	Value     any
	Service   ServiceBinding
}

// Plan is the immutable set of bindings for one generation.
type Plan struct {
	vars     map[string]any
	services map[string]ServiceBinding
}

// Extract reshapes resources into a Plan. It never mutates resources and
// returns an equal Plan every time it is called with equal input.
func Extract(resources domain.Resources) (*Plan, error) {
	b := NewBuilder()

	for _, key := range sortedKeys(resources.Vars) {
		if err := b.AddVar(key, resources.Vars[key]); err != nil {
			return nil, err
		}
	}
	for _, key := range sortedKeys(resources.Services) {
		if err := b.AddService(key, resources.Services[key]); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

// Var looks up a variable by its unprefixed key.
func (p *Plan) Var(key string) (Binding, bool) {
	return p.Lookup(Handle(NamespaceVars, key))
}

// Service looks up a service by its unprefixed key.
func (p *Plan) Service(key string) (Binding, bool) {
	return p.Lookup(Handle(NamespaceServices, key))
}

// Lookup resolves a flattened handle.
func (p *Plan) Lookup(handle string) (Binding, bool) {
	ns, key, ok := ParseHandle(handle)
	if !ok {
		return Binding{}, false
	}
	switch ns {
	case NamespaceVars:
		v, ok := p.vars[handle]
		if !ok {
			return Binding{}, false
		}
		return Binding{Handle: handle, Namespace: ns, Key: key, Value: deepCopy(v)}, true
	case NamespaceServices:
		s, ok := p.services[handle]
		if !ok {
			return Binding{}, false
		}
		return Binding{Handle: handle, Namespace: ns, Key: key, Service: s}, true
	}
	return Binding{}, false
}

// Handles returns every handle in lexicographic order.
func (p *Plan) Handles() []string {
	handles := make([]string, 0, len(p.vars)+len(p.services))
	for h := range p.vars {
		handles = append(handles, h)
	}
	for h := range p.services {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}

// Len returns the number of bindings.
func (p *Plan) Len() int {
	return len(p.vars) + len(p.services)
}

// Vars returns a copy of the variable bindings keyed by handle.
func (p *Plan) Vars() map[string]any {
	out := make(map[string]any, len(p.vars))
	for h, v := range p.vars {
		out[h] = deepCopy(v)
	}
	return out
}

// Services returns a copy of the service bindings keyed by handle.
func (p *Plan) Services() map[string]ServiceBinding {
	out := make(map[string]ServiceBinding, len(p.services))
	for h, s := range p.services {
		out[h] = s
	}
	return out
}

// MarshalJSON renders the plan as {"vars": {...}, "services": {...}}.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Vars     map[string]any            `json:"vars"`
		Services map[string]ServiceBinding `json:"services"`
	}{p.vars, p.services})
}

// Builder accumulates bindings and rejects duplicate handles.
type Builder struct {
	vars     map[string]any
	services map[string]ServiceBinding
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		vars:     make(map[string]any),
		services: make(map[string]ServiceBinding),
	}
}

// AddVar adds vars_<key>. The value is copied.
func (b *Builder) AddVar(key string, value any) error {
	h := Handle(NamespaceVars, key)
	if _, dup := b.vars[h]; dup {
		return &domain.BindingCollisionError{Handle: h}
	}
	b.vars[h] = deepCopy(value)
	return nil
}

// AddService adds services_<key>.
func (b *Builder) AddService(key string, ref domain.ServiceRef) error {
	h := Handle(NamespaceServices, key)
	if _, dup := b.services[h]; dup {
		return &domain.BindingCollisionError{Handle: h}
	}
	sb := ServiceBinding{Name: ref.Worker}
	if !ref.IsDefault() {
		sb.Entrypoint = ref.Export
	}
	b.services[h] = sb
	return nil
}

// Build returns the accumulated Plan. The Builder must not be reused.
func (b *Builder) Build() *Plan {
	p := &Plan{vars: b.vars, services: b.services}
	b.vars, b.services = nil, nil
	return p
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// deepCopy copies the container shapes of a normalised JSON value.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = deepCopy(child)
		}
		return out
	}
	return v
}

// String implements fmt.Stringer for log output.
func (b Binding) String() string {
	if b.Namespace == NamespaceServices {
		if b.Service.Entrypoint != "" {
			return fmt.Sprintf("%s -> %s#%s", b.Handle, b.Service.Name, b.Service.Entrypoint)
		}
		return fmt.Sprintf("%s -> %s", b.Handle, b.Service.Name)
	}
	return fmt.Sprintf("%s = %v", b.Handle, b.Value)
}
