package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/workergraph/pkg/domain"
)

// Kind tags a Response.
type Kind string

const (
	// KindBuiltin means the module is provided by the sandbox runtime itself.
	KindBuiltin Kind = "builtin"

	// KindResolved means the owning host environment served the module.
	KindResolved Kind = "resolved"

	// KindError means the request failed; Reason says why.
	KindError Kind = "error"
)

// Request is a sandbox asking for a module.
type Request struct {
	ID                    string                 `json:"id,omitempty"`
	RequestingEnvironment domain.EnvironmentName `json:"requestingEnvironment"`
	ModuleID              string                 `json:"moduleId"`
	Importer              string                 `json:"importer,omitempty"`
}

// Validate checks the fields every request must carry.
func (r Request) Validate() error {
	if strings.TrimSpace(string(r.RequestingEnvironment)) == "" {
		return &InvalidRequestError{Field: "requestingEnvironment"}
	}
	if strings.TrimSpace(r.ModuleID) == "" {
		return &InvalidRequestError{Field: "moduleId"}
	}
	return nil
}

// ModuleRecord is what a host environment returns for a module: either
// source text with its dependency edges, or an externalization marker.
type ModuleRecord struct {
	Code        string   `json:"code,omitempty"`
	File        string   `json:"file,omitempty"`
	ID          string   `json:"id,omitempty"`
	URL         string   `json:"url,omitempty"`
	Imports     []string `json:"imports,omitempty"`
	Externalize string   `json:"externalize,omitempty"`
	Type        string   `json:"type,omitempty"`
	Invalidate  bool     `json:"invalidate,omitempty"`
}

// Response answers a Request. For KindResolved the module record fields are
// inlined next to kind.
type Response struct {
	RequestID string `json:"requestId,omitempty"`
	Kind      Kind   `json:"kind"`
	ModuleID  string `json:"moduleId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	*ModuleRecord
}

func builtinResponse(req Request) Response {
	return Response{
		RequestID: req.ID,
		Kind:      KindBuiltin,
		ModuleID:  req.ModuleID,
		ModuleRecord: &ModuleRecord{
			Externalize: req.ModuleID,
			Type:        string(KindBuiltin),
		},
	}
}

func resolvedResponse(req Request, record *ModuleRecord) Response {
	return Response{
		RequestID:    req.ID,
		Kind:         KindResolved,
		ModuleID:     req.ModuleID,
		ModuleRecord: record,
	}
}

func errorResponse(req Request, err error) Response {
	return Response{
		RequestID: req.ID,
		Kind:      KindError,
		ModuleID:  req.ModuleID,
		Reason:    err.Error(),
	}
}

// HostEnvironment is the live module graph that owns an environment's
// source modules.
type HostEnvironment interface {
	// FetchModule resolves moduleID as imported from importer.
	FetchModule(ctx context.Context, moduleID, importer string) (*ModuleRecord, error)
}

// HostEnvironmentFunc adapts a function to HostEnvironment.
type HostEnvironmentFunc func(ctx context.Context, moduleID, importer string) (*ModuleRecord, error)

func (f HostEnvironmentFunc) FetchModule(ctx context.Context, moduleID, importer string) (*ModuleRecord, error) {
	return f(ctx, moduleID, importer)
}

// Resolver finds the host environment that owns a sandbox's modules.
type Resolver interface {
	Environment(name domain.EnvironmentName) (HostEnvironment, error)
}

// StaticResolver is a fixed environment table.
type StaticResolver map[domain.EnvironmentName]HostEnvironment

// Environment implements Resolver.
func (s StaticResolver) Environment(name domain.EnvironmentName) (HostEnvironment, error) {
	host, ok := s[name]
	if !ok || host == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEnvironment, name)
	}
	return host, nil
}
