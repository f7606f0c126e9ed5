package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/polisai/workergraph/pkg/bindings"
	"github.com/polisai/workergraph/pkg/domain"
)

// hclDocument is the block form of a configuration document:
//
//	name         = "app"
//	entry_worker = "workerA"
//	vars         = { greeting = "hello" }
//
//	worker "workerA" {
//	  compatibility_date = "2024-12-05"
//	  module             = "./src/worker-a/index.ts"
//	}
//
//	service "rpc" {
//	  worker = "workerB"
//	  export = "add"
//	}
type hclDocument struct {
	Name        string        `hcl:"name"`
	EntryWorker string        `hcl:"entry_worker"`
	Vars        cty.Value     `hcl:"vars,optional"`
	Workers     []*hclWorker  `hcl:"worker,block"`
	Services    []*hclService `hcl:"service,block"`
}

type hclWorker struct {
	ID                string `hcl:"id,label"`
	CompatibilityDate string `hcl:"compatibility_date"`
	Module            string `hcl:"module"`
}

type hclService struct {
	Key    string  `hcl:"key,label"`
	Worker string  `hcl:"worker"`
	Export *string `hcl:"export,optional"`
}

// decodeHCL converts an HCL document into the same raw shape the other
// decoders produce so it goes through ValidateDocument unchanged.
func decodeHCL(name string, data []byte) (any, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse hcl: %w", diags)
	}

	var root hclDocument
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("decode hcl: %w", diags)
	}

	workers := make(map[string]any, len(root.Workers))
	for _, w := range root.Workers {
		if _, dup := workers[w.ID]; dup {
			return nil, &domain.ValidationError{Field: "workers." + w.ID, Reason: "worker is declared more than once"}
		}
		workers[w.ID] = map[string]any{
			"compatibilityDate": w.CompatibilityDate,
			"module":            w.Module,
		}
	}

	services := make(map[string]any, len(root.Services))
	for _, s := range root.Services {
		if _, dup := services[s.Key]; dup {
			return nil, &domain.BindingCollisionError{Handle: bindings.Handle(bindings.NamespaceServices, s.Key)}
		}
		ref := map[string]any{"worker": s.Worker}
		if s.Export != nil {
			ref["export"] = *s.Export
		}
		services[s.Key] = ref
	}

	vars, err := ctyToJSON(root.Vars)
	if err != nil {
		return nil, fmt.Errorf("decode hcl vars: %w", err)
	}

	doc := map[string]any{
		"name":        root.Name,
		"entryWorker": root.EntryWorker,
		"workers":     workers,
		"resources": map[string]any{
			"vars":     vars,
			"services": services,
		},
	}
	return doc, nil
}

func ctyToJSON(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not fully known")
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
