package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/polisai/workergraph/pkg/domain"
)

var exportNamePattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reservedWords cannot be used as `export const` bindings in a wrapper module.
var reservedWords = map[string]struct{}{
	"await": {}, "break": {}, "case": {}, "catch": {}, "class": {}, "const": {}, "continue": {},
	"debugger": {}, "delete": {}, "do": {}, "else": {}, "enum": {}, "export": {}, "extends": {},
	"false": {}, "finally": {}, "for": {}, "function": {}, "if": {}, "implements": {}, "import": {},
	"in": {}, "instanceof": {}, "interface": {}, "let": {}, "new": {}, "null": {}, "package": {},
	"private": {}, "protected": {}, "public": {}, "return": {}, "static": {}, "super": {},
	"switch": {}, "this": {}, "throw": {}, "true": {}, "try": {}, "typeof": {}, "var": {},
	"void": {}, "while": {}, "with": {}, "yield": {},
}

// DateLayout is the layout accepted by StrictCompatibilityDate.
const DateLayout = "2006-01-02"

// ValidateOptions tunes document validation.
type ValidateOptions struct {
	// Root makes relative module paths absolute. Empty leaves them untouched.
	Root string

	// CompatibilityDate checks each worker's compatibility date. Nil accepts
	// any string.
	CompatibilityDate func(string) error
}

// StrictCompatibilityDate accepts only YYYY-MM-DD calendar dates.
func StrictCompatibilityDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("expected a YYYY-MM-DD date, got %q", date)
	}
	return nil
}

// ValidateDocument checks an untrusted decoded document and returns its
// normalised, typed form. It does not check cross references between workers
// and services; topology resolution does that.
func ValidateDocument(raw any, opts ValidateOptions) (*domain.ResolvedConfig, error) {
	doc, ok := asObject(raw)
	if !ok {
		return nil, &domain.ValidationError{Field: "(document)", Reason: fmt.Sprintf("expected an object, got %s", typeName(raw))}
	}

	name, err := requireString(doc, "name", "name")
	if err != nil {
		return nil, err
	}

	cfg := &domain.ResolvedConfig{
		Name:    name,
		Workers: make(map[domain.WorkerID]domain.WorkerConfig),
		Resources: domain.Resources{
			Vars:     map[string]any{},
			Services: map[string]domain.ServiceRef{},
		},
	}

	if legacy, present := doc["entryWorker"]; present && isObject(legacy) {
		if _, hasWorkers := doc["workers"]; !hasWorkers {
			id, worker, err := validateLegacyEntryWorker(legacy, opts)
			if err != nil {
				return nil, err
			}
			cfg.Workers[id] = worker
			cfg.EntryWorker = id
			if err := validateResources(doc["resources"], &cfg.Resources); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}

	workersRaw, present := doc["workers"]
	if !present {
		return nil, &domain.ValidationError{Field: "workers", Reason: "required field is missing"}
	}
	workers, ok := asObject(workersRaw)
	if !ok {
		return nil, &domain.ValidationError{Field: "workers", Reason: fmt.Sprintf("expected an object, got %s", typeName(workersRaw))}
	}
	if len(workers) == 0 {
		return nil, &domain.ValidationError{Field: "workers", Reason: "at least one worker must be declared"}
	}

	for _, id := range sortedKeys(workers) {
		if id == "" {
			return nil, &domain.ValidationError{Field: "workers", Reason: "worker ids must be non-empty"}
		}
		worker, err := validateWorker(domain.WorkerID(id), workers[id], "workers."+id, opts)
		if err != nil {
			return nil, err
		}
		cfg.Workers[domain.WorkerID(id)] = worker
	}

	entry, err := requireString(doc, "entryWorker", "entryWorker")
	if err != nil {
		return nil, err
	}
	cfg.EntryWorker = domain.WorkerID(entry)

	if err := validateResources(doc["resources"], &cfg.Resources); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateLegacyEntryWorker accepts the single-worker form where entryWorker
// is an object carrying its own name.
func validateLegacyEntryWorker(raw any, opts ValidateOptions) (domain.WorkerID, domain.WorkerConfig, error) {
	obj, _ := asObject(raw)
	id, err := requireString(obj, "name", "entryWorker.name")
	if err != nil {
		return "", domain.WorkerConfig{}, err
	}
	worker, err := validateWorker(domain.WorkerID(id), raw, "entryWorker", opts)
	if err != nil {
		return "", domain.WorkerConfig{}, err
	}
	return domain.WorkerID(id), worker, nil
}

func validateWorker(id domain.WorkerID, raw any, field string, opts ValidateOptions) (domain.WorkerConfig, error) {
	obj, ok := asObject(raw)
	if !ok {
		return domain.WorkerConfig{}, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("expected an object, got %s", typeName(raw))}
	}

	dateRaw, present := obj["compatibilityDate"]
	if !present {
		return domain.WorkerConfig{}, &domain.ValidationError{Field: field + ".compatibilityDate", Reason: "required field is missing"}
	}
	date, ok := dateRaw.(string)
	if !ok {
		return domain.WorkerConfig{}, &domain.ValidationError{Field: field + ".compatibilityDate", Reason: fmt.Sprintf("expected a string, got %s", typeName(dateRaw))}
	}
	if opts.CompatibilityDate != nil {
		if err := opts.CompatibilityDate(date); err != nil {
			return domain.WorkerConfig{}, &domain.ValidationError{Field: field + ".compatibilityDate", Reason: err.Error()}
		}
	}

	modulePath, err := resolveModulePath(id, obj)
	if err != nil {
		return domain.WorkerConfig{}, err
	}
	if opts.Root != "" && !filepath.IsAbs(modulePath) {
		modulePath = filepath.Join(opts.Root, modulePath)
	}

	return domain.WorkerConfig{CompatibilityDate: date, ModulePath: modulePath}, nil
}

// resolveModulePath reads the module reference left by the bundling
// collaborator. Both the marker object and a plain path are accepted.
func resolveModulePath(id domain.WorkerID, obj map[string]any) (string, error) {
	ref, present := obj["module"]
	if !present {
		ref, present = obj["moduleEntry"]
	}
	if !present {
		return "", &domain.UnresolvedModuleError{Worker: id}
	}

	var path string
	switch v := ref.(type) {
	case string:
		path = v
	default:
		marker, ok := asObject(ref)
		if !ok {
			return "", &domain.UnresolvedModuleError{Worker: id}
		}
		p, ok := marker[domain.ModulePathKey].(string)
		if !ok {
			return "", &domain.UnresolvedModuleError{Worker: id}
		}
		path = p
	}

	path = strings.TrimSpace(path)
	if path == "" || path == domain.UnresolvedModule {
		return "", &domain.UnresolvedModuleError{Worker: id}
	}
	return path, nil
}

func validateResources(raw any, out *domain.Resources) error {
	if raw == nil {
		return nil
	}
	res, ok := asObject(raw)
	if !ok {
		return &domain.ValidationError{Field: "resources", Reason: fmt.Sprintf("expected an object, got %s", typeName(raw))}
	}

	if varsRaw := res["vars"]; varsRaw != nil {
		vars, ok := asObject(varsRaw)
		if !ok {
			return &domain.ValidationError{Field: "resources.vars", Reason: fmt.Sprintf("expected an object, got %s", typeName(varsRaw))}
		}
		for _, key := range sortedKeys(vars) {
			value, jerr := normalizeJSON(vars[key], key, map[uintptr]struct{}{})
			if jerr != nil {
				return &domain.InvalidVarValueError{Key: jerr.path, ValueType: jerr.valueType, Reason: jerr.reason}
			}
			out.Vars[key] = value
		}
	}

	if servicesRaw := res["services"]; servicesRaw != nil {
		services, ok := asObject(servicesRaw)
		if !ok {
			return &domain.ValidationError{Field: "resources.services", Reason: fmt.Sprintf("expected an object, got %s", typeName(servicesRaw))}
		}
		for _, key := range sortedKeys(services) {
			ref, err := validateServiceRef(services[key], "resources.services."+key)
			if err != nil {
				return err
			}
			out.Services[key] = ref
		}
	}
	return nil
}

func validateServiceRef(raw any, field string) (domain.ServiceRef, error) {
	obj, ok := asObject(raw)
	if !ok {
		return domain.ServiceRef{}, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("expected an object, got %s", typeName(raw))}
	}
	worker, err := requireString(obj, "worker", field+".worker")
	if err != nil {
		return domain.ServiceRef{}, err
	}
	ref := domain.ServiceRef{Worker: domain.WorkerID(worker)}

	exportRaw, present := obj["export"]
	if !present || exportRaw == nil {
		return ref, nil
	}
	export, ok := exportRaw.(string)
	if !ok {
		return domain.ServiceRef{}, &domain.ValidationError{Field: field + ".export", Reason: fmt.Sprintf("expected a string, got %s", typeName(exportRaw))}
	}
	if export == string(domain.DefaultExport) {
		return ref, nil
	}
	if !exportNamePattern.MatchString(export) {
		return domain.ServiceRef{}, &domain.ValidationError{Field: field + ".export", Reason: fmt.Sprintf("%q is not a valid export name", export)}
	}
	if _, reserved := reservedWords[export]; reserved {
		return domain.ServiceRef{}, &domain.ValidationError{Field: field + ".export", Reason: fmt.Sprintf("%q is a reserved word", export)}
	}
	ref.Export = domain.ExportName(export)
	return ref, nil
}

func requireString(obj map[string]any, key, field string) (string, error) {
	raw, present := obj[key]
	if !present {
		return "", &domain.ValidationError{Field: field, Reason: "required field is missing"}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &domain.ValidationError{Field: field, Reason: fmt.Sprintf("expected a string, got %s", typeName(raw))}
	}
	if strings.TrimSpace(s) == "" {
		return "", &domain.ValidationError{Field: field, Reason: "must be a non-empty string"}
	}
	return s, nil
}

// asObject accepts the map shapes produced by the supported decoders.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

func isObject(v any) bool {
	_, ok := asObject(v)
	return ok
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any, map[any]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
