package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoDocument is returned by FindDocument when the project root holds no
// configuration document.
var ErrNoDocument = errors.New("no configuration document found")

// DocumentCandidates lists the file names FindDocument probes, in order.
var DocumentCandidates = []string{
	"workergraph.config.ts",
	"workergraph.config.js",
	"workergraph.config.json",
	"workergraph.config.yaml",
	"workergraph.config.yml",
	"workergraph.config.toml",
	"workergraph.config.hcl",
	"cloudflare.config.ts",
}

// ScriptLoader turns a script configuration into a decoded document. The
// bundler package provides the production implementation.
type ScriptLoader interface {
	LoadScript(ctx context.Context, path string) (any, error)
}

// FindDocument returns the first candidate document present under root.
func FindDocument(root string) (string, error) {
	for _, name := range DocumentCandidates {
		path := filepath.Join(root, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoDocument, root)
}

// IsScriptDocument reports whether path must be bundled before it can be
// decoded.
func IsScriptDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".js", ".mjs":
		return true
	}
	return false
}

// LoadDocument decodes the document at path into a raw value for
// ValidateDocument. Script documents are delegated to scripts.
func LoadDocument(ctx context.Context, path string, scripts ScriptLoader) (any, error) {
	if IsScriptDocument(path) {
		if scripts == nil {
			return nil, fmt.Errorf("failed to load document %s: no script loader configured", path)
		}
		doc, err := scripts.LoadScript(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load document %s: %w", path, err)
		}
		return doc, nil
	}

	//nolint:gosec // Document path is chosen by the developer running the server
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}

	doc, err := DecodeDocument(path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", path, err)
	}
	return doc, nil
}

// DecodeDocument decodes data using the format implied by the extension of
// name.
func DecodeDocument(name string, data []byte) (any, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".json":
		return decodeJSON(data)
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		return doc, nil
	case ".toml":
		doc := map[string]any{}
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		return doc, nil
	case ".hcl":
		return decodeHCL(name, data)
	default:
		return nil, fmt.Errorf("unsupported document format %q", ext)
	}
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse json: unexpected data after top-level value")
	}
	return doc, nil
}
