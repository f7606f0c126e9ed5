package modulegraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrModuleNotFound indicates an id that resolves to no file or package
	ErrModuleNotFound = errors.New("module not found")

	// ErrTransform indicates esbuild rejected a module's source
	ErrTransform = errors.New("module transform failed")
)

// ModuleNotFoundError names the unresolvable id and who imported it
type ModuleNotFoundError struct {
	ModuleID string
	Importer string
}

func (e *ModuleNotFoundError) Error() string {
	if e.Importer == "" {
		return fmt.Sprintf("module not found: %q", e.ModuleID)
	}
	return fmt.Sprintf("module not found: %q imported from %s", e.ModuleID, e.Importer)
}

func (e *ModuleNotFoundError) Is(target error) bool {
	return target == ErrModuleNotFound
}

// TransformError carries esbuild's messages for one file
type TransformError struct {
	File     string
	Messages []string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transforming %s: %s", e.File, strings.Join(e.Messages, "; "))
}

func (e *TransformError) Is(target error) bool {
	return target == ErrTransform
}
