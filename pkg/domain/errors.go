package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Every typed error below reports one of these through Is so
// callers can branch on the class without knowing the concrete type.
var (
	// ErrValidation marks a malformed input document.
	ErrValidation = errors.New("invalid configuration document")

	// ErrIntegrity marks a document whose cross references do not hold.
	ErrIntegrity = errors.New("configuration integrity violation")

	// ErrUnresolvedModule marks a worker whose module was not resolved by the bundler.
	ErrUnresolvedModule = errors.New("unresolved worker module")

	// ErrBridgeResolution marks a forwarded module request that the host could not serve.
	ErrBridgeResolution = errors.New("bridge module resolution failed")

	// ErrUnknownEnvironment is returned when a bridge request names no known host environment.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrGenerationRetired is returned for bridge requests that belong to a discarded generation.
	ErrGenerationRetired = errors.New("generation retired")
)

// ValidationError reports a missing or malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidVarValueError reports a variable that is not representable as JSON.
type InvalidVarValueError struct {
	Key       string
	ValueType string
	Reason    string
}

func (e *InvalidVarValueError) Error() string {
	msg := fmt.Sprintf("invalid value for var %q: unsupported type %s", e.Key, e.ValueType)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *InvalidVarValueError) Is(target error) bool {
	return target == ErrValidation
}

// UnresolvedModuleError reports a worker whose module entry still carries the
// unresolved sentinel.
type UnresolvedModuleError struct {
	Worker WorkerID
}

func (e *UnresolvedModuleError) Error() string {
	return fmt.Sprintf("module for worker %q was not resolved to a path; did you use the import attribute when importing the module?", e.Worker)
}

func (e *UnresolvedModuleError) Is(target error) bool {
	return target == ErrUnresolvedModule
}

// UnknownWorkerReferenceError reports a service binding that points at an
// undeclared worker.
type UnknownWorkerReferenceError struct {
	Service string
	Worker  WorkerID
}

func (e *UnknownWorkerReferenceError) Error() string {
	return fmt.Sprintf("service %q references unknown worker %q", e.Service, e.Worker)
}

func (e *UnknownWorkerReferenceError) Is(target error) bool {
	return target == ErrIntegrity
}

// MissingEntrypointError reports a service binding whose entrypoint is not
// exported by the target worker's wrapper.
type MissingEntrypointError struct {
	Service string
	Worker  WorkerID
	Export  ExportName
}

func (e *MissingEntrypointError) Error() string {
	return fmt.Sprintf("service %q targets export %q that worker %q does not expose", e.Service, e.Export, e.Worker)
}

func (e *MissingEntrypointError) Is(target error) bool {
	return target == ErrIntegrity
}

// UnknownEntryWorkerError reports an entryWorker that is not declared.
type UnknownEntryWorkerError struct {
	Worker WorkerID
}

func (e *UnknownEntryWorkerError) Error() string {
	return fmt.Sprintf("entry worker %q is not a declared worker", e.Worker)
}

func (e *UnknownEntryWorkerError) Is(target error) bool {
	return target == ErrIntegrity
}

// EnvironmentNameCollisionError reports distinct workers that transliterate to
// the same environment name.
type EnvironmentNameCollisionError struct {
	Environment EnvironmentName
	Workers     []WorkerID
}

func (e *EnvironmentNameCollisionError) Error() string {
	ids := make([]string, len(e.Workers))
	for i, w := range e.Workers {
		ids[i] = fmt.Sprintf("%q", w)
	}
	return fmt.Sprintf("workers %s all map to environment %q", strings.Join(ids, ", "), e.Environment)
}

func (e *EnvironmentNameCollisionError) Is(target error) bool {
	return target == ErrIntegrity
}

// BindingCollisionError reports two bindings that flatten to the same handle.
type BindingCollisionError struct {
	Handle string
}

func (e *BindingCollisionError) Error() string {
	return fmt.Sprintf("binding %q is declared more than once", e.Handle)
}

func (e *BindingCollisionError) Is(target error) bool {
	return target == ErrIntegrity
}

// BridgeResolutionError reports a forwarded module request that failed.
type BridgeResolutionError struct {
	Environment EnvironmentName
	ModuleID    string
	Err         error
}

func (e *BridgeResolutionError) Error() string {
	return fmt.Sprintf("resolving module %q for environment %q: %v", e.ModuleID, e.Environment, e.Err)
}

func (e *BridgeResolutionError) Unwrap() error {
	return e.Err
}

func (e *BridgeResolutionError) Is(target error) bool {
	return target == ErrBridgeResolution
}

// IsValidation checks if the error indicates a malformed document
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsIntegrity checks if the error indicates a dangling or colliding reference
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}
