package bridge

import (
	"errors"
	"fmt"

	"github.com/polisai/workergraph/pkg/domain"
)

// Sentinel errors for bridge requests
var (
	// ErrInvalidRequest indicates a request is missing a required field
	ErrInvalidRequest = errors.New("invalid bridge request")

	// ErrHostPanic indicates the host environment panicked while resolving a module
	ErrHostPanic = errors.New("host environment panicked")
)

// InvalidRequestError names the missing request field
type InvalidRequestError struct {
	Field string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid bridge request: %s is required", e.Field)
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// HostPanicError carries the value recovered from a panicking host
type HostPanicError struct {
	Value any
}

func (e *HostPanicError) Error() string {
	return fmt.Sprintf("host environment panicked: %v", e.Value)
}

func (e *HostPanicError) Is(target error) bool {
	return target == ErrHostPanic
}

// IsRetired checks if the error indicates the request outlived its generation
func IsRetired(err error) bool {
	return errors.Is(err, domain.ErrGenerationRetired)
}

// IsResolutionFailure checks if the error came from the owning host environment
func IsResolutionFailure(err error) bool {
	return errors.Is(err, domain.ErrBridgeResolution)
}
