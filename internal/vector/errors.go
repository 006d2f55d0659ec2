package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for empty identifiers or embeddings.
	ErrValidation = errors.New("vector: validation failed")
	// ErrDimensionMismatch is returned when an embedding length disagrees with
	// the dimension established for its entity type.
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")
	// ErrBackendUnavailable wraps every failure of a remote backend.
	ErrBackendUnavailable = errors.New("vector: backend unavailable")
	// ErrCapacityExceeded is returned when a batch exceeds the configured limit.
	ErrCapacityExceeded = errors.New("vector: capacity exceeded")
)

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vector: invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DimensionMismatchError carries the expected and actual lengths.
type DimensionMismatchError struct {
	EntityType string
	Expected   int
	Actual     int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector: dimension mismatch for %q: expected %d, got %d", e.EntityType, e.Expected, e.Actual)
}

// Is reports whether target is ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// BackendError is a backend failure with its original cause attached.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("vector: %s %s: backend unavailable: %v", e.Backend, e.Op, e.Err)
}

// Is reports whether target is ErrBackendUnavailable.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func capacityError(n, limit int) error {
	return fmt.Errorf("%w: batch of %d exceeds limit %d", ErrCapacityExceeded, n, limit)
}
