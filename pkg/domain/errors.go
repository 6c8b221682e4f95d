package domain

import (
	"errors"
	"fmt"
)

// NotFoundError reports that an identifier does not exist in the store. It is
// distinct from an empty result: querying a known session with no images
// yields an empty slice, not a NotFoundError.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// ValidationError reports caller-supplied input that violates a precondition.
// It is raised before any state is mutated.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// ProcessingError reports a failure in an external collaborator (image decode
// or the detection engine). The store is left unmodified when it occurs.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e ProcessingError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e ProcessingError) Unwrap() error { return e.Err }

// IsProcessing reports whether err is (or wraps) a ProcessingError.
func IsProcessing(err error) bool {
	var pe ProcessingError
	return errors.As(err, &pe)
}
