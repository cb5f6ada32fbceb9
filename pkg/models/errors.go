package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a client state or alert does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals that a compare-and-swap write lost a race.
	// It is retried internally and normally never reaches callers.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrTransient is returned when conflicts persisted past the retry budget.
	// Callers may retry the whole request.
	ErrTransient = errors.New("transient failure, retry the request")
)

// ValidationError describes rejected input. No state is mutated when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
