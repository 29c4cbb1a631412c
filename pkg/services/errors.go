// Package services provides the embedded-DB-backed stores: reminders,
// conversation memory, session evaluations, revenue snapshots, and the
// trust summary.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a field validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
