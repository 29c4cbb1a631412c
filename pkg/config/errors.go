package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates the configuration file was not found.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidSyntax indicates the configuration document failed to parse.
	ErrInvalidSyntax = errors.New("invalid configuration syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrProjectNotFound indicates a project name is not in the registry.
	ErrProjectNotFound = errors.New("project not found")

	// ErrMissingRequiredField indicates a required field is missing.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// LoadError wraps errors that occur while reading a configuration file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

// Error returns the formatted error message.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// ValidationError wraps configuration validation errors with context.
type ValidationError struct {
	Section string // Section being validated (project, service, ai, ...)
	ID      string // Identifier within the section
	Field   string // Field name (optional)
	Err     error
}

// NewValidationError creates a ValidationError.
func NewValidationError(section, id, field string, err error) *ValidationError {
	return &ValidationError{Section: section, ID: id, Field: field, Err: err}
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Section, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s '%s': %v", e.Section, e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
