// Package domain defines core types, interfaces, and errors for the data-mart
// execution engine.
package domain

import "fmt"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource or a write
// against an already-finished run).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// BusinessViolationError indicates an operation that is syntactically valid
// but violates a business rule (unpublished mart, insight already running).
type BusinessViolationError struct {
	Message string
}

func (e *BusinessViolationError) Error() string { return e.Message }

// DefinitionUnavailableError indicates a data mart whose definition is
// missing or of an unsupported variant. Resolution never guesses a fallback.
type DefinitionUnavailableError struct {
	DataMartID string
	Reason     string
}

func (e *DefinitionUnavailableError) Error() string {
	return fmt.Sprintf("data mart %q definition unavailable: %s", e.DataMartID, e.Reason)
}

// ExecutionError wraps a warehouse-side failure (auth, malformed SQL,
// backend timeout). The facade performs no retries; a failed batch pull
// aborts the whole sequence.
type ExecutionError struct {
	StorageType StorageType
	Stage       string // "execute", "create_view", "dry_run", "fetch_batch"
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.StorageType, e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrBusinessViolation creates a BusinessViolationError with a formatted message.
func ErrBusinessViolation(format string, args ...interface{}) *BusinessViolationError {
	return &BusinessViolationError{Message: fmt.Sprintf(format, args...)}
}

// ErrExecution wraps err as an ExecutionError for the given backend stage.
func ErrExecution(storageType StorageType, stage string, err error) *ExecutionError {
	return &ExecutionError{StorageType: storageType, Stage: stage, Err: err}
}
