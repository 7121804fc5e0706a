package expenseflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/expenseflow/retry"
)

// Error type constants for classification. Callers map these to responses,
// e.g. an HTTP layer maps ErrorTypeRunNotFound to 404.
const (
	// ErrorTypeInvalidInput indicates the workflow input was missing or malformed
	ErrorTypeInvalidInput = "invalid_input"

	// ErrorTypeValidation indicates structured data failed a step contract
	ErrorTypeValidation = "validation"

	// ErrorTypeCategoryNotFound indicates a category label could not be resolved
	ErrorTypeCategoryNotFound = "category_not_found"

	// ErrorTypeRunNotFound indicates resume or lookup of an unknown run
	ErrorTypeRunNotFound = "run_not_found"

	// ErrorTypeInvalidResumeState indicates resume was called on a run that
	// is not suspended at the given step
	ErrorTypeInvalidResumeState = "invalid_resume_state"

	// ErrorTypeUpstream indicates a generation or persistence capability failed
	ErrorTypeUpstream = "upstream_capability"

	// ErrorTypeTimeout matches a timeout or canceled context
	ErrorTypeTimeout = "timeout"

	// ErrorTypeStepFailed is the default classification for unknown errors
	ErrorTypeStepFailed = "step_failed"
)

var (
	// ErrRunNotFound is returned by run stores when a run does not exist
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when creating a run whose id is already stored
	ErrRunExists = errors.New("run already exists")

	// ErrVersionConflict is returned by run stores when a conditional save
	// observes a different stored version than the caller loaded
	ErrVersionConflict = errors.New("run version conflict")
)

// WorkflowError represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap() method
type WorkflowError struct {
	Type        string `json:"type"`
	Cause       string `json:"cause"`
	Details     any    `json:"details,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	Wrapped     error  `json:"-"` // Original error being wrapped
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// NewWorkflowError creates a new WorkflowError with the specified type and cause.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{
		Type:  errorType,
		Cause: cause,
	}
}

// FieldError describes one offending field of a ValidationError
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError enumerates every field that failed a contract
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Add records a failing field
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when no field failed. This keeps a nil *ValidationError
// from escaping as a non-nil error interface.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// CategoryNotFoundError is returned when a label matches no known category
type CategoryNotFoundError struct {
	Label       string   `json:"label"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *CategoryNotFoundError) Error() string {
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("category %q not found (did you mean %s?)", e.Label, strings.Join(e.Suggestions, ", "))
	}
	return fmt.Sprintf("category %q not found", e.Label)
}

// UpstreamError wraps a failure of an external capability such as model
// inference or expense persistence
type UpstreamError struct {
	Capability string
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Capability, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ClassifyError attempts to classify a regular error into a WorkflowError
func ClassifyError(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	// If the error is already a WorkflowError, return it
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return &WorkflowError{
			Type:    ErrorTypeValidation,
			Cause:   err.Error(),
			Details: validationErr.Fields,
			Wrapped: err,
		}
	}
	var categoryErr *CategoryNotFoundError
	if errors.As(err, &categoryErr) {
		return &WorkflowError{
			Type:    ErrorTypeCategoryNotFound,
			Cause:   err.Error(),
			Details: categoryErr,
			Wrapped: err,
		}
	}
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return &WorkflowError{
			Type:        ErrorTypeUpstream,
			Cause:       err.Error(),
			Details:     map[string]any{"capability": upstreamErr.Capability},
			Recoverable: retry.IsRecoverable(upstreamErr.Err),
			Wrapped:     err,
		}
	}
	if errors.Is(err, ErrRunNotFound) {
		return &WorkflowError{Type: ErrorTypeRunNotFound, Cause: err.Error(), Wrapped: err}
	}
	// Check for timeout patterns
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &WorkflowError{
			Type:        ErrorTypeTimeout,
			Cause:       err.Error(),
			Recoverable: !errors.Is(err, context.Canceled),
			Wrapped:     err,
		}
	}
	// Default to a step failed error
	return &WorkflowError{
		Type:    ErrorTypeStepFailed,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// ErrorType returns the classification of err, or "" for nil
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	return ClassifyError(err).Type
}

func invalidInputError(details any, format string, args ...any) *WorkflowError {
	return &WorkflowError{
		Type:    ErrorTypeInvalidInput,
		Cause:   fmt.Sprintf(format, args...),
		Details: details,
	}
}

func invalidResumeStateError(runID, format string, args ...any) *WorkflowError {
	return &WorkflowError{
		Type:    ErrorTypeInvalidResumeState,
		Cause:   fmt.Sprintf(format, args...),
		Details: map[string]any{"run_id": runID},
	}
}
