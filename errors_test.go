package expenseflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/expenseflow/retry"
	"github.com/stretchr/testify/require"
)

func TestWorkflowErrorWrapping(t *testing.T) {
	// Test basic error creation
	err := NewWorkflowError(ErrorTypeRunNotFound, "run x not found")
	require.Equal(t, "run_not_found: run x not found", err.Error())
	require.Nil(t, err.Unwrap())

	// Test error wrapping
	originalErr := errors.New("network connection failed")
	wrappedErr := &WorkflowError{
		Type:    ErrorTypeUpstream,
		Cause:   originalErr.Error(),
		Wrapped: originalErr,
	}
	require.Equal(t, "upstream_capability: network connection failed", wrappedErr.Error())
	require.True(t, errors.Is(wrappedErr, originalErr))

	var wErr *WorkflowError
	require.True(t, errors.As(fmt.Errorf("outer: %w", wrappedErr), &wErr))
	require.Equal(t, ErrorTypeUpstream, wErr.Type)
}

func TestErrorClassification(t *testing.T) {
	t.Run("validation error", func(t *testing.T) {
		verr := &ValidationError{}
		verr.Add("amount", "is required")
		classified := ClassifyError(fmt.Errorf("extract: %w", verr))
		require.Equal(t, ErrorTypeValidation, classified.Type)
		require.Equal(t, []FieldError{{Field: "amount", Message: "is required"}}, classified.Details)
	})

	t.Run("category not found", func(t *testing.T) {
		err := &CategoryNotFoundError{Label: "Trvel", Suggestions: []string{"Travel"}}
		classified := ClassifyError(err)
		require.Equal(t, ErrorTypeCategoryNotFound, classified.Type)
		require.Contains(t, classified.Cause, `"Trvel"`)
		require.Contains(t, classified.Cause, "Travel")
	})

	t.Run("upstream error carries recoverability", func(t *testing.T) {
		err := &UpstreamError{Capability: "generate_text", Err: retry.NewRecoverableError(errors.New("429"))}
		classified := ClassifyError(err)
		require.Equal(t, ErrorTypeUpstream, classified.Type)
		require.True(t, classified.Recoverable)

		err = &UpstreamError{Capability: "generate_text", Err: errors.New("bad key")}
		require.False(t, ClassifyError(err).Recoverable)
	})

	t.Run("run not found sentinel", func(t *testing.T) {
		err := fmt.Errorf("%w: run_123", ErrRunNotFound)
		require.Equal(t, ErrorTypeRunNotFound, ErrorType(err))
	})

	t.Run("timeout", func(t *testing.T) {
		require.Equal(t, ErrorTypeTimeout, ErrorType(context.DeadlineExceeded))
	})

	t.Run("default", func(t *testing.T) {
		genericErr := errors.New("something went wrong")
		classified := ClassifyError(genericErr)
		require.Equal(t, ErrorTypeStepFailed, classified.Type)
		require.True(t, errors.Is(classified, genericErr))
	})

	t.Run("workflow error passthrough", func(t *testing.T) {
		original := NewWorkflowError(ErrorTypeInvalidResumeState, "not suspended")
		require.Same(t, original, ClassifyError(original))
	})

	t.Run("nil", func(t *testing.T) {
		require.Nil(t, ClassifyError(nil))
		require.Equal(t, "", ErrorType(nil))
	})
}

func TestValidationErrorOrNil(t *testing.T) {
	var verr *ValidationError
	require.NoError(t, verr.OrNil())
	verr = &ValidationError{}
	require.NoError(t, verr.OrNil())
	verr.Add("items[0].total", "is required")
	require.EqualError(t, verr.OrNil(), "validation failed: items[0].total: is required")
}
