package expenseflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
)

// Contract declares the payload types a step consumes and produces. Suspend
// and Resume are nil for steps that cannot suspend.
type Contract struct {
	Input   reflect.Type
	Output  reflect.Type
	Suspend reflect.Type
	Resume  reflect.Type
}

// Suspendable reports whether the contract declares a suspend point
func (c Contract) Suspendable() bool {
	return c.Resume != nil
}

// StepContext carries everything a step needs for one invocation
type StepContext struct {
	RunID  string
	StepID string

	// Input is the previous step's output, or the workflow inputs for the
	// first step.
	Input json.RawMessage

	// ResumeData is set only when the engine re-enters a suspended step.
	ResumeData json.RawMessage

	Logger *slog.Logger
}

// StepResult is the tagged outcome of a step: exactly one of Output,
// SuspendPayload or Err is meaningful, selected by Status.
type StepResult struct {
	Status         StepStatus
	Output         json.RawMessage
	SuspendPayload json.RawMessage
	Err            error
}

// Completed returns a successful step result
func Completed(output json.RawMessage) StepResult {
	return StepResult{Status: StepStatusCompleted, Output: output}
}

// Suspended returns a result that pauses the run until resumed
func Suspended(payload json.RawMessage) StepResult {
	return StepResult{Status: StepStatusSuspended, SuspendPayload: payload}
}

// Failed returns a result that halts the run
func Failed(err error) StepResult {
	return StepResult{Status: StepStatusFailed, Err: err}
}

// Step is one unit of work in a linear workflow.
type Step interface {

	// ID returns the unique step identifier
	ID() string

	// Contract returns the step's declared payload types
	Contract() Contract

	// Execute runs the step. It must not panic; the engine recovers panics
	// into failed results regardless.
	Execute(ctx context.Context, sc *StepContext) StepResult
}

// Suspender is a Step that can pause for external input.
type Suspender interface {
	Step

	// ValidateResume checks resume data against the step's resume contract
	// and returns the canonical encoding that will become the step output.
	ValidateResume(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
}
