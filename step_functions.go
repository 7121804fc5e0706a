package expenseflow

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Confirm the interfaces are implemented correctly.
var (
	_ Step      = (*StepFunction[any, any])(nil)
	_ Suspender = (*Gate[any])(nil)
)

// StepFunction wraps a typed function for use as a non-suspendable Step.
type StepFunction[In, Out any] struct {
	id string
	fn func(ctx context.Context, in In) (Out, error)
}

// NewStep returns a Step for the given function. The input is decoded from
// the previous step's JSON output and the result is encoded as this step's
// output.
func NewStep[In, Out any](id string, fn func(ctx context.Context, in In) (Out, error)) *StepFunction[In, Out] {
	return &StepFunction[In, Out]{id: id, fn: fn}
}

// ID of the Step.
func (s *StepFunction[In, Out]) ID() string {
	return s.id
}

// Contract of the Step.
func (s *StepFunction[In, Out]) Contract() Contract {
	return Contract{
		Input:  reflect.TypeFor[In](),
		Output: reflect.TypeFor[Out](),
	}
}

// Execute the Step.
func (s *StepFunction[In, Out]) Execute(ctx context.Context, sc *StepContext) StepResult {
	var in In
	if err := json.Unmarshal(sc.Input, &in); err != nil {
		return Failed(fmt.Errorf("decode %s input: %w", s.id, err))
	}
	out, err := s.fn(ctx, in)
	if err != nil {
		return Failed(err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Failed(fmt.Errorf("encode %s output: %w", s.id, err))
	}
	return Completed(data)
}

// Gate is a suspendable checkpoint. It surfaces its input to the caller and
// completes only when resume data passing validate is supplied; the resume
// data then becomes its output. It never transforms its input itself.
type Gate[T any] struct {
	id       string
	validate func(ctx context.Context, data json.RawMessage) (T, error)
}

// NewGate returns a suspendable Step whose suspend, resume and output
// contracts are all T.
func NewGate[T any](id string, validate func(ctx context.Context, data json.RawMessage) (T, error)) *Gate[T] {
	return &Gate[T]{id: id, validate: validate}
}

// ID of the Step.
func (g *Gate[T]) ID() string {
	return g.id
}

// Contract of the Step.
func (g *Gate[T]) Contract() Contract {
	t := reflect.TypeFor[T]()
	return Contract{Input: t, Output: t, Suspend: t, Resume: t}
}

// ValidateResume checks resume data and returns its canonical encoding.
func (g *Gate[T]) ValidateResume(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, &ValidationError{Fields: []FieldError{{Field: "resumeData", Message: "is required"}}}
	}
	v, err := g.validate(ctx, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Execute suspends with the input as payload when no resume data is present,
// otherwise completes with the validated resume data.
func (g *Gate[T]) Execute(ctx context.Context, sc *StepContext) StepResult {
	if sc.ResumeData == nil {
		return Suspended(sc.Input)
	}
	out, err := g.ValidateResume(ctx, sc.ResumeData)
	if err != nil {
		return Failed(err)
	}
	return Completed(out)
}
