package expenseflow

import (
	"context"
	"encoding/json"
	"time"
)

// StepLogEntry is one journal line describing a step execution
type StepLogEntry struct {
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	Status    StepStatus      `json:"status"`
	Resumed   bool            `json:"resumed,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartTime time.Time       `json:"start_time"`
	Duration  float64         `json:"duration"`
}

// StepLogger records an append-only journal of step executions, separate
// from the run snapshot kept by the RunStore.
type StepLogger interface {
	// LogStep records a finished step execution
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory retrieves the journal for a run
	GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error)
}

// NullStepLogger is a no-op implementation of StepLogger.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (l *NullStepLogger) GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error) {
	return nil, nil
}
