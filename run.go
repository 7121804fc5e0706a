package expenseflow

import (
	"encoding/json"
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new type-prefixed identifier for a run
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSuspended, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the outcome of one step execution
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusSuspended StepStatus = "suspended"
	StepStatusFailed    StepStatus = "failed"
)

// StepRecord is the persisted outcome of one step. This struct is designed to
// be fully JSON serializable.
type StepRecord struct {
	StepID         string          `json:"stepId"`
	Status         StepStatus      `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          *WorkflowError  `json:"error,omitempty"`
	SuspendPayload json.RawMessage `json:"suspendPayload,omitempty"`
	StartedAt      time.Time       `json:"startedAt,omitzero"`
	FinishedAt     time.Time       `json:"finishedAt,omitzero"`
}

// Run is a complete snapshot of one pipeline execution. It is owned by the
// Engine and persisted through a RunStore after every transition.
type Run struct {
	ID               string          `json:"id"`
	WorkflowName     string          `json:"workflowName"`
	Status           RunStatus       `json:"status"`
	CurrentStepIndex int             `json:"currentStepIndex"`
	Inputs           map[string]any  `json:"inputs"`
	Steps            []*StepRecord   `json:"steps"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            *WorkflowError  `json:"error,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// SuspendedStep returns the record of the step the run is suspended at
func (r *Run) SuspendedStep() (*StepRecord, bool) {
	if r.Status != RunStatusSuspended || r.CurrentStepIndex >= len(r.Steps) {
		return nil, false
	}
	rec := r.Steps[r.CurrentStepIndex]
	return rec, rec.Status == StepStatusSuspended
}

// setStepRecord stores the record for the step at index i. A resumed step
// replaces its suspended record, so records always form a prefix of the
// declared step sequence.
func (r *Run) setStepRecord(i int, rec *StepRecord) {
	if i < len(r.Steps) {
		r.Steps[i] = rec
		r.Steps = r.Steps[:i+1]
		return
	}
	r.Steps = append(r.Steps, rec)
}

// Summary returns a summary view of the run
func (r *Run) Summary() *RunSummary {
	s := &RunSummary{
		RunID:        r.ID,
		WorkflowName: r.WorkflowName,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.CurrentStepIndex < len(r.Steps) {
		s.CurrentStep = r.Steps[r.CurrentStepIndex].StepID
	}
	if r.Error != nil {
		s.Error = r.Error.Cause
	}
	return s
}

// Copy returns a deep copy of the run via its JSON form
func (r *Run) Copy() *Run {
	data, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	var c Run
	if err := json.Unmarshal(data, &c); err != nil {
		panic(err)
	}
	return &c
}

// RunSummary provides a summary view of a run
type RunSummary struct {
	RunID        string    `json:"runId"`
	WorkflowName string    `json:"workflowName"`
	Status       RunStatus `json:"status"`
	CurrentStep  string    `json:"currentStep,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Error        string    `json:"error,omitempty"`
}

// RunFilter narrows List results
type RunFilter struct {
	Status RunStatus
	Limit  int
}

// Matches reports whether a run passes the filter
func (f RunFilter) Matches(r *Run) bool {
	return f.Status == "" || f.Status == r.Status
}
