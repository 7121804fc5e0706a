package expenseflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// RunResultKind tags the outcome of Start and Resume
type RunResultKind string

const (
	RunResultSuccess   RunResultKind = "success"
	RunResultSuspended RunResultKind = "suspended"
	RunResultFailed    RunResultKind = "failed"
)

// RunResult is returned by both Start and Resume so callers handle both entry
// points with one code path.
type RunResult struct {
	Kind           RunResultKind   `json:"kind"`
	RunID          string          `json:"runId"`
	StepID         string          `json:"stepId,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	SuspendPayload json.RawMessage `json:"suspendPayload,omitempty"`
	Error          *WorkflowError  `json:"error,omitempty"`
}

// EngineOptions configures a new Engine
type EngineOptions struct {
	Workflow   *Workflow
	Store      RunStore
	Logger     *slog.Logger
	StepLogger StepLogger
	Callbacks  RunCallbacks

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Engine drives runs of one workflow through their state machine:
// pending → running → {suspended, completed, failed} and
// suspended → running → {suspended, completed, failed}.
type Engine struct {
	workflow   *Workflow
	store      RunStore
	logger     *slog.Logger
	stepLogger StepLogger
	callbacks  RunCallbacks
	now        func() time.Time
	locks      *runLocks
}

// NewEngine creates a new engine
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseRunCallbacks{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		workflow:   opts.Workflow,
		store:      opts.Store,
		logger:     opts.Logger.With("workflow", opts.Workflow.Name()),
		stepLogger: opts.StepLogger,
		callbacks:  opts.Callbacks,
		now:        func() time.Time { return opts.Now().UTC() },
		locks:      newRunLocks(),
	}, nil
}

// Workflow returns the workflow driven by this engine
func (e *Engine) Workflow() *Workflow {
	return e.workflow
}

// Start validates the inputs, creates a run and executes steps until the run
// completes, fails or suspends. Invalid inputs are returned as an error with
// type ErrorTypeInvalidInput and no run is created. A checkpoint save that
// fails after creation strands the run as running, as described on Resume.
func (e *Engine) Start(ctx context.Context, inputs map[string]any) (*RunResult, error) {
	inputs, err := e.workflow.ValidateInputs(inputs)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, invalidInputError(nil, "inputs are not serializable: %v", err)
	}

	now := e.now()
	run := &Run{
		ID:           NewRunID(),
		WorkflowName: e.workflow.Name(),
		Status:       RunStatusPending,
		Inputs:       inputs,
		Steps:        []*StepRecord{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	unlock := e.locks.lock(run.ID)
	defer unlock()

	run.Status = RunStatusRunning
	if err := e.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	e.logger.Info("run started", "run_id", run.ID)

	return e.execute(ctx, run, 0, payload, nil)
}

// Resume re-enters a suspended run at stepID, supplying resumeData to that
// step. Caller mistakes are rejected before any state mutation: an unknown
// run (ErrorTypeRunNotFound), a run not suspended at stepID
// (ErrorTypeInvalidResumeState) or resume data failing the step's contract
// (ErrorTypeValidation) leave the stored run unchanged.
//
// Once the run is claimed it is stored as running. If a later checkpoint
// save fails, Resume returns that error and the run stays running in the
// store; it is logged at error level with its run_id and needs operator
// handling, since neither Start nor Resume picks up a running run.
func (e *Engine) Resume(ctx context.Context, runID, stepID string, resumeData json.RawMessage) (*RunResult, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, err := e.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, &WorkflowError{
				Type:    ErrorTypeRunNotFound,
				Cause:   fmt.Sprintf("run %q not found", runID),
				Details: map[string]any{"run_id": runID},
				Wrapped: err,
			}
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	if run.Status.IsTerminal() {
		return nil, invalidResumeStateError(runID, "run %q already %s", runID, run.Status)
	}
	if run.Status != RunStatusSuspended {
		return nil, invalidResumeStateError(runID, "run %q is %s, not suspended", runID, run.Status)
	}
	rec, ok := run.SuspendedStep()
	if !ok {
		return nil, invalidResumeStateError(runID, "run %q has no suspended step", runID)
	}
	if rec.StepID != stepID {
		return nil, invalidResumeStateError(runID, "run %q is suspended at step %q, not %q", runID, rec.StepID, stepID)
	}
	step, index, ok := e.workflow.GetStep(stepID)
	if !ok || index != run.CurrentStepIndex {
		return nil, invalidResumeStateError(runID, "step %q is not part of workflow %q at index %d", stepID, e.workflow.Name(), run.CurrentStepIndex)
	}
	suspender, ok := step.(Suspender)
	if !ok {
		return nil, invalidResumeStateError(runID, "step %q cannot be resumed", stepID)
	}

	validated, err := suspender.ValidateResume(ctx, resumeData)
	if err != nil {
		e.logger.Info("rejected resume data", "run_id", runID, "step_id", stepID, "error", err)
		return nil, ClassifyError(err)
	}

	// Claim the run. A conditional save means only one resumer across
	// processes can move it out of the suspended state.
	run.Status = RunStatusRunning
	run.UpdatedAt = e.now()
	if err := e.store.Save(ctx, run); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, invalidResumeStateError(runID, "run %q was resumed concurrently", runID)
		}
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	e.logger.Info("run resumed", "run_id", runID, "step_id", stepID)

	input, err := e.stepInput(run, index)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, run, index, input, validated)
}

// GetRun returns the stored snapshot of a run
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := e.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, &WorkflowError{
				Type:    ErrorTypeRunNotFound,
				Cause:   fmt.Sprintf("run %q not found", runID),
				Details: map[string]any{"run_id": runID},
				Wrapped: err,
			}
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns summaries of stored runs
func (e *Engine) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	return e.store.List(ctx, filter)
}

// stepInput returns the payload the step at index receives: the previous
// step's output, or the workflow inputs for the first step.
func (e *Engine) stepInput(run *Run, index int) (json.RawMessage, error) {
	if index == 0 {
		return json.Marshal(run.Inputs)
	}
	prev := run.Steps[index-1]
	if prev.Status != StepStatusCompleted {
		return nil, fmt.Errorf("run %q: step %q is %s, expected completed", run.ID, prev.StepID, prev.Status)
	}
	return prev.Output, nil
}

// execute runs steps in order starting at index start. Only the first step
// executed receives resumeData.
func (e *Engine) execute(ctx context.Context, run *Run, start int, input, resumeData json.RawMessage) (*RunResult, error) {
	resumed := resumeData != nil
	runStart := e.now()
	logger := e.logger.With("run_id", run.ID)

	e.callbacks.BeforeRun(ctx, &RunEvent{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Status:       run.Status,
		Resumed:      resumed,
		StartTime:    runStart,
	})

	result, err := e.executeSteps(ctx, logger, run, start, input, resumeData)

	end := e.now()
	event := &RunEvent{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Status:       run.Status,
		Resumed:      resumed,
		StartTime:    runStart,
		EndTime:      end,
		Duration:     end.Sub(runStart),
		Error:        run.Error,
	}
	if err != nil {
		event.Error = ClassifyError(err)
	}
	e.callbacks.AfterRun(ctx, event)
	return result, err
}

func (e *Engine) executeSteps(ctx context.Context, logger *slog.Logger, run *Run, start int, input, resumeData json.RawMessage) (*RunResult, error) {
	steps := e.workflow.Steps()
	for i := start; i < len(steps); i++ {
		step := steps[i]
		run.CurrentStepIndex = i

		sc := &StepContext{
			RunID:  run.ID,
			StepID: step.ID(),
			Input:  input,
			Logger: logger.With("step_id", step.ID()),
		}
		if i == start {
			sc.ResumeData = resumeData
		}

		res, rec := e.executeStep(ctx, run, i, step, sc)
		run.setStepRecord(i, rec)
		run.UpdatedAt = e.now()

		switch res.Status {
		case StepStatusFailed:
			run.Status = RunStatusFailed
			run.Error = rec.Error
			if err := e.store.Save(ctx, run); err != nil {
				return nil, e.checkpointFailed(logger, run, step.ID(), err)
			}
			logger.Warn("run failed", "step_id", step.ID(), "error", rec.Error)
			return &RunResult{
				Kind:   RunResultFailed,
				RunID:  run.ID,
				StepID: step.ID(),
				Error:  rec.Error,
			}, nil

		case StepStatusSuspended:
			run.Status = RunStatusSuspended
			if err := e.store.Save(ctx, run); err != nil {
				return nil, e.checkpointFailed(logger, run, step.ID(), err)
			}
			logger.Info("run suspended", "step_id", step.ID())
			return &RunResult{
				Kind:           RunResultSuspended,
				RunID:          run.ID,
				StepID:         step.ID(),
				SuspendPayload: res.SuspendPayload,
			}, nil
		}

		// Checkpoint after every completed step
		input = res.Output
		run.CurrentStepIndex = i + 1
		if i+1 == len(steps) {
			run.Status = RunStatusCompleted
			run.Output = res.Output
		}
		if err := e.store.Save(ctx, run); err != nil {
			return nil, e.checkpointFailed(logger, run, step.ID(), err)
		}
	}

	logger.Info("run completed")
	return &RunResult{
		Kind:   RunResultSuccess,
		RunID:  run.ID,
		StepID: steps[len(steps)-1].ID(),
		Output: run.Output,
	}, nil
}

// checkpointFailed reports a save that failed after the run was claimed. The
// store keeps the last snapshot that did save, whose status is running, and
// no engine path moves a running run forward again.
func (e *Engine) checkpointFailed(logger *slog.Logger, run *Run, stepID string, err error) error {
	logger.Error("run stranded in running state, checkpoint save failed",
		"step_id", stepID,
		"attempted_status", run.Status,
		"stored_version", run.Version,
		"error", err)
	return fmt.Errorf("failed to save run %s: %w", run.ID, err)
}

// executeStep runs one step with callbacks, journaling and panic recovery
func (e *Engine) executeStep(ctx context.Context, run *Run, index int, step Step, sc *StepContext) (StepResult, *StepRecord) {
	resumed := sc.ResumeData != nil
	startTime := e.now()
	stepEvent := &StepEvent{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		StepID:       step.ID(),
		StepIndex:    index,
		Resumed:      resumed,
		StartTime:    startTime,
	}
	e.callbacks.BeforeStep(ctx, stepEvent)

	stepCtx := WithLogger(ctx, sc.Logger)
	stepCtx = WithRunID(stepCtx, run.ID)
	res := e.safeExecute(stepCtx, step, sc)

	endTime := e.now()
	rec := &StepRecord{
		StepID:     step.ID(),
		Status:     res.Status,
		StartedAt:  startTime,
		FinishedAt: endTime,
	}
	switch res.Status {
	case StepStatusCompleted:
		rec.Output = res.Output
	case StepStatusSuspended:
		rec.SuspendPayload = res.SuspendPayload
	default:
		if res.Err == nil {
			res.Err = fmt.Errorf("step %q returned status %q", step.ID(), res.Status)
		}
		rec.Status = StepStatusFailed
		res.Status = StepStatusFailed
		rec.Error = ClassifyError(res.Err)
	}

	stepEvent.Status = res.Status
	stepEvent.EndTime = endTime
	stepEvent.Duration = endTime.Sub(startTime)
	stepEvent.Error = res.Err
	e.callbacks.AfterStep(ctx, stepEvent)

	entry := &StepLogEntry{
		RunID:     run.ID,
		StepID:    step.ID(),
		Status:    res.Status,
		Resumed:   resumed,
		Input:     sc.Input,
		Output:    rec.Output,
		StartTime: startTime,
		Duration:  endTime.Sub(startTime).Seconds(),
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if err := e.stepLogger.LogStep(ctx, entry); err != nil {
		sc.Logger.Error("failed to log step", "error", err)
	}
	return res, rec
}

func (e *Engine) safeExecute(ctx context.Context, step Step, sc *StepContext) (res StepResult) {
	defer func() {
		if r := recover(); r != nil {
			sc.Logger.Error("step panicked", "panic", r, "stack", string(debug.Stack()))
			res = Failed(fmt.Errorf("step %q panicked: %v", step.ID(), r))
		}
	}()
	return step.Execute(ctx, sc)
}

// runLocks is a mutex keyed by run id. Entries are dropped once unused.
type runLocks struct {
	mutex sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mutex sync.Mutex
	refs  int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: map[string]*runLock{}}
}

func (l *runLocks) lock(runID string) func() {
	l.mutex.Lock()
	lk, ok := l.locks[runID]
	if !ok {
		lk = &runLock{}
		l.locks[runID] = lk
	}
	lk.refs++
	l.mutex.Unlock()

	lk.mutex.Lock()
	return func() {
		lk.mutex.Unlock()
		l.mutex.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, runID)
		}
		l.mutex.Unlock()
	}
}
