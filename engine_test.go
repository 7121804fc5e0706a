package expenseflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestWorkflow(t *testing.T, extra ...Step) *Workflow {
	t.Helper()
	steps := []Step{greetStep("greet"), approveGate("approve"), shoutStep("shout")}
	steps = append(steps, extra...)
	wf, err := New(Options{
		Name:   "greeter",
		Inputs: []*Input{{Name: "name", Type: InputTypeString, Required: true}},
		Steps:  steps,
	})
	require.NoError(t, err)
	return wf
}

func newTestEngine(t *testing.T, wf *Workflow, store RunStore, opts ...func(*EngineOptions)) *Engine {
	t.Helper()
	o := EngineOptions{Workflow: wf, Store: store}
	for _, fn := range opts {
		fn(&o)
	}
	engine, err := NewEngine(o)
	require.NoError(t, err)
	return engine
}

func TestEngineSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	engine := newTestEngine(t, newTestWorkflow(t), store)

	result, err := engine.Start(ctx, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.Equal(t, RunResultSuspended, result.Kind)
	require.Equal(t, "approve", result.StepID)
	require.JSONEq(t, `{"text":"hello ada"}`, string(result.SuspendPayload))

	run, err := engine.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.Equal(t, RunStatusSuspended, run.Status)
	require.Equal(t, 1, run.CurrentStepIndex)
	require.Len(t, run.Steps, 2)
	require.Equal(t, StepStatusCompleted, run.Steps[0].Status)
	require.Equal(t, StepStatusSuspended, run.Steps[1].Status)

	result, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"hi ada"}`))
	require.NoError(t, err)
	require.Equal(t, RunResultSuccess, result.Kind)
	require.Equal(t, "shout", result.StepID)
	require.JSONEq(t, `{"text":"hi ada!"}`, string(result.Output))

	run, err = engine.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, []string{"greet", "approve", "shout"}, stepIDs(run))
	for _, rec := range run.Steps {
		require.Equal(t, StepStatusCompleted, rec.Status)
	}
	require.JSONEq(t, `{"text":"hi ada"}`, string(run.Steps[1].Output))
}

func TestEngineResumeValidationLeavesRunSuspended(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	engine := newTestEngine(t, newTestWorkflow(t), store)

	result, err := engine.Start(ctx, map[string]any{"name": "ada"})
	require.NoError(t, err)
	before, err := store.Load(ctx, result.RunID)
	require.NoError(t, err)

	_, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":""}`))
	require.Error(t, err)
	require.Equal(t, ErrorTypeValidation, ErrorType(err))

	_, err = engine.Resume(ctx, result.RunID, "approve", nil)
	require.Error(t, err)
	require.Equal(t, ErrorTypeValidation, ErrorType(err))

	after, err := store.Load(ctx, result.RunID)
	require.NoError(t, err)
	require.Equal(t, before, after)

	// A valid resume still succeeds afterwards
	result, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"ok"}`))
	require.NoError(t, err)
	require.Equal(t, RunResultSuccess, result.Kind)
}

func TestEngineResumeRejections(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newTestWorkflow(t), NewMemoryRunStore())

	_, err := engine.Resume(ctx, "run_missing", "approve", json.RawMessage(`{"text":"x"}`))
	require.Equal(t, ErrorTypeRunNotFound, ErrorType(err))

	result, err := engine.Start(ctx, map[string]any{"name": "ada"})
	require.NoError(t, err)

	_, err = engine.Resume(ctx, result.RunID, "shout", json.RawMessage(`{"text":"x"}`))
	require.Equal(t, ErrorTypeInvalidResumeState, ErrorType(err))

	_, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"x"}`))
	require.NoError(t, err)

	// Completed runs cannot be resumed again
	_, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"x"}`))
	require.Equal(t, ErrorTypeInvalidResumeState, ErrorType(err))
}

func TestEngineInvalidInputCreatesNoRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	engine := newTestEngine(t, newTestWorkflow(t), store)

	_, err := engine.Start(ctx, map[string]any{})
	require.Equal(t, ErrorTypeInvalidInput, ErrorType(err))

	runs, err := store.List(ctx, RunFilter{})
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestEngineStepFailure(t *testing.T) {
	ctx := context.Background()
	boom := NewStep("explode", func(ctx context.Context, in message) (message, error) {
		return message{}, &CategoryNotFoundError{Label: "Trvel", Suggestions: []string{"Travel"}}
	})
	never := NewStep("never", func(ctx context.Context, in message) (message, error) {
		t.Fatal("step after a failure must not run")
		return in, nil
	})
	engine := newTestEngine(t, newTestWorkflow(t, boom, never), NewMemoryRunStore())

	result, err := engine.Start(ctx, map[string]any{"name": "ada"})
	require.NoError(t, err)
	result, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"x"}`))
	require.NoError(t, err)
	require.Equal(t, RunResultFailed, result.Kind)
	require.Equal(t, "explode", result.StepID)
	require.Equal(t, ErrorTypeCategoryNotFound, result.Error.Type)

	run, err := engine.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, run.Status)
	require.Equal(t, []string{"greet", "approve", "shout", "explode"}, stepIDs(run))
	require.Equal(t, StepStatusFailed, run.Steps[3].Status)
	require.Equal(t, ErrorTypeCategoryNotFound, run.Error.Type)
}

func TestEnginePanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	panicky := NewStep("panicky", func(ctx context.Context, in greeting) (message, error) {
		panic("kaboom")
	})
	wf, err := New(Options{Name: "panics", Steps: []Step{panicky}})
	require.NoError(t, err)
	engine := newTestEngine(t, wf, NewMemoryRunStore())

	result, err := engine.Start(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, RunResultFailed, result.Kind)
	require.Equal(t, ErrorTypeStepFailed, result.Error.Type)
	require.Contains(t, result.Error.Cause, "kaboom")
}

func TestEngineConcurrentResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	wf := newTestWorkflow(t)

	result, err := newTestEngine(t, wf, store).Start(ctx, map[string]any{"name": "ada"})
	require.NoError(t, err)

	// Two engines share the store, as two processes would share a database
	engines := []*Engine{newTestEngine(t, wf, store), newTestEngine(t, wf, store)}

	var mutex sync.Mutex
	var successes, rejections int
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		engine := engines[i%2]
		g.Go(func() error {
			_, err := engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"x"}`))
			mutex.Lock()
			defer mutex.Unlock()
			switch {
			case err == nil:
				successes++
			case ErrorType(err) == ErrorTypeInvalidResumeState:
				rejections++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, successes)
	require.Equal(t, 7, rejections)

	run, err := store.Load(ctx, result.RunID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Len(t, run.Steps, 3)
}

type recordingCallbacks struct {
	BaseRunCallbacks
	mutex  sync.Mutex
	events []string
}

func (c *recordingCallbacks) record(s string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.events = append(c.events, s)
}

func (c *recordingCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	c.record("before_run")
}

func (c *recordingCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	c.record("after_run:" + string(event.Status))
}

func (c *recordingCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {
	c.record("before_step:" + event.StepID)
}

func (c *recordingCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	c.record("after_step:" + event.StepID + ":" + string(event.Status))
}

func TestEngineCallbacks(t *testing.T) {
	ctx := context.Background()
	callbacks := &recordingCallbacks{}
	chain := NewCallbackChain(NewBaseRunCallbacks(), callbacks)
	engine := newTestEngine(t, newTestWorkflow(t), NewMemoryRunStore(), func(o *EngineOptions) {
		o.Callbacks = chain
	})

	result, err := engine.Start(ctx, map[string]any{"name": "ada"})
	require.NoError(t, err)
	_, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"x"}`))
	require.NoError(t, err)

	require.Equal(t, []string{
		"before_run",
		"before_step:greet",
		"after_step:greet:completed",
		"before_step:approve",
		"after_step:approve:suspended",
		"after_run:suspended",
		"before_run",
		"before_step:approve",
		"after_step:approve:completed",
		"before_step:shout",
		"after_step:shout:completed",
		"after_run:completed",
	}, callbacks.events)
}

func TestEngineStepLogger(t *testing.T) {
	ctx := context.Background()
	stepLogger := NewFileStepLogger(t.TempDir())
	engine := newTestEngine(t, newTestWorkflow(t), NewMemoryRunStore(), func(o *EngineOptions) {
		o.StepLogger = stepLogger
	})

	result, err := engine.Start(ctx, map[string]any{"name": "ada"})
	require.NoError(t, err)
	_, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"x"}`))
	require.NoError(t, err)

	history, err := stepLogger.GetStepHistory(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, "approve", history[2].StepID)
	require.True(t, history[2].Resumed)
	require.Equal(t, StepStatusCompleted, history[3].Status)

	history, err = stepLogger.GetStepHistory(ctx, "run_unknown")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestEngineGetRunNotFound(t *testing.T) {
	engine := newTestEngine(t, newTestWorkflow(t), NewMemoryRunStore())
	_, err := engine.GetRun(context.Background(), "run_nope")
	var wErr *WorkflowError
	require.True(t, errors.As(err, &wErr))
	require.Equal(t, ErrorTypeRunNotFound, wErr.Type)
	require.True(t, errors.Is(err, ErrRunNotFound))
}

func stepIDs(run *Run) []string {
	ids := make([]string, len(run.Steps))
	for i, rec := range run.Steps {
		ids[i] = rec.StepID
	}
	return ids
}

type flakyStore struct {
	*MemoryRunStore
	mutex   sync.Mutex
	saves   int
	failOn  int
	failErr error
}

func (s *flakyStore) Save(ctx context.Context, run *Run) error {
	s.mutex.Lock()
	s.saves++
	fail := s.saves == s.failOn
	s.mutex.Unlock()
	if fail {
		return s.failErr
	}
	return s.MemoryRunStore.Save(ctx, run)
}

func TestEngineCheckpointFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	store := &flakyStore{MemoryRunStore: NewMemoryRunStore(), failOn: 2, failErr: errors.New("disk full")}
	engine := newTestEngine(t, newTestWorkflow(t), store, func(o *EngineOptions) { o.Logger = logger })

	result, err := engine.Start(ctx, map[string]any{"name": "ada"})
	require.Error(t, err)
	require.Nil(t, result)
	require.ErrorContains(t, err, "disk full")

	runs, err := store.List(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunStatusRunning, runs[0].Status)

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["level"] == "ERROR" && entry["run_id"] == runs[0].RunID {
			found = true
			require.Equal(t, "greet", entry["step_id"])
			require.Contains(t, entry["msg"], "stranded")
		}
	}
	require.True(t, found, "no error log for the stranded run:\n%s", logs.String())
}

func TestEngineResumeTerminalRun(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newTestWorkflow(t), NewMemoryRunStore())

	result, err := engine.Start(ctx, map[string]any{"name": "ada"})
	require.NoError(t, err)
	_, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)

	_, err = engine.Resume(ctx, result.RunID, "approve", json.RawMessage(`{"text":"hi"}`))
	require.Equal(t, ErrorTypeInvalidResumeState, ErrorType(err))
	require.ErrorContains(t, err, "already completed")
}
