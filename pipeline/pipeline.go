// Package pipeline assembles the receipt workflow and exposes it as a typed
// service: Start with an image URL, Resume a suspended review.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/categories"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"github.com/deepnoodle-ai/expenseflow/llm"
	"github.com/deepnoodle-ai/expenseflow/steps"
)

// WorkflowName identifies runs created by this pipeline
const WorkflowName = "receipt-to-expense"

// InputImageURL is the name of the workflow's only input
const InputImageURL = "image_url"

// Options configures a Service
type Options struct {
	Objects    llm.ObjectGenerator
	Text       llm.TextGenerator
	Categories expense.CategoryRepository
	Expenses   expense.ExpenseRepository
	Store      expenseflow.RunStore

	// CategoryTTL bounds how long the category set is cached
	CategoryTTL time.Duration

	Logger     *slog.Logger
	StepLogger expenseflow.StepLogger
	Callbacks  expenseflow.RunCallbacks
}

// Result is the typed outcome of Start and Resume. Exactly one of
// SuspendPayload, Expense or Error is set, selected by Kind.
type Result struct {
	Kind           expenseflow.RunResultKind  `json:"kind"`
	RunID          string                     `json:"runId"`
	StepID         string                     `json:"stepId,omitempty"`
	SuspendPayload *expense.Draft             `json:"suspendPayload,omitempty"`
	Expense        *expense.Expense           `json:"expense,omitempty"`
	Error          *expenseflow.WorkflowError `json:"error,omitempty"`
}

// Service runs receipts through extract, categorize, review and save
type Service struct {
	engine   *expenseflow.Engine
	resolver *categories.Resolver
	repo     expense.CategoryRepository
}

// NewWorkflow builds the fixed four step workflow
func NewWorkflow(objects llm.ObjectGenerator, text llm.TextGenerator, resolver *categories.Resolver, expenses expense.ExpenseRepository) (*expenseflow.Workflow, error) {
	return expenseflow.New(expenseflow.Options{
		Name:        WorkflowName,
		Description: "Extract a receipt, categorize it, wait for review and save the expense",
		Inputs: []*expenseflow.Input{
			{
				Name:        InputImageURL,
				Type:        expenseflow.InputTypeURL,
				Description: "Receipt image as an http(s) URL or image data URL",
				Required:    true,
			},
		},
		Steps: []expenseflow.Step{
			steps.Extract(objects),
			steps.Categorize(text, resolver),
			steps.Review(),
			steps.Save(resolver, expenses),
		},
	})
}

// New creates a Service
func New(opts Options) (*Service, error) {
	switch {
	case opts.Objects == nil:
		return nil, fmt.Errorf("object generator is required")
	case opts.Text == nil:
		return nil, fmt.Errorf("text generator is required")
	case opts.Categories == nil:
		return nil, fmt.Errorf("category repository is required")
	case opts.Expenses == nil:
		return nil, fmt.Errorf("expense repository is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("run store is required")
	}
	resolver := categories.NewResolver(opts.Categories, categories.ResolverOptions{TTL: opts.CategoryTTL})
	wf, err := NewWorkflow(opts.Objects, opts.Text, resolver, opts.Expenses)
	if err != nil {
		return nil, err
	}
	engine, err := expenseflow.NewEngine(expenseflow.EngineOptions{
		Workflow:   wf,
		Store:      opts.Store,
		Logger:     opts.Logger,
		StepLogger: opts.StepLogger,
		Callbacks:  opts.Callbacks,
	})
	if err != nil {
		return nil, err
	}
	return &Service{engine: engine, resolver: resolver, repo: opts.Categories}, nil
}

// Start processes a new receipt until it completes, fails or waits for review
func (s *Service) Start(ctx context.Context, imageURL string) (*Result, error) {
	res, err := s.engine.Start(ctx, map[string]any{InputImageURL: imageURL})
	if err != nil {
		return nil, err
	}
	return toResult(res)
}

// Resume continues a run suspended at stepID with resumeData, a complete
// draft for the review step.
func (s *Service) Resume(ctx context.Context, runID, stepID string, resumeData json.RawMessage) (*Result, error) {
	res, err := s.engine.Resume(ctx, runID, stepID, resumeData)
	if err != nil {
		return nil, err
	}
	return toResult(res)
}

// Workflow returns the workflow definition driven by the service
func (s *Service) Workflow() *expenseflow.Workflow {
	return s.engine.Workflow()
}

// Run returns the stored snapshot of a run
func (s *Service) Run(ctx context.Context, runID string) (*expenseflow.Run, error) {
	return s.engine.GetRun(ctx, runID)
}

// Runs lists stored runs
func (s *Service) Runs(ctx context.Context, filter expenseflow.RunFilter) ([]*expenseflow.RunSummary, error) {
	return s.engine.ListRuns(ctx, filter)
}

// Categories returns the current category set, bypassing the cache
func (s *Service) Categories(ctx context.Context) ([]expense.Category, error) {
	return s.repo.ListCategories(ctx)
}

// InvalidateCategories drops cached categories, e.g. after seeding
func (s *Service) InvalidateCategories() {
	s.resolver.Invalidate()
}

func toResult(res *expenseflow.RunResult) (*Result, error) {
	out := &Result{Kind: res.Kind, RunID: res.RunID, StepID: res.StepID, Error: res.Error}
	switch res.Kind {
	case expenseflow.RunResultSuspended:
		var draft expense.Draft
		if err := json.Unmarshal(res.SuspendPayload, &draft); err != nil {
			return nil, fmt.Errorf("run %s: invalid suspend payload: %w", res.RunID, err)
		}
		out.SuspendPayload = &draft
	case expenseflow.RunResultSuccess:
		var saved expense.Expense
		if err := json.Unmarshal(res.Output, &saved); err != nil {
			return nil, fmt.Errorf("run %s: invalid output: %w", res.RunID, err)
		}
		out.Expense = &saved
	}
	return out, nil
}
