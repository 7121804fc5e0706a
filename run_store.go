package expenseflow

import (
	"context"
)

// RunStore durably persists run snapshots keyed by run id.
type RunStore interface {
	// Save persists the run. A run with Version 0 is created and fails with
	// ErrRunExists if the id is taken. Otherwise the stored version must equal
	// run.Version or ErrVersionConflict is returned. On success run.Version is
	// incremented to the stored version.
	Save(ctx context.Context, run *Run) error

	// Load returns the latest snapshot of a run, or ErrRunNotFound
	Load(ctx context.Context, runID string) (*Run, error)

	// List returns summaries of stored runs, newest first
	List(ctx context.Context, filter RunFilter) ([]*RunSummary, error)
}
