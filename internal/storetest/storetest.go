// Package storetest holds behaviour tests shared by every store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"github.com/stretchr/testify/require"
)

// NewRun returns an unsaved run created at the given time
func NewRun(id string, created time.Time) *expenseflow.Run {
	return &expenseflow.Run{
		ID:           id,
		WorkflowName: "greeter",
		Status:       expenseflow.RunStatusRunning,
		Inputs:       map[string]any{"name": "ada"},
		Steps:        []*expenseflow.StepRecord{},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// RunStore checks the conditional save contract and listing
func RunStore(t *testing.T, store expenseflow.RunStore) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	run := NewRun("run_a", base)
	require.NoError(t, store.Save(ctx, run))
	require.Equal(t, int64(1), run.Version)

	t.Run("create twice", func(t *testing.T) {
		err := store.Save(ctx, NewRun("run_a", base))
		require.True(t, errors.Is(err, expenseflow.ErrRunExists), "got %v", err)
	})

	t.Run("update", func(t *testing.T) {
		run.Status = expenseflow.RunStatusSuspended
		run.Steps = append(run.Steps, &expenseflow.StepRecord{
			StepID: "greet",
			Status: expenseflow.StepStatusCompleted,
			Output: []byte(`{"text":"hi"}`),
		})
		require.NoError(t, store.Save(ctx, run))
		require.Equal(t, int64(2), run.Version)

		loaded, err := store.Load(ctx, "run_a")
		require.NoError(t, err)
		require.Equal(t, expenseflow.RunStatusSuspended, loaded.Status)
		require.Equal(t, int64(2), loaded.Version)
		require.JSONEq(t, `{"text":"hi"}`, string(loaded.Steps[0].Output))
		require.True(t, base.Equal(loaded.CreatedAt))
	})

	t.Run("stale version", func(t *testing.T) {
		first, err := store.Load(ctx, "run_a")
		require.NoError(t, err)
		second, err := store.Load(ctx, "run_a")
		require.NoError(t, err)

		first.Status = expenseflow.RunStatusRunning
		require.NoError(t, store.Save(ctx, first))

		second.Status = expenseflow.RunStatusRunning
		err = store.Save(ctx, second)
		require.True(t, errors.Is(err, expenseflow.ErrVersionConflict), "got %v", err)
	})

	t.Run("update of unknown run", func(t *testing.T) {
		ghost := NewRun("run_ghost", base)
		ghost.Version = 3
		err := store.Save(ctx, ghost)
		require.True(t, errors.Is(err, expenseflow.ErrRunNotFound), "got %v", err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Load(ctx, "run_missing")
		require.True(t, errors.Is(err, expenseflow.ErrRunNotFound), "got %v", err)
	})

	t.Run("list", func(t *testing.T) {
		newer := NewRun("run_b", base.Add(time.Hour))
		newer.Status = expenseflow.RunStatusCompleted
		require.NoError(t, store.Save(ctx, newer))

		all, err := store.List(ctx, expenseflow.RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, "run_b", all[0].RunID)

		completed, err := store.List(ctx, expenseflow.RunFilter{Status: expenseflow.RunStatusCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		require.Equal(t, "run_b", completed[0].RunID)

		limited, err := store.List(ctx, expenseflow.RunFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
	})
}

// Repository is the combined category and expense store
type Repository interface {
	expense.CategoryRepository
	expense.CategoryWriter
	expense.ExpenseRepository
	expense.ExpenseReader
}

// ExpenseRepository checks category uniqueness and per-run idempotent
// expense creation
func ExpenseRepository(t *testing.T, repo Repository) {
	ctx := context.Background()

	travel := &expense.Category{Name: "Travel", Color: "#0ea5e9", Description: "Trips"}
	require.NoError(t, repo.CreateCategory(ctx, travel))
	require.NotEmpty(t, travel.ID)
	require.NoError(t, repo.CreateCategory(ctx, &expense.Category{Name: "Meals"}))

	err := repo.CreateCategory(ctx, &expense.Category{Name: "TRAVEL"})
	require.True(t, errors.Is(err, expense.ErrCategoryExists), "got %v", err)

	categories, err := repo.ListCategories(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Travel", "Meals"}, expense.CategoryNames(categories))
	require.Equal(t, *travel, categories[0])

	quantity, price, tax := 3.0, 2.5, 0.0
	draft := expense.Draft{
		Merchant: "Hertz",
		Amount:   7.5,
		Currency: "USD",
		Date:     "2025-02-14T00:00:00Z",
		Category: "Travel",
		Items:    []expense.Item{{Description: "Fuel", Quantity: &quantity, UnitPrice: &price, Total: 7.5}},
		Tax:      &tax,
	}
	first, err := repo.CreateExpense(ctx, &expense.Expense{Draft: draft, CategoryID: travel.ID, RunID: "run_1"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, draft, first.Draft)
	require.Equal(t, travel.ID, first.CategoryID)
	require.False(t, first.CreatedAt.IsZero())

	other := draft
	other.Merchant = "Avis"
	second, err := repo.CreateExpense(ctx, &expense.Expense{Draft: other, CategoryID: travel.ID, RunID: "run_1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Hertz", second.Merchant)

	expenses, err := repo.ListExpenses(ctx)
	require.NoError(t, err)
	require.Len(t, expenses, 1)

	byRun, err := repo.GetExpenseByRunID(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, first.ID, byRun.ID)

	_, err = repo.GetExpenseByRunID(ctx, "run_2")
	require.True(t, errors.Is(err, expense.ErrNotFound), "got %v", err)
}
