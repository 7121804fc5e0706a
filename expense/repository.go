package expense

import (
	"context"
	"errors"
)

var (
	ErrCategoryExists = errors.New("category already exists")
	ErrNotFound       = errors.New("not found")
)

// CategoryRepository reads the current set of categories
type CategoryRepository interface {
	ListCategories(ctx context.Context) ([]Category, error)
}

// CategoryWriter creates categories. Names are unique ignoring case.
type CategoryWriter interface {
	CreateCategory(ctx context.Context, c *Category) error
}

// ExpenseRepository persists finalized expenses. CreateExpense is idempotent
// per run: a second call with the same RunID returns the stored expense
// without writing.
type ExpenseRepository interface {
	CreateExpense(ctx context.Context, e *Expense) (*Expense, error)
}

// ExpenseReader lists persisted expenses
type ExpenseReader interface {
	ListExpenses(ctx context.Context) ([]*Expense, error)
	GetExpenseByRunID(ctx context.Context, runID string) (*Expense, error)
}
