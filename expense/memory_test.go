package expense

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCategories(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Category{Name: "Travel"})

	err := store.CreateCategory(ctx, &Category{Name: "travel"})
	require.True(t, errors.Is(err, ErrCategoryExists))

	meals := &Category{Name: "Meals", Color: "#f97316"}
	require.NoError(t, store.CreateCategory(ctx, meals))
	require.NotEmpty(t, meals.ID)

	categories, err := store.ListCategories(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Travel", "Meals"}, CategoryNames(categories))
	require.NotEmpty(t, categories[0].ID)
}

func TestMemoryStoreCreateExpenseIsIdempotentPerRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.CreateExpense(ctx, &Expense{RunID: "run_1", Draft: Draft{Merchant: "A", Amount: 1}})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.False(t, first.CreatedAt.IsZero())

	second, err := store.CreateExpense(ctx, &Expense{RunID: "run_1", Draft: Draft{Merchant: "B", Amount: 2}})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "A", second.Merchant)

	expenses, err := store.ListExpenses(ctx)
	require.NoError(t, err)
	require.Len(t, expenses, 1)

	_, err = store.GetExpenseByRunID(ctx, "run_2")
	require.True(t, errors.Is(err, ErrNotFound))
}
