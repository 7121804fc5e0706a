package postgres

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/expenseflow/internal/storetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("expenseflow"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	reset := func(t *testing.T) {
		_, err := store.db.Exec(ctx, `TRUNCATE expenses, categories, runs`)
		require.NoError(t, err)
	}

	t.Run("run store", func(t *testing.T) {
		reset(t)
		storetest.RunStore(t, store)
	})

	t.Run("expense repository", func(t *testing.T) {
		reset(t)
		storetest.ExpenseRepository(t, store)
	})

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, Migrate(dsn))
	})
}
