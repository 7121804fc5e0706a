// Package postgres stores runs, categories and expenses in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Confirm the interfaces are implemented correctly.
var (
	_ expenseflow.RunStore       = (*Store)(nil)
	_ expense.CategoryRepository = (*Store)(nil)
	_ expense.CategoryWriter     = (*Store)(nil)
	_ expense.ExpenseRepository  = (*Store)(nil)
	_ expense.ExpenseReader      = (*Store)(nil)
)

// Store is a PostgreSQL backed run store and expense repository
type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// Open migrates the database at dsn and connects a pool to it
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, now: time.Now}
}

// Close closes the pool
func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Save inserts a new run (version 0) or updates one whose stored version
// matches run.Version.
func (s *Store) Save(ctx context.Context, run *expenseflow.Run) error {
	next := *run
	next.Version = run.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	var affected int64
	if run.Version == 0 {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO runs (id, workflow_name, status, version, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			run.ID, run.WorkflowName, string(run.Status), next.Version, data, run.CreatedAt, run.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save run %s: %w", run.ID, err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := s.db.Exec(ctx, `
			UPDATE runs SET status = $1, version = $2, data = $3, updated_at = $4
			WHERE id = $5 AND version = $6`,
			string(run.Status), next.Version, data, run.UpdatedAt, run.ID, run.Version)
		if err != nil {
			return fmt.Errorf("failed to save run %s: %w", run.ID, err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return s.saveConflict(ctx, run)
	}
	run.Version = next.Version
	return nil
}

func (s *Store) saveConflict(ctx context.Context, run *expenseflow.Run) error {
	if run.Version == 0 {
		return fmt.Errorf("%w: %s", expenseflow.ErrRunExists, run.ID)
	}
	var stored int64
	err := s.db.QueryRow(ctx, `SELECT version FROM runs WHERE id = $1`, run.ID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", expenseflow.ErrRunNotFound, run.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s has version %d, saving from %d",
		expenseflow.ErrVersionConflict, run.ID, stored, run.Version)
}

// Load returns the stored run
func (s *Store) Load(ctx context.Context, runID string) (*expenseflow.Run, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM runs WHERE id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", expenseflow.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var run expenseflow.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

// List returns run summaries, newest first
func (s *Store) List(ctx context.Context, filter expenseflow.RunFilter) ([]*expenseflow.RunSummary, error) {
	query := `SELECT data FROM runs WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC, id DESC`
	args := []any{string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	summaries := []*expenseflow.RunSummary{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run expenseflow.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		summaries = append(summaries, run.Summary())
	}
	return summaries, rows.Err()
}

// ListCategories returns categories in creation order
func (s *Store) ListCategories(ctx context.Context) ([]expense.Category, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, color, description FROM categories ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	categories := []expense.Category{}
	for rows.Next() {
		var c expense.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Color, &c.Description); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// CreateCategory inserts a category. Names are unique ignoring case.
func (s *Store) CreateCategory(ctx context.Context, c *expense.Category) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO categories (id, name, color, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		c.ID, c.Name, c.Color, c.Description, s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to create category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", expense.ErrCategoryExists, c.Name)
	}
	return nil
}

// CreateExpense inserts the expense unless one exists for its run, and
// returns the stored record either way.
func (s *Store) CreateExpense(ctx context.Context, e *expense.Expense) (*expense.Expense, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	data, err := json.Marshal(e.Draft)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal expense: %w", err)
	}
	now := s.timestamp()
	_, err = s.db.Exec(ctx, `
		INSERT INTO expenses (id, run_id, category_id, merchant, amount, currency, expense_date, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO NOTHING`,
		id, e.RunID, e.CategoryID, e.Merchant, e.Amount, e.Currency, e.Date, data, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create expense: %w", err)
	}
	return s.GetExpenseByRunID(ctx, e.RunID)
}

const expenseColumns = `id, run_id, category_id, data, created_at, updated_at`

// GetExpenseByRunID returns the expense created by a run
func (s *Store) GetExpenseByRunID(ctx context.Context, runID string) (*expense.Expense, error) {
	row := s.db.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE run_id = $1`, runID)
	e, err := scanExpense(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("expense for run %s: %w", runID, expense.ErrNotFound)
	}
	return e, err
}

// ListExpenses returns all expenses, newest first
func (s *Store) ListExpenses(ctx context.Context) ([]*expense.Expense, error) {
	rows, err := s.db.Query(ctx, `SELECT `+expenseColumns+` FROM expenses ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	expenses := []*expense.Expense{}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func scanExpense(row pgx.Row) (*expense.Expense, error) {
	var e expense.Expense
	var data []byte
	if err := row.Scan(&e.ID, &e.RunID, &e.CategoryID, &data, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &e.Draft); err != nil {
		return nil, fmt.Errorf("failed to unmarshal expense %s: %w", e.ID, err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
