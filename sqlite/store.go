// Package sqlite stores runs, categories and expenses in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Confirm the interfaces are implemented correctly.
var (
	_ expenseflow.RunStore       = (*Store)(nil)
	_ expense.CategoryRepository = (*Store)(nil)
	_ expense.CategoryWriter     = (*Store)(nil)
	_ expense.ExpenseRepository  = (*Store)(nil)
	_ expense.ExpenseReader      = (*Store)(nil)
)

// timeFormat is fixed width so stored timestamps sort as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite backed run store and expense repository
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DSN returns the connection string used for the database file at path
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the database at path, applying migrations first
func Open(path string) (*Store, error) {
	dsn := DSN(path)
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
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

	var res sql.Result
	if run.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO runs (id, workflow_name, status, version, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			run.ID, run.WorkflowName, string(run.Status), next.Version, string(data),
			formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, version = ?, data = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(run.Status), next.Version, string(data), formatTime(run.UpdatedAt),
			run.ID, run.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	err := s.db.QueryRowContext(ctx, `SELECT version FROM runs WHERE id = ?`, run.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
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
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", expenseflow.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var run expenseflow.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

// List returns run summaries, newest first
func (s *Store) List(ctx context.Context, filter expenseflow.RunFilter) ([]*expenseflow.RunSummary, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	summaries := []*expenseflow.RunSummary{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run expenseflow.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		summaries = append(summaries, run.Summary())
	}
	return summaries, rows.Err()
}

// ListCategories returns categories in creation order
func (s *Store) ListCategories(ctx context.Context) ([]expense.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, color, description FROM categories ORDER BY created_at, rowid`)
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, color, description, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		c.ID, c.Name, c.Color, c.Description, s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to create category: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, run_id, category_id, merchant, amount, currency, expense_date, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING`,
		id, e.RunID, e.CategoryID, e.Merchant, e.Amount, e.Currency, e.Date, string(data), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create expense: %w", err)
	}
	return s.GetExpenseByRunID(ctx, e.RunID)
}

const expenseColumns = `id, run_id, category_id, data, created_at, updated_at`

// GetExpenseByRunID returns the expense created by a run
func (s *Store) GetExpenseByRunID(ctx context.Context, runID string) (*expense.Expense, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE run_id = ?`, runID)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expense for run %s: %w", runID, expense.ErrNotFound)
	}
	return e, err
}

// ListExpenses returns all expenses, newest first
func (s *Store) ListExpenses(ctx context.Context) ([]*expense.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+expenseColumns+` FROM expenses ORDER BY created_at DESC, id`)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(row scanner) (*expense.Expense, error) {
	var e expense.Expense
	var data, createdAt, updatedAt string
	if err := row.Scan(&e.ID, &e.RunID, &e.CategoryID, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &e.Draft); err != nil {
		return nil, fmt.Errorf("failed to unmarshal expense %s: %w", e.ID, err)
	}
	var err error
	if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
