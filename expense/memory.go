package expense

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Confirm the interfaces are implemented correctly.
var (
	_ CategoryRepository = (*MemoryStore)(nil)
	_ CategoryWriter     = (*MemoryStore)(nil)
	_ ExpenseRepository  = (*MemoryStore)(nil)
	_ ExpenseReader      = (*MemoryStore)(nil)
)

// MemoryStore keeps categories and expenses in process memory
type MemoryStore struct {
	mutex      sync.RWMutex
	categories []Category
	expenses   map[string]*Expense // by run id
	now        func() time.Time
}

// NewMemoryStore returns a store holding the given categories
func NewMemoryStore(categories ...Category) *MemoryStore {
	s := &MemoryStore{expenses: map[string]*Expense{}, now: time.Now}
	for _, c := range categories {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		s.categories = append(s.categories, c)
	}
	return s
}

func (s *MemoryStore) ListCategories(ctx context.Context) ([]Category, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]Category(nil), s.categories...), nil
}

func (s *MemoryStore) CreateCategory(ctx context.Context, c *Category) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, existing := range s.categories {
		if strings.EqualFold(existing.Name, c.Name) {
			return fmt.Errorf("%w: %s", ErrCategoryExists, c.Name)
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.categories = append(s.categories, *c)
	return nil
}

func (s *MemoryStore) CreateExpense(ctx context.Context, e *Expense) (*Expense, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if existing, ok := s.expenses[e.RunID]; ok {
		return copyExpense(existing), nil
	}
	stored := copyExpense(e)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.expenses[e.RunID] = stored
	return copyExpense(stored), nil
}

func (s *MemoryStore) ListExpenses(ctx context.Context) ([]*Expense, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]*Expense, 0, len(s.expenses))
	for _, e := range s.expenses {
		out = append(out, copyExpense(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetExpenseByRunID(ctx context.Context, runID string) (*Expense, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.expenses[runID]
	if !ok {
		return nil, fmt.Errorf("expense for run %s: %w", runID, ErrNotFound)
	}
	return copyExpense(e), nil
}

func copyExpense(e *Expense) *Expense {
	c := *e
	c.Items = append([]Item(nil), e.Items...)
	return &c
}
