package expenseflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRunStore keeps runs in process memory. Snapshots are deep copied on
// the way in and out so callers never share state with the store.
type MemoryRunStore struct {
	mutex sync.RWMutex
	runs  map[string]*Run
}

// NewMemoryRunStore returns an empty in-memory store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: map[string]*Run{}}
}

// Save stores a copy of the run using a version check
func (s *MemoryRunStore) Save(ctx context.Context, run *Run) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, ok := s.runs[run.ID]
	switch {
	case run.Version == 0 && ok:
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	case run.Version != 0 && !ok:
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	case ok && existing.Version != run.Version:
		return fmt.Errorf("%w: %s has version %d, saving from %d",
			ErrVersionConflict, run.ID, existing.Version, run.Version)
	}
	run.Version++
	s.runs[run.ID] = run.Copy()
	return nil
}

// Load returns a copy of the stored run
func (s *MemoryRunStore) Load(ctx context.Context, runID string) (*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.Copy(), nil
}

// List returns run summaries, newest first
func (s *MemoryRunStore) List(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var summaries []*RunSummary
	for _, run := range s.runs {
		if filter.Matches(run) {
			summaries = append(summaries, run.Summary())
		}
	}
	sortSummaries(summaries)
	if filter.Limit > 0 && len(summaries) > filter.Limit {
		summaries = summaries[:filter.Limit]
	}
	return summaries, nil
}

func sortSummaries(summaries []*RunSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].RunID > summaries[j].RunID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
}
