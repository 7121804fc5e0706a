package expenseflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileRunStore is a file-based RunStore. Each run gets a directory holding one
// checkpoint file per version plus a latest.json link to the newest one.
// Version checks are serialized within one process only.
type FileRunStore struct {
	dataDir string
	mutex   sync.Mutex
}

// NewFileRunStore creates a new file-based run store
func NewFileRunStore(dataDir string) (*FileRunStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".expenseflow", "runs")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileRunStore{dataDir: dataDir}, nil
}

// Save writes a new checkpoint for the run and points latest.json at it
func (s *FileRunStore) Save(ctx context.Context, run *Run) error {
	if !validRunID(run.ID) {
		return fmt.Errorf("invalid run id %q", run.ID)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, err := s.load(run.ID)
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return err
	}
	switch {
	case run.Version == 0 && existing != nil:
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	case run.Version != 0 && existing == nil:
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	case existing != nil && existing.Version != run.Version:
		return fmt.Errorf("%w: %s has version %d, saving from %d",
			ErrVersionConflict, run.ID, existing.Version, run.Version)
	}

	runDir := filepath.Join(s.dataDir, run.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	next := *run
	next.Version = run.Version + 1
	data, err := json.MarshalIndent(&next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	// Write to a temp file first so a crash never leaves a torn checkpoint
	checkpointPath := filepath.Join(runDir, fmt.Sprintf("checkpoint-%06d.json", next.Version))
	tmpPath := checkpointPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to commit checkpoint file: %w", err)
	}

	latestPath := filepath.Join(runDir, "latest.json")
	if err := s.updateLatest(checkpointPath, latestPath); err != nil {
		return fmt.Errorf("failed to update latest checkpoint: %w", err)
	}

	run.Version = next.Version
	return nil
}

// Load reads the latest checkpoint of a run
func (s *FileRunStore) Load(ctx context.Context, runID string) (*Run, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.load(runID)
}

func (s *FileRunStore) load(runID string) (*Run, error) {
	if !validRunID(runID) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	latestPath := filepath.Join(s.dataDir, runID, "latest.json")
	data, err := os.ReadFile(latestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &run, nil
}

// validRunID reports whether id names a single directory below dataDir
func validRunID(id string) bool {
	return id != "" && id != "." && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// List returns summaries of every readable run, newest first
func (s *FileRunStore) List(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var summaries []*RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.load(entry.Name())
		if err != nil {
			// Skip runs we can't read
			continue
		}
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

// updateLatest points latest.json at the newest checkpoint
func (s *FileRunStore) updateLatest(checkpointPath, latestPath string) error {
	// Remove existing link if it exists
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return fmt.Errorf("failed to remove existing latest link: %w", err)
		}
	}

	// On Windows, copy the file instead of creating a symlink
	if strings.Contains(os.Getenv("OS"), "Windows") {
		data, err := os.ReadFile(checkpointPath)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint for copy: %w", err)
		}
		return os.WriteFile(latestPath, data, 0644)
	}

	// Create relative symlink
	rel, err := filepath.Rel(filepath.Dir(latestPath), checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to create relative path: %w", err)
	}
	return os.Symlink(rel, latestPath)
}
