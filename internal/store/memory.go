package store

import (
	"context"
	"sync"

	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// MemoryStore provides in-memory snapshot storage. Used in tests and when no
// store path is configured.
type MemoryStore struct {
	tasks        map[string]*v1.TaskRecord
	runs         map[string]*v1.RunRecord
	observations []*v1.Observation
	maxObs       int
	mu           sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory snapshot store
func NewMemoryStore(maxObservations int) *MemoryStore {
	if maxObservations <= 0 {
		maxObservations = 200
	}
	return &MemoryStore{
		tasks:  make(map[string]*v1.TaskRecord),
		runs:   make(map[string]*v1.RunRecord),
		maxObs: maxObservations,
	}
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// SaveTask upserts a task snapshot
func (s *MemoryStore) SaveTask(ctx context.Context, task *v1.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// ListTasks returns all stored task snapshots
func (s *MemoryStore) ListTasks(ctx context.Context) ([]*v1.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.TaskRecord, 0, len(s.tasks))
	for _, task := range s.tasks {
		result = append(result, task.Clone())
	}
	return result, nil
}

// SaveRun upserts a run snapshot
func (s *MemoryStore) SaveRun(ctx context.Context, run *v1.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// ListRuns returns all stored run snapshots
func (s *MemoryStore) ListRuns(ctx context.Context) ([]*v1.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		result = append(result, run.Clone())
	}
	return result, nil
}

// SaveObservation appends an observation, dropping the oldest past the cap
func (s *MemoryStore) SaveObservation(ctx context.Context, obs *v1.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observations = append(s.observations, obs.Clone())
	if len(s.observations) > s.maxObs {
		s.observations = s.observations[len(s.observations)-s.maxObs:]
	}
	return nil
}

// ListObservations returns up to limit recent observations, oldest first
func (s *MemoryStore) ListObservations(ctx context.Context, limit int) ([]*v1.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.observations
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	result := make([]*v1.Observation, len(entries))
	for i, obs := range entries {
		result[i] = obs.Clone()
	}
	return result, nil
}
