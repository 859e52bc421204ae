// Package state holds the latest view of the desktop: the current observation,
// a capped history of recent observations, the session summary, and the idle
// flag. The contract is "latest wins": readers get whatever was most recently
// recorded, never a guaranteed monotonic sequence.
package state

import (
	"sync"

	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// Store is the in-memory desktop state store
type Store struct {
	mu          sync.RWMutex
	current     *v1.Observation
	history     []*v1.Observation
	historySize int
	summary     string
	idle        bool
}

// NewStore creates a state store keeping at most historySize observations
func NewStore(historySize int) *Store {
	if historySize <= 0 {
		historySize = 50
	}
	return &Store{historySize: historySize}
}

// Record stores an observation as current and appends it to the history,
// dropping the oldest entries beyond the cap.
func (s *Store) Record(obs *v1.Observation) {
	if obs == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = obs.Clone()
	s.history = append(s.history, s.current)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	s.idle = false
}

// Current returns a clone of the latest observation, or nil if none recorded
func (s *Store) Current() *v1.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// History returns clones of up to limit recent observations, newest last.
// A non-positive limit returns the full retained history.
func (s *Store) History(limit int) []*v1.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*v1.Observation, len(entries))
	for i, obs := range entries {
		out[i] = obs.Clone()
	}
	return out
}

// SetSummary replaces the session summary text
func (s *Store) SetSummary(summary string) {
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
}

// Summary returns the session summary text
func (s *Store) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// SetIdle marks the desktop as idle or active
func (s *Store) SetIdle(idle bool) {
	s.mu.Lock()
	s.idle = idle
	s.mu.Unlock()
}

// IsIdle reports whether the desktop is currently idle
func (s *Store) IsIdle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idle
}

// Hydrate replaces the history from durable snapshots on startup. The newest
// entry becomes the current observation.
func (s *Store) Hydrate(observations []*v1.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = s.history[:0]
	for _, obs := range observations {
		if obs == nil {
			continue
		}
		s.history = append(s.history, obs.Clone())
	}
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	if len(s.history) > 0 {
		s.current = s.history[len(s.history)-1]
	}
}
