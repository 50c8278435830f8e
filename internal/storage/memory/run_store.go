package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/facetrace/internal/search"
)

// ErrRunExists reports a second SaveRun for the same run ID.
var ErrRunExists = errors.New("run already exists")

// RunStore keeps completed runs in-memory for development/testing.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]search.Result
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]search.Result)}
}

// SaveRun stores result keyed by its run ID.
func (s *RunStore) SaveRun(_ context.Context, result search.Result) error {
	if result.RunID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[result.RunID]; exists {
		return ErrRunExists
	}
	result.Candidates = append(search.CandidateList(nil), result.Candidates...)
	s.runs[result.RunID] = result
	return nil
}

// Run returns the stored run.
func (s *RunStore) Run(runID string) (search.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	return r, ok
}

// IDs lists the stored run IDs in sorted order.
func (s *RunStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
