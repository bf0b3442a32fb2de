// Package jobmem provides in-process implementations of the job ports.
// StatusStore is a single-instance convenience; Storage and Broker back tests.
package jobmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/k11v/pages/internal/job"
)

var _ job.StatusStore = (*StatusStore)(nil)

type StatusStore struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
	now  func() time.Time
}

func NewStatusStore() *StatusStore {
	return &StatusStore{
		jobs: make(map[string]job.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *StatusStore) Create(_ context.Context, params *job.CreateParams) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.jobs[params.ID]; found {
		return nil, fmt.Errorf("jobmem.StatusStore: %w", job.ErrIDTaken)
	}

	now := s.now()
	j := job.Job{
		ID:        params.ID,
		SourceURL: params.SourceURL,
		Status:    job.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[j.ID] = j
	return &j, nil
}

func (s *StatusStore) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, found := s.jobs[id]
	if !found {
		return nil, fmt.Errorf("jobmem.StatusStore: %w", job.ErrNotFound)
	}
	return &j, nil
}

func (s *StatusStore) Transition(_ context.Context, id string, to job.Status) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, found := s.jobs[id]
	if !found {
		return nil, fmt.Errorf("jobmem.StatusStore: %w", job.ErrNotFound)
	}
	if !job.CanTransition(j.Status, to) {
		return &j, fmt.Errorf("jobmem.StatusStore: %w: %s to %s", job.ErrInvalidTransition, j.Status, to)
	}

	j.Status = to
	j.UpdatedAt = s.now()
	s.jobs[id] = j
	return &j, nil
}
