package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/creative-design-platform/export-service/internal/model"
)

// MemoryStore keeps jobs in process memory. Jobs are copied on every read and
// write so callers never share state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	batches map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*model.Job),
		batches: make(map[string][]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	if job.BatchID != "" {
		s.batches[job.BatchID] = append(s.batches[job.BatchID], job.ID)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	job := current.Clone()
	if err := fn(job); err != nil {
		return nil, err
	}
	s.jobs[id] = job
	return job.Clone(), nil
}

func (s *MemoryStore) ListBatch(ctx context.Context, batchID string) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.batches[batchID]
	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := s.jobs[id]; ok {
			jobs = append(jobs, job.Clone())
		}
	}
	return jobs, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*model.Job
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}
