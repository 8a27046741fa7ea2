// Package memory implements store.JobStore in process memory.
//
// Each job lives behind its own atomic pointer. Writers copy the current
// snapshot, mutate the copy and publish it with compare-and-swap, so status
// readers never block on a writer and never see a half-applied update.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mopplane/internal/store"
)

// Store is an in-memory job store.
type Store struct {
	mu   sync.RWMutex // guards the map, not the snapshots
	jobs map[string]*atomic.Pointer[store.Job]
}

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*atomic.Pointer[store.Job])}
}

func (s *Store) slot(id string) (*atomic.Pointer[store.Job], error) {
	s.mu.RLock()
	p, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

// Create implements store.JobStore.
func (s *Store) Create(ctx context.Context, job *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	p := new(atomic.Pointer[store.Job])
	p.Store(job.Clone())
	s.jobs[job.ID] = p
	return nil
}

// Get implements store.JobStore.
func (s *Store) Get(ctx context.Context, id string) (*store.Job, error) {
	p, err := s.slot(id)
	if err != nil {
		return nil, err
	}
	return p.Load(), nil
}

// Update implements store.JobStore.
func (s *Store) Update(ctx context.Context, id string, fn func(*store.Job) error) (*store.Job, error) {
	p, err := s.slot(id)
	if err != nil {
		return nil, err
	}

	for {
		current := p.Load()
		if current.Status.Terminal() {
			return current, fmt.Errorf("job %s: %w", id, store.ErrTerminal)
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return current, err
		}
		if p.CompareAndSwap(current, next) {
			return next, nil
		}
	}
}

// Delete implements store.JobStore.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	delete(s.jobs, id)
	return nil
}

// List implements store.JobStore.
func (s *Store) List(ctx context.Context) ([]*store.Job, error) {
	s.mu.RLock()
	jobs := make([]*store.Job, 0, len(s.jobs))
	for _, p := range s.jobs {
		jobs = append(jobs, p.Load())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Sweep implements store.JobStore.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.jobs {
		job := p.Load()
		if job.Status.Terminal() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}
