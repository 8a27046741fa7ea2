package handlers

import (
	"context"
	"sync"

	"mopplane/internal/store"
	"mopplane/pkg/mop"
)

// mockEngine is a scripted Engine.
type mockEngine struct {
	mu sync.Mutex

	submitID  string
	submitErr error
	submitted *mop.MOP

	jobs      map[string]*store.Job
	statusErr error

	result    *mop.AssessmentResult
	resultErr error

	cancelErr error
	cancelled []string

	deleteErr error
	listErr   error

	// statusHook runs on every Status call, e.g. to advance a job.
	statusHook func(calls int, job *store.Job) *store.Job
	calls      int
}

func (m *mockEngine) Submit(ctx context.Context, mp mop.MOP, servers []mop.Server) (string, error) {
	m.submitted = &mp
	return m.submitID, m.submitErr
}

func (m *mockEngine) Status(ctx context.Context, id string) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	m.calls++
	if m.statusHook != nil {
		job = m.statusHook(m.calls, job)
		m.jobs[id] = job
	}
	return job, nil
}

func (m *mockEngine) Result(ctx context.Context, id string) (*mop.AssessmentResult, error) {
	return m.result, m.resultErr
}

func (m *mockEngine) Cancel(ctx context.Context, id string) error {
	m.cancelled = append(m.cancelled, id)
	return m.cancelErr
}

func (m *mockEngine) Delete(ctx context.Context, id string) error {
	return m.deleteErr
}

func (m *mockEngine) List(ctx context.Context) ([]*store.Job, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*store.Job
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

type mockPinger struct {
	err error
}

func (p mockPinger) Ping(ctx context.Context) error {
	return p.err
}
