package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mopplane/internal/store"
	"mopplane/internal/store/memory"
	"mopplane/internal/worker/runtime"
	"mopplane/pkg/mop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	out  string
	exit int
	err  error
}

// fakeHost scripts the replies of one server by command text.
type fakeHost struct {
	mu       sync.Mutex
	replies  map[string]reply
	executed []string

	// When set, the first Execute signals started and waits for release.
	started chan struct{}
	release chan struct{}
}

func (h *fakeHost) commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

type fakeSession struct {
	host   *fakeHost
	closed bool
}

func (s *fakeSession) Execute(ctx context.Context, command string, timeout time.Duration) (runtime.ExitResult, error) {
	h := s.host
	h.mu.Lock()
	h.executed = append(h.executed, command)
	first := len(h.executed) == 1
	r := h.replies[command]
	h.mu.Unlock()

	if first && h.started != nil {
		close(h.started)
		<-h.release
	}
	if r.err != nil {
		return runtime.ExitResult{}, r.err
	}
	return runtime.ExitResult{Stdout: r.out, ExitCode: r.exit}, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeConnector struct {
	hosts    map[string]*fakeHost
	failures map[string]error

	// Connect to a host listed here waits until its channel is closed.
	blocked map[string]chan struct{}
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{hosts: map[string]*fakeHost{}, failures: map[string]error{}}
}

func (c *fakeConnector) host(name string, replies map[string]reply) *fakeHost {
	h := &fakeHost{replies: replies}
	c.hosts[name] = h
	return h
}

func (c *fakeConnector) Connect(ctx context.Context, server mop.Server) (runtime.Session, error) {
	if wait, ok := c.blocked[server.Host]; ok {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", runtime.ErrConnection, ctx.Err())
		}
	}
	if err := c.failures[server.Host]; err != nil {
		return nil, err
	}
	h, ok := c.hosts[server.Host]
	if !ok {
		return nil, fmt.Errorf("%w: no route to %s", runtime.ErrConnection, server.Host)
	}
	return &fakeSession{host: h}, nil
}

type fakeArchive struct {
	mu      sync.Mutex
	results map[string]*mop.AssessmentResult
}

func (a *fakeArchive) SaveResult(ctx context.Context, result *mop.AssessmentResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.results == nil {
		a.results = map[string]*mop.AssessmentResult{}
	}
	a.results[result.JobID] = result
	return nil
}

func (a *fakeArchive) GetResult(ctx context.Context, jobID string) (*mop.AssessmentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.results[jobID]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

type fakeAdvisor struct{}

func (fakeAdvisor) Recommend(cmd mop.Command, res mop.CommandResult) []string {
	if res.Decision == mop.DecisionNotOK {
		return []string{"check " + cmd.ID}
	}
	return nil
}

// recordingStore captures every published percentage.
type recordingStore struct {
	*memory.Store
	mu          sync.Mutex
	percentages []float64
}

func (s *recordingStore) Update(ctx context.Context, id string, fn func(*store.Job) error) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.Store.Update(ctx, id, fn)
	if err == nil {
		s.percentages = append(s.percentages, job.Percentage)
	}
	return job, err
}

func servers(hosts ...string) []mop.Server {
	out := make([]mop.Server, len(hosts))
	for i, h := range hosts {
		out[i] = mop.Server{Host: h, Admin: mop.Credential{Username: "ops", Password: "secret"}}
	}
	return out
}

func newTestOrchestrator(c runtime.Connector, opts Options) (*Orchestrator, *memory.Store) {
	jobs := memory.New()
	return New(c, jobs, nil, nil, opts), jobs
}

func waitJob(t *testing.T, o *Orchestrator, id string) *store.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx, id))

	job, err := o.Status(ctx, id)
	require.NoError(t, err)
	require.True(t, job.Status.Terminal(), "job still %s", job.Status)
	return job
}

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	valid := []mop.Command{{ID: "a", Command: "true", OrderIndex: 1}}

	tests := []struct {
		name    string
		mop     mop.MOP
		servers []mop.Server
		wantErr error
	}{
		{"no commands", mop.MOP{Name: "empty"}, servers("h1"), ErrInvalidInput},
		{"no servers", mop.MOP{Commands: valid}, nil, ErrInvalidInput},
		{"missing host", mop.MOP{Commands: valid}, []mop.Server{{Name: "nohost"}}, ErrInvalidInput},
		{"empty command text", mop.MOP{Commands: []mop.Command{{ID: "a", OrderIndex: 1}}}, servers("h1"), ErrInvalidInput},
		{
			"duplicate order index",
			mop.MOP{Commands: []mop.Command{
				{ID: "a", Command: "true", OrderIndex: 1},
				{ID: "b", Command: "true", OrderIndex: 1},
			}},
			servers("h1"), ErrInvalidInput,
		},
		{
			"unknown condition type",
			mop.MOP{Commands: []mop.Command{
				{ID: "a", Command: "true", OrderIndex: 1},
				{ID: "b", Command: "true", OrderIndex: 2, SkipCondition: &mop.SkipCondition{ConditionID: "a", ConditionType: "maybe"}},
			}},
			servers("h1"), ErrInvalidInput,
		},
		{
			"forward reference",
			mop.MOP{Commands: []mop.Command{
				{ID: "a", Command: "true", OrderIndex: 1, SkipCondition: &mop.SkipCondition{ConditionID: "b", ConditionType: mop.ConditionOK}},
				{ID: "b", Command: "true", OrderIndex: 2},
			}},
			servers("h1"), ErrInvalidInput,
		},
		{
			"cycle",
			mop.MOP{Commands: []mop.Command{
				{ID: "a", Command: "true", OrderIndex: 1, SkipCondition: &mop.SkipCondition{ConditionID: "b", ConditionType: mop.ConditionOK}},
				{ID: "b", Command: "true", OrderIndex: 2, SkipCondition: &mop.SkipCondition{ConditionID: "a", ConditionType: mop.ConditionOK}},
			}},
			servers("h1"), ErrDependencyCycle,
		},
		{
			"bad expansion pattern",
			mop.MOP{Commands: []mop.Command{
				{ID: "a", Command: "ls", OrderIndex: 1},
				{ID: "b", Command: "stat {{item}}", OrderIndex: 2, Expand: &mop.Expansion{Source: "a", Pattern: "("}},
			}},
			servers("h1"), ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, jobs := newTestOrchestrator(newFakeConnector(), Options{})
			_, err := o.Submit(context.Background(), tt.mop, tt.servers)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			list, _ := jobs.List(context.Background())
			assert.Empty(t, list, "rejected submission must not create a job")
		})
	}
}

func TestOrchestrator_OneUnreachableServer(t *testing.T) {
	c := newFakeConnector()
	c.host("10.0.0.1", map[string]reply{"df": {out: "95\n"}, "hostname": {out: "web01\n"}})
	c.host("10.0.0.3", map[string]reply{"df": {out: "80\n"}, "hostname": {out: "web03\n"}})
	c.failures["10.0.0.2"] = fmt.Errorf("%w: connection refused", runtime.ErrConnection)

	m := mop.MOP{ID: "m1", Name: "baseline", Commands: []mop.Command{
		{ID: "disk", Command: "df", ComparatorMethod: "numeric:>=", ReferenceValue: "90", OrderIndex: 1},
		{ID: "name", Command: "hostname", ComparatorMethod: "contains", ReferenceValue: "web", OrderIndex: 2},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("10.0.0.1", "10.0.0.2", "10.0.0.3"))
	require.NoError(t, err)

	job := waitJob(t, o, id)
	assert.Equal(t, mop.JobCompleted, job.Status)
	assert.Equal(t, 100.0, job.Percentage)
	assert.Equal(t, 3, job.CurrentServer)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 6)

	var got []string
	for _, r := range result.Results {
		got = append(got, r.ServerIP+"/"+r.CommandID+"="+string(r.Decision))
	}
	assert.Equal(t, []string{
		"10.0.0.1/disk=OK", "10.0.0.1/name=OK",
		"10.0.0.2/disk=N_A", "10.0.0.2/name=N_A",
		"10.0.0.3/disk=NOT_OK", "10.0.0.3/name=OK",
	}, got)

	for _, r := range result.Results[2:4] {
		assert.Contains(t, r.Error, "connection refused")
		assert.Nil(t, r.ExitStatus)
	}
}

func TestOrchestrator_AllServersUnreachable(t *testing.T) {
	c := newFakeConnector()
	m := mop.MOP{Name: "baseline", Commands: []mop.Command{{ID: "a", Command: "true", OrderIndex: 1}}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1", "h2"))
	require.NoError(t, err)

	job := waitJob(t, o, id)
	assert.Equal(t, mop.JobFailed, job.Status)
	assert.Equal(t, 100.0, job.Percentage)
	assert.Contains(t, job.Error, "unreachable")

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	for _, r := range result.Results {
		assert.Equal(t, mop.DecisionNA, r.Decision)
	}
}

func TestOrchestrator_SkipWhenConditionNotMet(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{"check": {out: "ok\n"}})

	m := mop.MOP{Name: "skip", Commands: []mop.Command{
		{ID: "cmd2", Command: "repair", OrderIndex: 2,
			SkipCondition: &mop.SkipCondition{ConditionID: "cmd1", ConditionType: mop.ConditionNotOK}},
		{ID: "cmd1", Command: "check", ComparatorMethod: "exact", ReferenceValue: "ok", OrderIndex: 1},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	assert.Equal(t, "cmd1", result.Results[0].CommandID)
	assert.Equal(t, mop.DecisionOK, result.Results[0].Decision)

	second := result.Results[1]
	assert.Equal(t, "cmd2", second.CommandID)
	assert.Equal(t, mop.DecisionSkipped, second.Decision)
	assert.Contains(t, second.SkipReason, "cmd1")
	assert.Contains(t, second.SkipReason, "OK")

	assert.Equal(t, []string{"check"}, h.commands(), "skipped command must not be dispatched")
}

func TestOrchestrator_SkipPropagates(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{"a": {out: "yes"}})

	m := mop.MOP{Name: "chain", Commands: []mop.Command{
		{ID: "a", Command: "a", OrderIndex: 1},
		{ID: "b", Command: "b", OrderIndex: 2, SkipCondition: &mop.SkipCondition{ConditionID: "a", ConditionType: mop.ConditionEmpty}},
		{ID: "c", Command: "c", OrderIndex: 3, SkipCondition: &mop.SkipCondition{ConditionID: "b", ConditionType: mop.ConditionOK}},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 3)
	assert.Equal(t, mop.DecisionSkipped, result.Results[1].Decision)
	assert.Equal(t, mop.DecisionSkipped, result.Results[2].Decision)
	assert.Contains(t, result.Results[2].SkipReason, "skipped")
	assert.Equal(t, []string{"a"}, h.commands())
}

func TestOrchestrator_NumericThreshold(t *testing.T) {
	c := newFakeConnector()
	c.host("h1", map[string]reply{"cat /proc/loadavg": {out: "95"}})

	m := mop.MOP{Name: "numeric", Commands: []mop.Command{
		{ID: "n", Command: "cat /proc/loadavg", ComparatorMethod: "numeric:>=", ReferenceValue: "90", OrderIndex: 1},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "95", result.Results[0].ActualValue)
	assert.Equal(t, mop.DecisionOK, result.Results[0].Decision)
	require.NotNil(t, result.Results[0].ExitStatus)
	assert.Equal(t, 0, *result.Results[0].ExitStatus)
}

func TestOrchestrator_CancelMidRun(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{"one": {out: "1"}, "two": {out: "2"}, "three": {out: "3"}})
	h.started = make(chan struct{})
	h.release = make(chan struct{})

	m := mop.MOP{Name: "cancel", Commands: []mop.Command{
		{ID: "one", Command: "one", ComparatorMethod: "always", OrderIndex: 1},
		{ID: "two", Command: "two", OrderIndex: 2},
		{ID: "three", Command: "three", OrderIndex: 3},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)

	<-h.started
	require.NoError(t, o.Cancel(context.Background(), id))
	require.NoError(t, o.Cancel(context.Background(), id))

	_, err = o.Result(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotReady)

	close(h.release)

	job := waitJob(t, o, id)
	assert.Equal(t, mop.JobCancelled, job.Status)
	assert.Equal(t, []string{"one"}, h.commands(), "no command may start after cancel")

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 1, "in-flight command result is retained")
	assert.Equal(t, "one", result.Results[0].CommandID)
	assert.Equal(t, "1", result.Results[0].ActualValue)

	require.NoError(t, o.Cancel(context.Background(), id), "cancel on a terminal job is a no-op")
	after, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, mop.JobCancelled, after.Status)
}

func TestOrchestrator_ConnectionLost(t *testing.T) {
	c := newFakeConnector()
	c.host("h1", map[string]reply{
		"one": {out: "1"},
		"two": {err: fmt.Errorf("%w: EOF", runtime.ErrConnectionLost)},
	})

	m := mop.MOP{Name: "lost", Commands: []mop.Command{
		{ID: "one", Command: "one", ComparatorMethod: "always", OrderIndex: 1},
		{ID: "two", Command: "two", OrderIndex: 2},
		{ID: "three", Command: "three", OrderIndex: 3},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)

	job := waitJob(t, o, id)
	assert.Equal(t, mop.JobCompleted, job.Status)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 3)
	assert.Equal(t, mop.DecisionOK, result.Results[0].Decision)
	assert.Equal(t, mop.DecisionNA, result.Results[1].Decision)
	assert.Equal(t, mop.DecisionNA, result.Results[2].Decision)
	assert.Contains(t, result.Results[2].Error, "connection lost")
}

func TestOrchestrator_TimeoutContinues(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{
		"slow": {err: fmt.Errorf("%w after 1s", runtime.ErrCommandTimeout)},
		"fast": {out: "done"},
	})

	m := mop.MOP{Name: "timeout", Commands: []mop.Command{
		{ID: "slow", Command: "slow", TimeoutSeconds: 1, OrderIndex: 1},
		{ID: "fast", Command: "fast", ComparatorMethod: "exact", ReferenceValue: "done", OrderIndex: 2},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, mop.DecisionNA, result.Results[0].Decision)
	assert.Contains(t, result.Results[0].Reason, "timed out after 1s")
	assert.Equal(t, mop.DecisionOK, result.Results[1].Decision)
	assert.Equal(t, []string{"slow", "fast"}, h.commands())
}

func TestOrchestrator_TimedOutPrerequisiteSkipsEmptyCondition(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{
		"check": {err: fmt.Errorf("%w after 1s", runtime.ErrCommandTimeout)},
		"fix":   {out: "fixed"},
	})

	m := mop.MOP{Name: "timeout-gate", Commands: []mop.Command{
		{ID: "check", Command: "check", TimeoutSeconds: 1, OrderIndex: 1},
		{ID: "fix", Command: "fix", ComparatorMethod: "always", OrderIndex: 2,
			SkipCondition: &mop.SkipCondition{ConditionID: "check", ConditionType: mop.ConditionEmpty}},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, mop.DecisionNA, result.Results[0].Decision)
	assert.Equal(t, mop.DecisionSkipped, result.Results[1].Decision)
	assert.Equal(t, "prerequisite check has no usable outcome (N_A)", result.Results[1].SkipReason)
	assert.Equal(t, []string{"check"}, h.commands())
}

func TestOrchestrator_Expansion(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{
		"mounts":     {out: "/\n/var\n/\n"},
		"usage /":    {out: "40"},
		"usage /var": {out: "95"},
		"cleanup":    {out: "freed"},
	})

	m := mop.MOP{Name: "expand", Commands: []mop.Command{
		{ID: "mounts", Command: "mounts", OrderIndex: 1},
		{ID: "usage", Command: "usage {{item}}", ComparatorMethod: "numeric:<=", ReferenceValue: "90",
			OrderIndex: 2, Expand: &mop.Expansion{Source: "mounts"}},
		{ID: "cleanup", Command: "cleanup", ComparatorMethod: "always", OrderIndex: 3,
			SkipCondition: &mop.SkipCondition{ConditionID: "usage", ConditionType: mop.ConditionNotOK}},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)

	job := waitJob(t, o, id)
	assert.Equal(t, 3, job.CurrentCommand)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 4)

	first, second := result.Results[1], result.Results[2]
	assert.Equal(t, "usage#1", first.CommandID)
	assert.Equal(t, "usage", first.ExpandedFrom)
	assert.Equal(t, "usage /", first.Command)
	assert.Equal(t, mop.DecisionOK, first.Decision)

	assert.Equal(t, "usage#2", second.CommandID)
	assert.Equal(t, "usage", second.ExpandedFrom)
	assert.Equal(t, mop.DecisionNotOK, second.Decision)

	assert.Equal(t, mop.DecisionOK, result.Results[3].Decision, "one NOT_OK instance satisfies not_ok on the template")
	assert.Equal(t, []string{"mounts", "usage /", "usage /var", "cleanup"}, h.commands())
}

func TestOrchestrator_ExpansionWithoutTargets(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{"mounts": {out: "\n"}})

	m := mop.MOP{Name: "expand", Commands: []mop.Command{
		{ID: "mounts", Command: "mounts", OrderIndex: 1},
		{ID: "usage", Command: "usage {{item}}", OrderIndex: 2, Expand: &mop.Expansion{Source: "mounts"}},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "usage", result.Results[1].CommandID)
	assert.Equal(t, mop.DecisionSkipped, result.Results[1].Decision)
	assert.Equal(t, "no targets discovered", result.Results[1].SkipReason)
	assert.Equal(t, []string{"mounts"}, h.commands())
}

func TestOrchestrator_TemplateSkipCondition(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{
		"gate":   {out: "closed"},
		"mounts": {out: "/\n/var\n/home\n"},
	})

	m := mop.MOP{Name: "gated", Commands: []mop.Command{
		{ID: "gate", Command: "gate", ComparatorMethod: "exact", ReferenceValue: "open", OrderIndex: 1},
		{ID: "mounts", Command: "mounts", ComparatorMethod: "always", OrderIndex: 2},
		{ID: "usage", Command: "usage {{item}}", OrderIndex: 3, Expand: &mop.Expansion{Source: "mounts"},
			SkipCondition: &mop.SkipCondition{ConditionID: "gate", ConditionType: mop.ConditionOK}},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 3, "an unmet template condition records one result, not one per instance")

	usage := result.Results[2]
	assert.Equal(t, "usage", usage.CommandID)
	assert.Empty(t, usage.ExpandedFrom)
	assert.Equal(t, mop.DecisionSkipped, usage.Decision)
	assert.Contains(t, usage.SkipReason, "gate was NOT_OK")
	assert.Equal(t, []string{"gate", "mounts"}, h.commands())
}

func TestOrchestrator_TemplateSkipReasonWinsOverEmptyDiscovery(t *testing.T) {
	c := newFakeConnector()
	c.host("h1", map[string]reply{
		"gate":   {out: "closed"},
		"mounts": {out: ""},
	})

	m := mop.MOP{Name: "gated", Commands: []mop.Command{
		{ID: "gate", Command: "gate", ComparatorMethod: "exact", ReferenceValue: "open", OrderIndex: 1},
		{ID: "mounts", Command: "mounts", ComparatorMethod: "always", OrderIndex: 2},
		{ID: "usage", Command: "usage {{item}}", OrderIndex: 3, Expand: &mop.Expansion{Source: "mounts"},
			SkipCondition: &mop.SkipCondition{ConditionID: "gate", ConditionType: mop.ConditionOK}},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 3)
	assert.Equal(t, mop.DecisionSkipped, result.Results[2].Decision)
	assert.NotEqual(t, "no targets discovered", result.Results[2].SkipReason)
	assert.Contains(t, result.Results[2].SkipReason, "condition gate")
}

func TestOrchestrator_ExpansionOverExpandedTemplate(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{
		"mounts":        {out: "/\n/var\n"},
		"owner /":       {out: "root\n"},
		"owner /var":    {out: "daemon\n"},
		"groups root":   {out: "ok"},
		"groups daemon": {out: "ok"},
	})

	m := mop.MOP{Name: "chain", Commands: []mop.Command{
		{ID: "mounts", Command: "mounts", ComparatorMethod: "always", OrderIndex: 1},
		{ID: "owner", Command: "owner {{item}}", ComparatorMethod: "always", OrderIndex: 2,
			Expand: &mop.Expansion{Source: "mounts"}},
		{ID: "groups", Command: "groups {{item}}", ComparatorMethod: "exact", ReferenceValue: "ok", OrderIndex: 3,
			Expand: &mop.Expansion{Source: "owner"}},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	assert.Equal(t, []string{"mounts", "owner /", "owner /var", "groups root", "groups daemon"}, h.commands())

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, result.Results, 5)
	for _, res := range result.Results {
		assert.Equal(t, mop.DecisionOK, res.Decision, res.CommandID)
	}
}

func TestOrchestrator_StalledConnectDoesNotDelayOthers(t *testing.T) {
	c := newFakeConnector()
	c.host("stalled", map[string]reply{})
	fast := c.host("fast", map[string]reply{"one": {out: "1"}, "two": {out: "2"}})
	release := make(chan struct{})
	c.blocked = map[string]chan struct{}{"stalled": release}

	m := mop.MOP{Name: "isolation", Commands: []mop.Command{
		{ID: "one", Command: "one", ComparatorMethod: "always", OrderIndex: 1},
		{ID: "two", Command: "two", ComparatorMethod: "always", OrderIndex: 2},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("stalled", "fast"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := o.Status(context.Background(), id)
		return err == nil && len(job.Servers) == 2 && job.Servers[1].Done
	}, 5*time.Second, 10*time.Millisecond, "fast server must finish while the other is still connecting")

	job, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, mop.JobRunning, job.Status)
	assert.False(t, job.Servers[0].Done)
	assert.InDelta(t, 50.0, job.Percentage, 0.01)
	assert.Equal(t, []string{"one", "two"}, fast.commands())

	close(release)
	job = waitJob(t, o, id)
	assert.Equal(t, mop.JobCompleted, job.Status)
}

func TestOrchestrator_RendersPlaceholders(t *testing.T) {
	c := newFakeConnector()
	h := c.host("10.1.1.1", map[string]reply{"ping -c1 10.1.1.1": {out: "1 received"}})

	m := mop.MOP{Name: "render", Commands: []mop.Command{
		{ID: "ping", Command: "ping -c1 {{host}}", ComparatorMethod: "contains", ReferenceValue: "1 received", OrderIndex: 1},
	}}

	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("10.1.1.1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ping -c1 10.1.1.1", result.Results[0].Command)
	assert.Equal(t, mop.DecisionOK, result.Results[0].Decision)
	assert.Equal(t, []string{"ping -c1 10.1.1.1"}, h.commands())
}

func TestOrchestrator_PercentageIsMonotonic(t *testing.T) {
	c := newFakeConnector()
	hosts := []string{"h1", "h2", "h3", "h4", "h5"}
	for _, name := range hosts {
		c.host(name, map[string]reply{})
	}

	var cmds []mop.Command
	for i := 1; i <= 7; i++ {
		cmds = append(cmds, mop.Command{ID: fmt.Sprintf("c%d", i), Command: fmt.Sprintf("step %d", i), OrderIndex: i})
	}

	jobs := &recordingStore{Store: memory.New()}
	o := New(c, jobs, nil, nil, Options{MaxConcurrency: 2})
	id, err := o.Submit(context.Background(), mop.MOP{Name: "many", Commands: cmds}, servers(hosts...))
	require.NoError(t, err)

	job := waitJob(t, o, id)
	assert.Equal(t, mop.JobCompleted, job.Status)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.NotEmpty(t, jobs.percentages)
	for i := 1; i < len(jobs.percentages); i++ {
		assert.GreaterOrEqual(t, jobs.percentages[i], jobs.percentages[i-1], "percentage moved backwards at update %d", i)
	}
	assert.Equal(t, 100.0, jobs.percentages[len(jobs.percentages)-1])
}

func TestOrchestrator_TerminalStatusIsStable(t *testing.T) {
	c := newFakeConnector()
	c.host("h1", map[string]reply{})

	m := mop.MOP{Name: "stable", Commands: []mop.Command{{ID: "a", Command: "a", OrderIndex: 1}}}
	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)

	first := waitJob(t, o, id)
	for range 3 {
		again, err := o.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, first.Status, again.Status)
		assert.Equal(t, first.Percentage, again.Percentage)
		assert.Equal(t, time.Duration(0), again.EstimatedRemaining(time.Now()))
	}
	assert.Equal(t, 100.0, first.Percentage)
}

func TestOrchestrator_StatusUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeConnector(), Options{})

	_, err := o.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = o.Result(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, o.Cancel(context.Background(), "missing"), store.ErrNotFound)
}

func TestOrchestrator_ArchiveAndAdvisor(t *testing.T) {
	c := newFakeConnector()
	c.host("h1", map[string]reply{"df": {out: "99"}})

	archive := &fakeArchive{}
	o := New(c, memory.New(), archive, fakeAdvisor{}, Options{})

	m := mop.MOP{Name: "archive", Commands: []mop.Command{
		{ID: "disk", Command: "df", ComparatorMethod: "numeric:<", ReferenceValue: "90", OrderIndex: 1},
	}}
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	waitJob(t, o, id)

	result, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"check disk"}, result.Results[0].Recommendations)

	require.NoError(t, o.Delete(context.Background(), id))
	_, err = o.Status(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	archived, err := o.Result(context.Background(), id)
	require.NoError(t, err, "evicted job falls back to the archive")
	assert.Equal(t, id, archived.JobID)
	assert.Equal(t, mop.JobCompleted, archived.Status)
}

func TestOrchestrator_DeleteRunningJob(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{})
	h.started = make(chan struct{})
	h.release = make(chan struct{})

	m := mop.MOP{Name: "busy", Commands: []mop.Command{{ID: "a", Command: "a", OrderIndex: 1}}}
	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)

	<-h.started
	err = o.Delete(context.Background(), id)
	assert.True(t, errors.Is(err, store.ErrNotReady), "got %v", err)

	close(h.release)
	waitJob(t, o, id)
	assert.NoError(t, o.Delete(context.Background(), id))
}

func TestOrchestrator_Shutdown(t *testing.T) {
	c := newFakeConnector()
	h := c.host("h1", map[string]reply{})
	h.started = make(chan struct{})
	h.release = make(chan struct{})

	m := mop.MOP{Name: "shutdown", Commands: []mop.Command{
		{ID: "a", Command: "a", OrderIndex: 1},
		{ID: "b", Command: "b", OrderIndex: 2},
	}}
	o, _ := newTestOrchestrator(c, Options{})
	id, err := o.Submit(context.Background(), m, servers("h1"))
	require.NoError(t, err)
	<-h.started
	assert.Equal(t, int64(1), o.ActiveJobs())

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(h.release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	job, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, mop.JobCancelled, job.Status)
	assert.Equal(t, int64(0), o.ActiveJobs())
}
