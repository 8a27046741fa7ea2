// Package worker contains the assessment engine: one runner per server,
// fanned out and tracked by the Orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mopplane/internal/logger"
	"mopplane/internal/observability"
	"mopplane/internal/store"
	"mopplane/internal/worker/runtime"
	"mopplane/pkg/mop"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Options configures the Orchestrator.
type Options struct {
	MaxConcurrency int           // Runners per job in parallel (default: 50)
	CommandTimeout time.Duration // Used when a command has no timeout_seconds (default: 30s)
	LogLines       int           // Rolling log size per job (default: 200)
	DialRate       float64       // New connections per second across all jobs, 0 for unlimited
	Retention      time.Duration // How long terminal jobs stay in the store (default: 24h)
	Logger         *slog.Logger
	Metrics        *observability.EngineMetrics
}

// execution tracks a running job.
type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator runs assessments and tracks their progress in a JobStore.
type Orchestrator struct {
	connector runtime.Connector
	jobs      store.JobStore
	archive   store.Archive
	advisor   Advisor
	opts      Options
	limiter   *rate.Limiter
	now       func() time.Time

	mu      sync.Mutex
	running map[string]*execution
	wg      sync.WaitGroup
}

// New creates an Orchestrator. archive and advisor may be nil.
func New(connector runtime.Connector, jobs store.JobStore, archive store.Archive, advisor Advisor, opts Options) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 50
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.LogLines <= 0 {
		opts.LogLines = 200
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.DialRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.DialRate), max(1, int(opts.DialRate)))
	}

	return &Orchestrator{
		connector: connector,
		jobs:      jobs,
		archive:   archive,
		advisor:   advisor,
		opts:      opts,
		limiter:   limiter,
		now:       time.Now,
		running:   make(map[string]*execution),
	}
}

// Submit validates the MOP and servers, registers a job and starts it in the
// background. It returns the job id without waiting for any connection.
func (o *Orchestrator) Submit(ctx context.Context, m mop.MOP, servers []mop.Server) (string, error) {
	if err := validate(m, servers); err != nil {
		return "", err
	}

	id := uuid.NewString()
	job := store.NewJob(id, m, servers, o.now().UTC())
	if err := o.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	// The job outlives the submitting request but keeps its trace.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logger.WithJobID(runCtx, id)
	exec := &execution{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.running[id] = exec
	o.mu.Unlock()

	snapshot := mop.MOP{ID: m.ID, Name: m.Name, Commands: m.Ordered()}
	targets := append([]mop.Server(nil), servers...)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(exec.done)
		defer cancel()
		o.run(runCtx, id, snapshot, targets)
	}()

	return id, nil
}

// run fans out one runner per server and finalizes the job once all have returned.
func (o *Orchestrator) run(ctx context.Context, id string, m mop.MOP, servers []mop.Server) {
	log := logger.FromContext(ctx, o.opts.Logger)

	ctx, span := otel.Tracer("mopplane/worker").Start(ctx, "assessment",
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.String("mop.name", m.Name),
			attribute.Int("servers.total", len(servers)),
			attribute.Int("commands.total", len(m.Commands)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	started := o.now().UTC()
	o.update(id, func(j *store.Job) {
		j.Status = mop.JobRunning
		j.StartedAt = started
		j.AppendLog(fmt.Sprintf("assessment %q started on %d servers", m.Name, len(servers)), o.opts.LogLines)
	})
	log.Info("assessment started", "mop", m.Name, "servers", len(servers), "commands", len(m.Commands))

	runners := make([]*runner, len(servers))
	sem := make(chan struct{}, min(o.opts.MaxConcurrency, len(servers)))
	var wg sync.WaitGroup

	for i, server := range servers {
		r := &runner{
			index:          i,
			server:         server,
			commands:       m.Commands,
			connector:      o.connector,
			advisor:        o.advisor,
			defaultTimeout: o.opts.CommandTimeout,
			dialLimiter:    o.limiter,
			metrics:        o.opts.Metrics,
			logger:         log,
			now:            o.now,
			report: func(p progress) {
				o.update(id, func(j *store.Job) {
					j.SetServerProgress(p.server, p.completed, p.done, p.connectionFailed)
					if p.line != "" {
						j.AppendLog(p.line, o.opts.LogLines)
					}
				})
			},
		}
		runners[i] = r

		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			r.run(ctx)
		}()
	}
	wg.Wait()

	o.finalize(ctx, id, m, started, runners)
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
	}
}

// finalize assembles the result, publishes the terminal snapshot and archives it.
func (o *Orchestrator) finalize(ctx context.Context, id string, m mop.MOP, started time.Time, runners []*runner) {
	log := logger.FromContext(ctx, o.opts.Logger)

	result := &mop.AssessmentResult{
		JobID:      id,
		MOPID:      m.ID,
		MOPName:    m.Name,
		Results:    []mop.CommandResult{},
		StartedAt:  started,
		FinishedAt: o.now().UTC(),
	}

	unreachable := 0
	for _, r := range runners {
		result.Results = append(result.Results, r.results...)
		if r.connectFailed {
			unreachable++
		}
	}

	switch {
	case ctx.Err() != nil:
		result.Status = mop.JobCancelled
		result.Error = "assessment cancelled"
	case unreachable == len(runners):
		result.Status = mop.JobFailed
		result.Error = fmt.Sprintf("all %d servers unreachable", unreachable)
	default:
		result.Status = mop.JobCompleted
	}

	o.update(id, func(j *store.Job) {
		j.Status = result.Status
		j.Error = result.Error
		j.FinishedAt = result.FinishedAt
		j.Result = result
		if result.Status != mop.JobCancelled {
			j.Percentage = 100
			j.CurrentServer = j.TotalServers
			j.CurrentCommand = j.TotalCommands
		}
		j.AppendLog(fmt.Sprintf("assessment %s: %d results", result.Status, len(result.Results)), o.opts.LogLines)
	})
	log.Info("assessment finished", "status", result.Status, "results", len(result.Results), "unreachable", unreachable)

	if o.archive != nil {
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.archive.SaveResult(archiveCtx, result); err != nil {
			log.Error("failed to archive result", "error", err)
		}
	}
}

// update applies fn to the job snapshot. Progress never blocks the runners,
// and updates arriving after the job turned terminal are dropped.
func (o *Orchestrator) update(id string, fn func(*store.Job)) {
	_, err := o.jobs.Update(context.Background(), id, func(j *store.Job) error {
		fn(j)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		o.opts.Logger.Warn("failed to update job", "job_id", id, "error", err)
	}
}

// Status returns the current job snapshot.
func (o *Orchestrator) Status(ctx context.Context, id string) (*store.Job, error) {
	return o.jobs.Get(ctx, id)
}

// Result returns the final result of a terminal job. Jobs evicted from the
// store are looked up in the archive.
func (o *Orchestrator) Result(ctx context.Context, id string) (*mop.AssessmentResult, error) {
	job, err := o.jobs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) && o.archive != nil {
		return o.archive.GetResult(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() || job.Result == nil {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, store.ErrNotReady)
	}
	return job.Result, nil
}

// Cancel asks every runner of the job to stop after its current command.
// Cancelling a terminal job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	o.mu.Lock()
	exec, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	exec.cancel()
	o.update(id, func(j *store.Job) {
		j.AppendLog("cancellation requested", o.opts.LogLines)
	})
	return nil
}

// Delete evicts a terminal job from the store.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, store.ErrNotReady)
	}
	return o.jobs.Delete(ctx, id)
}

// List returns all known jobs, oldest first.
func (o *Orchestrator) List(ctx context.Context) ([]*store.Job, error) {
	return o.jobs.List(ctx)
}

// Wait blocks until the job has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.Lock()
	exec, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveJobs reports the number of jobs still running.
func (o *Orchestrator) ActiveJobs() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := int64(0)
	for _, exec := range o.running {
		select {
		case <-exec.done:
		default:
			n++
		}
	}
	return n
}

// RunSweeper evicts terminal jobs older than the retention period until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	n, err := o.jobs.Sweep(ctx, o.now().Add(-o.opts.Retention))
	if err != nil {
		o.opts.Logger.Error("job sweep failed", "error", err)
		return
	}

	o.mu.Lock()
	for id, exec := range o.running {
		select {
		case <-exec.done:
			if _, err := o.jobs.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
				delete(o.running, id)
			}
		default:
		}
	}
	o.mu.Unlock()

	if n > 0 {
		o.opts.Logger.Info("swept terminal jobs", "count", n)
	}
}

// Shutdown cancels all running jobs and waits for them to finalize.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, exec := range o.running {
		exec.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
