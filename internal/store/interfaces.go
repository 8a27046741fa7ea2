package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mopplane/pkg/mop"
)

var (
	// ErrNotFound means no job or archived result exists for the id.
	ErrNotFound = errors.New("not found")

	// ErrNotReady means the job has not reached a terminal state yet.
	ErrNotReady = errors.New("result not ready")

	// ErrTerminal means an update was attempted on a job that is already terminal.
	ErrTerminal = errors.New("job is terminal")
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// JobStore holds the live record of every job, addressed by job id.
// Readers always observe a complete snapshot; writers replace the snapshot atomically.
type JobStore interface {
	// Create registers a new job. The id must be unused.
	Create(ctx context.Context, job *Job) error

	// Get returns the current snapshot of a job.
	Get(ctx context.Context, id string) (*Job, error)

	// Update applies fn to a copy of the current snapshot and publishes the copy.
	// fn may run more than once under contention and must not block.
	// Returns ErrTerminal if the job is already terminal.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)

	// Delete evicts a job.
	Delete(ctx context.Context, id string) error

	// List returns all jobs, oldest first.
	List(ctx context.Context) ([]*Job, error)

	// Sweep evicts terminal jobs that finished before cutoff and returns how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Archive persists terminal assessment results beyond the job's lifetime in the JobStore.
type Archive interface {
	// SaveResult stores a terminal result. Saving the same job twice replaces it.
	SaveResult(ctx context.Context, result *mop.AssessmentResult) error

	// GetResult returns an archived result, or ErrNotFound.
	GetResult(ctx context.Context, jobID string) (*mop.AssessmentResult, error)
}
