package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStatusMismatch is returned by CompareAndTransition when the stored status
// differs from the expected one. The record is left untouched.
var ErrStatusMismatch = errors.New("job status does not match expected status")

// Mutation edits a job in place. Returning an error aborts the transition and
// nothing is written; the error is passed back to the caller unchanged.
type Mutation func(job *models.Job) error

// Store is the Job Record Store. It is the only owner of job state; every
// state change goes through CompareAndTransition. Implementations must be safe
// for concurrent use and must not serialize transitions of unrelated jobs
// behind one lock.
type Store interface {
	Ping(ctx context.Context) error

	// Insert adds a new job. Returns ErrDuplicateKey if the ID is taken.
	Insert(ctx context.Context, job *models.Job) error

	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// FindOldestPending returns the pending job with the oldest CreatedAt
	// (ties broken by ID), or nil if there is none. The result is a snapshot:
	// its status must be re-validated by CompareAndTransition.
	FindOldestPending(ctx context.Context) (*models.Job, error)

	// CompareAndTransition atomically loads the job, checks that its status
	// equals expected, applies mutate and persists the result. Returns the
	// updated job, ErrNotFound, ErrStatusMismatch, or the mutation's error.
	CompareAndTransition(ctx context.Context, id uuid.UUID, expected models.JobStatus, mutate Mutation) (*models.Job, error)

	// ListByStatus returns copies of all jobs currently in status.
	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	// CountByStatus returns the number of jobs in each status.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	Close() error
}

// Claimer is implemented by stores that can select and claim the oldest
// pending job in one atomic step, skipping rows other claimers hold. mutate
// receives the selected pending job. Returns nil when nothing is pending or
// every pending job is locked by a concurrent claim.
type Claimer interface {
	ClaimOldestPending(ctx context.Context, mutate Mutation) (*models.Job, error)
}
