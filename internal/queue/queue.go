package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobqueue/internal/cache"
	"github.com/kiranshivaraju/jobqueue/internal/config"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// terminalCacheTTL bounds how long a finished job is served from Redis.
// Terminal jobs never change, so the TTL only limits memory use.
const terminalCacheTTL = 30 * time.Minute

// SweepResult summarises one pass of SweepAbandoned.
type SweepResult struct {
	Scanned  int
	Requeued int
	Failed   int
	Skipped  int
	Errors   int
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithRecorder attaches an instrumentation sink.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithCache enables the read-through cache for terminal jobs.
func WithCache(c cache.Cache) Option {
	return func(q *Queue) { q.cache = c }
}

// Queue implements the job lifecycle on top of a Store. Every write after
// Submit goes through Store.CompareAndTransition, so two operations racing on
// the same job are decided by whichever reaches the record lock first.
type Queue struct {
	store        store.Store
	cache        cache.Cache
	clock        Clock
	recorder     Recorder
	abandonedAge time.Duration
	maxAttempts  int
}

// New creates a Queue over st using the lease and retry policy in cfg.
func New(st store.Store, cfg config.QueueConfig, opts ...Option) *Queue {
	q := &Queue{
		store:        st,
		clock:        SystemClock,
		recorder:     nopRecorder{},
		abandonedAge: cfg.AbandonedAge,
		maxAttempts:  cfg.MaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Ping reports whether the backing store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

// now returns the current instant at the store's millisecond precision.
func (q *Queue) now() time.Time {
	return q.clock.Now().UTC().Truncate(time.Millisecond)
}

// stamp returns a timestamp for the next write to job that never moves
// updated_at backwards, even if the clock does.
func (q *Queue) stamp(job *models.Job) time.Time {
	now := q.now()
	if now.Before(job.UpdatedAt) {
		return job.UpdatedAt
	}
	return now
}

// Submit records a new pending job.
func (q *Queue) Submit(ctx context.Context, binaryAddr string, inputAddr *string) (*models.Job, error) {
	if strings.TrimSpace(binaryAddr) == "" {
		return nil, fmt.Errorf("%w: binary_addr is required", ErrInvalidRequest)
	}

	now := q.now()
	job := &models.Job{
		ID:         uuid.New(),
		Status:     models.JobStatusPending,
		BinaryAddr: binaryAddr,
		InputAddr:  inputAddr,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return nil, q.storeError("insert job", err)
	}

	q.recorder.JobSubmitted()
	slog.Debug("job submitted", "job_id", job.ID, "binary_addr", binaryAddr)
	return job, nil
}

// Get returns the job with the given ID. Finished jobs are served from the
// cache when one is configured.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if job, ok := q.cachedJob(ctx, id); ok {
		return job, nil
	}

	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, q.storeError("get job", err)
	}
	if job.Status.Terminal() {
		q.cacheJob(ctx, job)
	}
	return job, nil
}

// Claim hands the oldest pending job to runnerID. It returns
// ErrNoWorkAvailable when nothing is pending. Stores implementing
// store.Claimer select and claim in one step; otherwise a candidate taken by
// a concurrent claimer between selection and transition is skipped and the
// selection is repeated.
func (q *Queue) Claim(ctx context.Context, runnerID string) (*models.Job, error) {
	if strings.TrimSpace(runnerID) == "" {
		return nil, fmt.Errorf("%w: runner_id is required", ErrInvalidRequest)
	}

	var waited time.Duration
	activate := func(j *models.Job) error {
		now := q.stamp(j)
		waited = now.Sub(j.UpdatedAt)
		runner := runnerID
		j.Status = models.JobStatusActive
		j.RunnerID = &runner
		j.RunAttempts++
		j.UpdatedAt = now
		return nil
	}

	var job *models.Job
	var err error
	if c, ok := q.store.(store.Claimer); ok {
		job, err = c.ClaimOldestPending(ctx, activate)
		if err != nil {
			return nil, q.storeError("claim job", err)
		}
	} else {
		job, err = q.findAndClaim(ctx, runnerID, activate)
		if err != nil {
			return nil, err
		}
	}
	if job == nil {
		return nil, ErrNoWorkAvailable
	}

	q.recorder.JobClaimed(waited)
	slog.Info("job claimed", "job_id", job.ID, "runner_id", runnerID, "run_attempts", job.RunAttempts)
	return job, nil
}

// findAndClaim selects the oldest pending job and transitions it with
// activate, retrying when another claimer wins the candidate. Returns nil
// when nothing is pending.
func (q *Queue) findAndClaim(ctx context.Context, runnerID string, activate store.Mutation) (*models.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidate, err := q.store.FindOldestPending(ctx)
		if err != nil {
			return nil, q.storeError("find pending job", err)
		}
		if candidate == nil {
			return nil, nil
		}

		job, err := q.store.CompareAndTransition(ctx, candidate.ID, models.JobStatusPending, activate)
		if errors.Is(err, store.ErrStatusMismatch) || errors.Is(err, store.ErrNotFound) {
			slog.Debug("claim lost race, retrying", "job_id", candidate.ID, "runner_id", runnerID)
			continue
		}
		if err != nil {
			return nil, q.storeError("claim job", err)
		}
		return job, nil
	}
}

// Tickle extends the lease on an active job.
func (q *Queue) Tickle(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := q.store.CompareAndTransition(ctx, id, models.JobStatusActive, func(j *models.Job) error {
		j.UpdatedAt = q.stamp(j)
		return nil
	})
	if err != nil {
		return nil, q.storeError("tickle job", err)
	}
	return job, nil
}

// Complete ends an active job with the given outcome. outputAddr is required
// for completed and must be nil for failed. The state check comes first: a job
// that is no longer active, including one already reclaimed by the sweeper,
// yields ErrInvalidState whatever the output.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, outcome models.JobStatus, outputAddr *string) (*models.Job, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("%w: status must be completed or failed, got %q", ErrInvalidRequest, outcome)
	}

	job, err := q.store.CompareAndTransition(ctx, id, models.JobStatusActive, func(j *models.Job) error {
		if err := checkOutput(outcome, outputAddr); err != nil {
			return err
		}
		now := q.stamp(j)
		j.Status = outcome
		if outputAddr != nil {
			out := *outputAddr
			j.OutputAddr = &out
		}
		j.RunnerID = nil
		j.UpdatedAt = now
		j.CompletedAt = &now
		return nil
	})
	if errors.Is(err, ErrInvalidRequest) {
		return nil, err
	}
	if err != nil {
		return nil, q.storeError("complete job", err)
	}

	q.recorder.JobCompleted(outcome, job.CompletedAt.Sub(job.CreatedAt))
	q.cacheJob(ctx, job)
	slog.Info("job finished", "job_id", job.ID, "status", job.Status, "run_attempts", job.RunAttempts)
	return job, nil
}

func checkOutput(outcome models.JobStatus, outputAddr *string) error {
	switch {
	case outcome == models.JobStatusCompleted && (outputAddr == nil || strings.TrimSpace(*outputAddr) == ""):
		return fmt.Errorf("%w: output_addr is required when status is completed", ErrInvalidRequest)
	case outcome == models.JobStatusFailed && outputAddr != nil:
		return fmt.Errorf("%w: output_addr must be omitted when status is failed", ErrInvalidRequest)
	}
	return nil
}

// errLeaseRenewed aborts a sweep transition when the job was tickled after
// the scan read it.
var errLeaseRenewed = errors.New("lease renewed since scan")

// SweepAbandoned moves every active job whose lease has expired back to
// pending, or to failed once it has used up its attempts. Each job is
// transitioned on its own; a failure on one is logged and the scan goes on.
// The returned error is non-nil only when the active set cannot be listed.
func (q *Queue) SweepAbandoned(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	active, err := q.store.ListByStatus(ctx, models.JobStatusActive)
	if err != nil {
		return res, q.storeError("list active jobs", err)
	}
	res.Scanned = len(active)

	for _, candidate := range active {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !q.expired(candidate, q.now()) {
			continue
		}

		job, err := q.store.CompareAndTransition(ctx, candidate.ID, models.JobStatusActive, func(j *models.Job) error {
			now := q.stamp(j)
			if !q.expired(j, now) {
				return errLeaseRenewed
			}
			j.RunnerID = nil
			j.UpdatedAt = now
			if j.RunAttempts < q.maxAttempts {
				j.Status = models.JobStatusPending
				return nil
			}
			j.Status = models.JobStatusFailed
			j.CompletedAt = &now
			return nil
		})
		switch {
		case errors.Is(err, errLeaseRenewed), errors.Is(err, store.ErrStatusMismatch):
			res.Skipped++
			continue
		case err != nil:
			res.Errors++
			slog.Error("sweep job failed", "job_id", candidate.ID, "error", err)
			continue
		}

		if job.Status == models.JobStatusPending {
			res.Requeued++
			q.recorder.JobRequeued()
			slog.Warn("abandoned job requeued", "job_id", job.ID, "runner_id", deref(candidate.RunnerID), "run_attempts", job.RunAttempts)
		} else {
			res.Failed++
			q.recorder.JobAbandoned()
			q.cacheJob(ctx, job)
			slog.Warn("abandoned job failed", "job_id", job.ID, "runner_id", deref(candidate.RunnerID), "run_attempts", job.RunAttempts)
		}
	}

	return res, nil
}

func (q *Queue) expired(job *models.Job, now time.Time) bool {
	return now.Sub(job.UpdatedAt) > q.abandonedAge
}

// Stats returns the number of jobs in each status. Every status is present.
func (q *Queue) Stats(ctx context.Context) (map[models.JobStatus]int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, q.storeError("count jobs", err)
	}
	for _, st := range models.AllStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

// storeError maps store sentinels onto queue errors. Context errors pass
// through; anything else is reported as ErrStoreUnavailable with the cause
// kept in the chain.
func (q *Queue) storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrStatusMismatch):
		return ErrInvalidState
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}

func (q *Queue) cachedJob(ctx context.Context, id uuid.UUID) (*models.Job, bool) {
	if q.cache == nil {
		return nil, false
	}
	b, ok, err := q.cache.Get(ctx, cache.JobKey(id))
	if err != nil {
		slog.Warn("job cache read failed", "job_id", id, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var job models.Job
	if err := json.Unmarshal(b, &job); err != nil {
		slog.Warn("job cache entry unreadable", "job_id", id, "error", err)
		return nil, false
	}
	return &job, true
}

func (q *Queue) cacheJob(ctx context.Context, job *models.Job) {
	if q.cache == nil {
		return
	}
	b, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := q.cache.Set(ctx, cache.JobKey(job.ID), b, terminalCacheTTL); err != nil {
		slog.Warn("job cache write failed", "job_id", job.ID, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
