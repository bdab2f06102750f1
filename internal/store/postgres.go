package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

const jobColumns = `id, status, binary_addr, input_addr, output_addr, runner_id, run_attempts, created_at, updated_at, completed_at`

// PostgresStore implements the Store interface using pgx/v5. Row locks
// (SELECT ... FOR UPDATE) give each job its own critical section.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store   = (*PostgresStore)(nil)
	_ Claimer = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Insert(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, string(job.Status), job.BinaryAddr, job.InputAddr, job.OutputAddr, job.RunnerID,
		job.RunAttempts, job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FindOldestPending(ctx context.Context) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending'
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find oldest pending job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CompareAndTransition(ctx context.Context, id uuid.UUID, expected models.JobStatus, mutate Mutation) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if job.Status != expected {
		return nil, ErrStatusMismatch
	}

	return applyTransition(ctx, tx, job, mutate)
}

// ClaimOldestPending locks the oldest pending row nobody else holds. Concurrent
// claimers each take a different row instead of queueing on the same one.
func (s *PostgresStore) ClaimOldestPending(ctx context.Context, mutate Mutation) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending'
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock pending job: %w", err)
	}

	return applyTransition(ctx, tx, job, mutate)
}

// applyTransition runs mutate on a row locked by tx, writes it back and
// commits. ID and CreatedAt cannot be changed by mutate.
func applyTransition(ctx context.Context, tx pgx.Tx, job *models.Job, mutate Mutation) (*models.Job, error) {
	id, createdAt := job.ID, job.CreatedAt
	if err := mutate(job); err != nil {
		return nil, err
	}
	if !job.Status.Valid() {
		return nil, fmt.Errorf("transition job %s: unknown status %q", id, job.Status)
	}
	job.ID = id
	job.CreatedAt = createdAt

	_, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, output_addr = $3, runner_id = $4, run_attempts = $5,
		        updated_at = $6, completed_at = $7
		 WHERE id = $1`,
		id, string(job.Status), job.OutputAddr, job.RunnerID, job.RunAttempts, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var status string
	if err := row.Scan(&j.ID, &status, &j.BinaryAddr, &j.InputAddr, &j.OutputAddr, &j.RunnerID,
		&j.RunAttempts, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
