package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// record holds one job behind its own lock. id and createdAt never change, so
// they can be read without taking mu.
type record struct {
	id        uuid.UUID
	createdAt time.Time

	mu  sync.Mutex
	job *models.Job
}

// MemoryStore implements Store in process memory. Each job has its own lock;
// the map and status index locks are only held for lookups and index moves,
// never while a mutation runs on an unrelated job.
//
// Lock order: record.mu or jobsMu before indexMu. jobsMu and record.mu are
// never held together.
type MemoryStore struct {
	jobsMu sync.RWMutex
	jobs   map[uuid.UUID]*record

	indexMu  sync.RWMutex
	byStatus map[models.JobStatus]map[uuid.UUID]*record

	snapshot *SnapshotFile
	dirty    atomic.Bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty, non-persistent MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		jobs:     make(map[uuid.UUID]*record),
		byStatus: make(map[models.JobStatus]map[uuid.UUID]*record),
	}
	for _, st := range models.AllStatuses {
		s.byStatus[st] = make(map[uuid.UUID]*record)
	}
	return s
}

// OpenMemoryStore creates a MemoryStore backed by a JSON snapshot at path.
// Jobs found in an existing snapshot are loaded; a missing file starts empty.
func OpenMemoryStore(path string) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.snapshot = NewSnapshotFile(path)

	jobs, err := s.snapshot.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	for _, j := range jobs {
		if !j.Status.Valid() {
			return nil, fmt.Errorf("load snapshot: job %s has unknown status %q", j.ID, j.Status)
		}
		s.put(j)
	}
	slog.Info("memory store loaded", "path", path, "jobs", len(jobs))
	return s, nil
}

func (s *MemoryStore) put(job *models.Job) {
	rec := &record{id: job.ID, createdAt: job.CreatedAt, job: job.Clone()}
	s.jobs[job.ID] = rec
	s.byStatus[job.Status][job.ID] = rec
}

// Ping always succeeds for the memory store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Insert(_ context.Context, job *models.Job) error {
	if !job.Status.Valid() {
		return fmt.Errorf("insert job: unknown status %q", job.Status)
	}

	s.jobsMu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.jobsMu.Unlock()
		return ErrDuplicateKey
	}
	s.indexMu.Lock()
	s.put(job)
	s.indexMu.Unlock()
	s.jobsMu.Unlock()

	s.dirty.Store(true)
	return nil
}

func (s *MemoryStore) lookup(id uuid.UUID) (*record, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	rec, ok := s.jobs[id]
	return rec, ok
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Clone(), nil
}

func (s *MemoryStore) FindOldestPending(ctx context.Context) (*models.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		oldest := s.oldestPendingRecord()
		if oldest == nil {
			return nil, nil
		}

		oldest.mu.Lock()
		job := oldest.job.Clone()
		oldest.mu.Unlock()

		// A transition that moved the record out of pending has already
		// updated the index, so the next scan will not pick it again.
		if job.Status == models.JobStatusPending {
			return job, nil
		}
	}
}

func (s *MemoryStore) oldestPendingRecord() *record {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	var oldest *record
	for _, rec := range s.byStatus[models.JobStatusPending] {
		if oldest == nil || recordBefore(rec, oldest) {
			oldest = rec
		}
	}
	return oldest
}

func recordBefore(a, b *record) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id.String() < b.id.String()
}

func (s *MemoryStore) CompareAndTransition(_ context.Context, id uuid.UUID, expected models.JobStatus, mutate Mutation) (*models.Job, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.Status != expected {
		return nil, ErrStatusMismatch
	}

	next := rec.job.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if !next.Status.Valid() {
		return nil, fmt.Errorf("transition job %s: unknown status %q", id, next.Status)
	}
	next.ID = rec.id
	next.CreatedAt = rec.createdAt

	prev := rec.job.Status
	rec.job = next
	if prev != next.Status {
		s.indexMu.Lock()
		delete(s.byStatus[prev], id)
		s.byStatus[next.Status][id] = rec
		s.indexMu.Unlock()
	}

	s.dirty.Store(true)
	return next.Clone(), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.indexMu.RLock()
	recs := make([]*record, 0, len(s.byStatus[status]))
	for _, rec := range s.byStatus[status] {
		recs = append(recs, rec)
	}
	s.indexMu.RUnlock()

	jobs := make([]*models.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.job.Status == status {
			jobs = append(jobs, rec.job.Clone())
		}
		rec.mu.Unlock()
	}
	return jobs, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	counts := make(map[models.JobStatus]int, len(s.byStatus))
	for st, recs := range s.byStatus {
		counts[st] = len(recs)
	}
	return counts, nil
}

// Snapshot returns copies of every job, in no particular order.
func (s *MemoryStore) Snapshot() []*models.Job {
	s.jobsMu.RLock()
	recs := make([]*record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	s.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		jobs = append(jobs, rec.job.Clone())
		rec.mu.Unlock()
	}
	return jobs
}

// Flush writes a snapshot if the store is persistent and has changed since
// the last flush.
func (s *MemoryStore) Flush() error {
	if s.snapshot == nil || !s.dirty.Swap(false) {
		return nil
	}
	if err := s.snapshot.Write(s.Snapshot()); err != nil {
		s.dirty.Store(true)
		return err
	}
	return nil
}

// RunPersister flushes the store every interval until ctx is cancelled, then
// flushes one last time. It returns immediately for a non-persistent store.
func (s *MemoryStore) RunPersister(ctx context.Context, interval time.Duration) error {
	if s.snapshot == nil {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				return fmt.Errorf("final flush: %w", err)
			}
			return nil
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				slog.Error("snapshot flush failed", "path", s.snapshot.Path(), "error", err)
			}
		}
	}
}

// Close flushes pending changes.
func (s *MemoryStore) Close() error {
	return s.Flush()
}
