package store_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := newJob(baseTime)
	job.InputAddr = strPtr("in")
	require.NoError(t, s.Insert(ctx, job))

	*job.InputAddr = "mutated by caller"
	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "in", *got.InputAddr)

	got.Status = models.JobStatusFailed
	again, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, again.Status)
}

func TestMemoryStore_FindOldestPending_ContextCancelled(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.Insert(context.Background(), newJob(baseTime)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.FindOldestPending(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_IndexStaysConsistentUnderConcurrentTransitions(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, s.Insert(ctx, newJob(baseTime.Add(time.Duration(i)*time.Millisecond))))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.FindOldestPending(ctx)
				if err != nil || job == nil {
					return
				}
				_, _ = s.CompareAndTransition(ctx, job.ID, models.JobStatusPending, activate("R", baseTime.Add(time.Hour)))
			}
		}()
	}
	wg.Wait()

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.JobStatusPending])
	assert.Equal(t, n, counts[models.JobStatusActive])

	active, err := s.ListByStatus(ctx, models.JobStatusActive)
	require.NoError(t, err)
	assert.Len(t, active, n)
	for _, j := range active {
		assert.Equal(t, 1, j.RunAttempts, "job %s claimed more than once", j.ID)
	}
}

// --- Snapshot persistence ---

func TestMemoryStore_OpenMissingSnapshotStartsEmpty(t *testing.T) {
	s, err := store.OpenMemoryStore(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	for _, st := range models.AllStatuses {
		assert.Zero(t, counts[st])
	}
}

func TestMemoryStore_FlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	ctx := context.Background()

	s, err := store.OpenMemoryStore(path)
	require.NoError(t, err)

	pending := newJob(baseTime)
	active := newJob(baseTime.Add(time.Second))
	require.NoError(t, s.Insert(ctx, pending))
	require.NoError(t, s.Insert(ctx, active))
	_, err = s.CompareAndTransition(ctx, active.ID, models.JobStatusPending, activate("R1", baseTime.Add(2*time.Second)))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reloaded, err := store.OpenMemoryStore(path)
	require.NoError(t, err)

	got, err := reloaded.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, got.Status)
	assert.Equal(t, "R1", *got.RunnerID)
	assert.Equal(t, 1, got.RunAttempts)
	assert.True(t, got.UpdatedAt.Equal(baseTime.Add(2*time.Second)))

	oldest, err := reloaded.FindOldestPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, pending.ID, oldest.ID)
}

func TestMemoryStore_FlushSkipsCleanStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s, err := store.OpenMemoryStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Flush())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "clean store should not write a snapshot")

	require.NoError(t, s.Insert(context.Background(), newJob(baseTime)))
	require.NoError(t, s.Flush())
	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestMemoryStore_NonPersistentFlushIsNoop(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.Insert(context.Background(), newJob(baseTime)))
	assert.NoError(t, s.Flush())
	assert.NoError(t, s.RunPersister(context.Background(), time.Millisecond))
}

func TestMemoryStore_OpenCorruptedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"jobs":[`), 0o644))

	_, err := store.OpenMemoryStore(path)
	assert.ErrorIs(t, err, store.ErrCorruptedSnapshot)
}

func TestMemoryStore_OpenIncompatibleSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":99,"jobs":[]}`), 0o644))

	_, err := store.OpenMemoryStore(path)
	assert.ErrorIs(t, err, store.ErrIncompatibleVersion)
}

func TestMemoryStore_OpenRejectsUnknownStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"jobs":[`+
		`{"id":"00000000-0000-0000-0000-000000000001","status":"running","binary_addr":"b",`+
		`"run_attempts":0,"created_at":"2024-03-01T12:00:00Z","updated_at":"2024-03-01T12:00:00Z"}]}`), 0o644))

	_, err := store.OpenMemoryStore(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestMemoryStore_RunPersisterFlushesPeriodicallyAndOnExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s, err := store.OpenMemoryStore(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunPersister(ctx, 10*time.Millisecond) }()

	first := newJob(baseTime)
	require.NoError(t, s.Insert(context.Background(), first))
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	second := newJob(baseTime.Add(time.Second))
	require.NoError(t, s.Insert(context.Background(), second))
	cancel()
	require.NoError(t, <-done)

	reloaded, err := store.OpenMemoryStore(path)
	require.NoError(t, err)
	_, err = reloaded.Get(context.Background(), second.ID)
	assert.NoError(t, err, "final flush should include the last insert")
}
