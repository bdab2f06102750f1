package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

const snapshotSchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

type snapshotData struct {
	SchemaVersion int           `json:"schema_version"`
	Jobs          []*models.Job `json:"jobs"`
}

// SnapshotFile reads and atomically writes the memory store's JSON snapshot.
type SnapshotFile struct {
	path string
	mu   sync.Mutex
}

func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path}
}

func (f *SnapshotFile) Path() string { return f.path }

// Write replaces the snapshot with jobs. The file is written to a temp path
// and renamed so a crash never leaves a half-written snapshot behind.
func (f *SnapshotFile) Write(jobs []*models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sorted := make([]*models.Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].Before(sorted[k]) })

	b, err := json.Marshal(snapshotData{SchemaVersion: snapshotSchemaVersion, Jobs: sorted})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields no jobs and no error.
func (f *SnapshotFile) Load() ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var data snapshotData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVersion != snapshotSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVersion, snapshotSchemaVersion)
	}
	return data.Jobs, nil
}
