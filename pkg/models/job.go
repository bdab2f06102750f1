package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	JobStatusPending,
	JobStatusActive,
	JobStatusCompleted,
	JobStatusFailed,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusActive, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a unit of schedulable work. BinaryAddr, InputAddr and OutputAddr are
// opaque content addresses into the blob store.
//
// UpdatedAt doubles as the lease heartbeat while the job is active.
type Job struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	Status      JobStatus  `db:"status"       json:"status"`
	BinaryAddr  string     `db:"binary_addr"  json:"binary_addr"`
	InputAddr   *string    `db:"input_addr"   json:"input_addr,omitempty"`
	OutputAddr  *string    `db:"output_addr"  json:"output_addr,omitempty"`
	RunnerID    *string    `db:"runner_id"    json:"runner_id,omitempty"`
	RunAttempts int        `db:"run_attempts" json:"run_attempts"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Clone returns a deep copy of j so callers never share pointer fields with
// the store.
func (j *Job) Clone() *Job {
	cp := *j
	cp.InputAddr = cloneString(j.InputAddr)
	cp.OutputAddr = cloneString(j.OutputAddr)
	cp.RunnerID = cloneString(j.RunnerID)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Before reports whether j sorts ahead of other in claim order: oldest
// CreatedAt first, ties broken by ID bytes.
func (j *Job) Before(other *Job) bool {
	if !j.CreatedAt.Equal(other.CreatedAt) {
		return j.CreatedAt.Before(other.CreatedAt)
	}
	return bytes.Compare(j.ID[:], other.ID[:]) < 0
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
