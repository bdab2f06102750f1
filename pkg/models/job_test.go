package models

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobBefore(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	low := uuid.MustParse("09ffffff-ffff-ffff-ffff-ffffffffffff")
	high := uuid.MustParse("0a000000-0000-0000-0000-000000000000")

	tests := []struct {
		name string
		a, b *Job
		want bool
	}{
		{"older first", &Job{ID: high, CreatedAt: t0}, &Job{ID: low, CreatedAt: t0.Add(time.Millisecond)}, true},
		{"newer second", &Job{ID: low, CreatedAt: t0.Add(time.Millisecond)}, &Job{ID: high, CreatedAt: t0}, false},
		{"tie lower id first", &Job{ID: low, CreatedAt: t0}, &Job{ID: high, CreatedAt: t0}, true},
		{"tie higher id second", &Job{ID: high, CreatedAt: t0}, &Job{ID: low, CreatedAt: t0}, false},
		{"same job", &Job{ID: low, CreatedAt: t0}, &Job{ID: low, CreatedAt: t0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Before(tt.b))
		})
	}
}

func TestJobBefore_SortsByIDBytesOnTie(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := make([]*Job, 50)
	for i := range jobs {
		jobs[i] = &Job{ID: uuid.New(), CreatedAt: t0}
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Before(jobs[k]) })

	for i := 1; i < len(jobs); i++ {
		prev, cur := jobs[i-1].ID, jobs[i].ID
		require.Less(t, string(prev[:]), string(cur[:]))
	}
}

func TestJobClone_DoesNotSharePointers(t *testing.T) {
	in, out, runner := "in", "out", "R1"
	done := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	j := &Job{ID: uuid.New(), InputAddr: &in, OutputAddr: &out, RunnerID: &runner, CompletedAt: &done}

	cp := j.Clone()
	*cp.InputAddr = "changed"
	*cp.OutputAddr = "changed"
	*cp.RunnerID = "changed"
	*cp.CompletedAt = done.Add(time.Hour)

	assert.Equal(t, "in", *j.InputAddr)
	assert.Equal(t, "out", *j.OutputAddr)
	assert.Equal(t, "R1", *j.RunnerID)
	assert.Equal(t, done, *j.CompletedAt)
}
