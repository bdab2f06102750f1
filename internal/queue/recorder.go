package queue

import (
	"time"

	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// Recorder receives queue events for instrumentation. The metrics package
// provides the Prometheus implementation.
type Recorder interface {
	JobSubmitted()
	JobClaimed(waited time.Duration)
	JobCompleted(status models.JobStatus, ran time.Duration)
	JobRequeued()
	JobAbandoned()
	SweepFinished(took time.Duration)
	StatusCounts(counts map[models.JobStatus]int)
}

type nopRecorder struct{}

func (nopRecorder) JobSubmitted()                                {}
func (nopRecorder) JobClaimed(time.Duration)                     {}
func (nopRecorder) JobCompleted(models.JobStatus, time.Duration) {}
func (nopRecorder) JobRequeued()                                 {}
func (nopRecorder) JobAbandoned()                                {}
func (nopRecorder) SweepFinished(time.Duration)                  {}
func (nopRecorder) StatusCounts(map[models.JobStatus]int)        {}
