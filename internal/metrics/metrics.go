// Package metrics exposes queue activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/queue"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements queue.Recorder on top of Prometheus counters,
// gauges and histograms.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsClaimed   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRequeued  prometheus.Counter
	jobsAbandoned prometheus.Counter

	claimWait     prometheus.Histogram
	turnaround    prometheus.Histogram
	sweepDuration prometheus.Histogram

	jobsByStatus *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

var _ queue.Recorder = (*Collector)(nil)

// NewCollector creates the queue metrics and registers them with reg. A
// fresh registry is used when reg is nil.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_claimed_total",
			Help: "Total number of successful claims",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_finished_total",
			Help: "Total number of jobs finished by a worker, by outcome",
		}, []string{"status"}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_requeued_total",
			Help: "Total number of abandoned jobs returned to pending by the sweeper",
		}),
		jobsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_abandoned_total",
			Help: "Total number of jobs failed by the sweeper after exhausting their attempts",
		}),
		claimWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_claim_wait_seconds",
			Help:    "Time a job spent pending before it was claimed",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		turnaround: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_job_turnaround_seconds",
			Help:    "Time from submission to a worker-reported outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_sweep_duration_seconds",
			Help:    "Duration of one abandonment sweep",
			Buckets: prometheus.DefBuckets,
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_jobs",
			Help: "Current number of jobs in each status",
		}, []string{"status"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsClaimed,
		c.jobsFinished,
		c.jobsRequeued,
		c.jobsAbandoned,
		c.claimWait,
		c.turnaround,
		c.sweepDuration,
		c.jobsByStatus,
	)

	for _, st := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed} {
		c.jobsFinished.WithLabelValues(string(st))
	}
	for _, st := range models.AllStatuses {
		c.jobsByStatus.WithLabelValues(string(st))
	}

	return c
}

func (c *Collector) JobSubmitted() {
	c.jobsSubmitted.Inc()
}

func (c *Collector) JobClaimed(waited time.Duration) {
	c.jobsClaimed.Inc()
	c.claimWait.Observe(waited.Seconds())
}

func (c *Collector) JobCompleted(status models.JobStatus, ran time.Duration) {
	c.jobsFinished.WithLabelValues(string(status)).Inc()
	c.turnaround.Observe(ran.Seconds())
}

func (c *Collector) JobRequeued() {
	c.jobsRequeued.Inc()
}

func (c *Collector) JobAbandoned() {
	c.jobsAbandoned.Inc()
}

func (c *Collector) SweepFinished(took time.Duration) {
	c.sweepDuration.Observe(took.Seconds())
}

// StatusCounts sets the per-status gauges.
func (c *Collector) StatusCounts(counts map[models.JobStatus]int) {
	for st, n := range counts {
		c.jobsByStatus.WithLabelValues(string(st)).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
