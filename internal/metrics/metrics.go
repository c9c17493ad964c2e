// Package metrics exposes Prometheus counters for submissions and job runs.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const Prefix = "nedrex_"

// Submission outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

type Metrics struct {
	registry    *prometheus.Registry
	submissions *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	lockWait    prometheus.Histogram
	expired     *prometheus.CounterVec
}

// New registers the job metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "job_submissions_total",
			Help: "Job submissions by type and outcome",
		}, []string{"job_type", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "job_runs_total",
			Help: "Finished job runs by type and final status",
		}, []string{"job_type", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    Prefix + "job_run_duration_seconds",
			Help:    "Wall clock time of job runs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"job_type"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    Prefix + "submission_lock_wait_seconds",
			Help:    "Time spent acquiring the per type submission lock",
			Buckets: prometheus.DefBuckets,
		}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "job_claims_expired_total",
			Help: "Queue claims reclaimed by the expiration watchdog",
		}, []string{"job_type"}),
	}
	m.registry.MustRegister(
		m.submissions, m.runs, m.runDuration, m.lockWait, m.expired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry to serve on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) Submission(jobType, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) Run(jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(jobType, status).Inc()
	m.runDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) Expired(jobType string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues(jobType).Inc()
}

// QueueStats reports queue depth.
type QueueStats interface {
	Stats(ctx context.Context) (pending, inflight int64, err error)
}

var (
	pendingDesc = prometheus.NewDesc(
		Prefix+"queue_pending",
		"Tasks waiting for a worker",
		nil, nil,
	)
	inflightDesc = prometheus.NewDesc(
		Prefix+"queue_inflight",
		"Tasks claimed by a worker",
		nil, nil,
	)
)

// QueueCollector reads the queue depth at scrape time.
type QueueCollector struct {
	Queue   QueueStats
	Log     *slog.Logger
	Timeout time.Duration
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pendingDesc
	ch <- inflightDesc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	pending, inflight, err := c.Queue.Stats(ctx)
	if err != nil {
		if c.Log != nil {
			c.Log.Warn("collect queue stats", "error", err)
		}
		return
	}
	ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(pending))
	ch <- prometheus.MustNewConstMetric(inflightDesc, prometheus.GaugeValue, float64(inflight))
}

// ExposeQueue registers a QueueCollector.
func (m *Metrics) ExposeQueue(q QueueStats, log *slog.Logger) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&QueueCollector{Queue: q, Log: log})
}
