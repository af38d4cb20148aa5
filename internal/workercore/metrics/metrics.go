// Package metrics registers the Prometheus series the worker exposes
// (C8.5, §2, §4.1): a start-time gauge, a per-job duration histogram,
// and a failure counter, both labeled by workspace_id/language.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the worker's registered collectors.
type Metrics struct {
	StartTime   prometheus.Gauge
	JobDuration *prometheus.HistogramVec
	JobsFailed  *prometheus.CounterVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "windmill",
			Subsystem: "worker",
			Name:      "start_time_seconds",
			Help:      "Unix timestamp at which this worker process started.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "windmill",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of a handled job, from pull until execution returns; the completion write is not included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{"workspace_id", "language"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "windmill",
			Subsystem: "worker",
			Name:      "jobs_failed_total",
			Help:      "Count of jobs that completed with an error.",
		}, []string{"workspace_id", "language"}),
	}

	reg.MustRegister(m.StartTime, m.JobDuration, m.JobsFailed)
	return m
}
