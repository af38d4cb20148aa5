package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/metrics"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.StartTime.Set(1700000000)
	m.JobDuration.With(prometheus.Labels{"workspace_id": "wsp1", "language": "python3"}).Observe(1.5)
	m.JobsFailed.With(prometheus.Labels{"workspace_id": "wsp1", "language": "python3"}).Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]*dto.MetricFamily{}
	for _, f := range families {
		names[f.GetName()] = f
	}

	assert.Contains(t, names, "windmill_worker_start_time_seconds")
	assert.Contains(t, names, "windmill_worker_job_duration_seconds")
	assert.Contains(t, names, "windmill_worker_jobs_failed_total")

	failed := names["windmill_worker_jobs_failed_total"]
	require.Len(t, failed.GetMetric(), 1)
	assert.Equal(t, float64(1), failed.GetMetric()[0].GetCounter().GetValue())
}
