// Package metrics exposes Prometheus counters/gauges/histograms for the
// four engines — job throughput, process restarts, workflow step latency,
// log flush activity — served by httpapi's /metrics handler.
//
// Grounded on cuemby-warren's pkg/metrics/metrics.go: package-level
// metric vars registered in init(), a promhttp.Handler() for the HTTP
// boundary, and a Timer helper for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Jobs (C3)
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_jobs_enqueued_total", Help: "Total jobs enqueued, by name."},
		[]string{"name"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_jobs_completed_total", Help: "Total jobs completed, by name."},
		[]string{"name"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_jobs_failed_total", Help: "Total jobs exhausted their retry budget, by name."},
		[]string{"name"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_jobs_retried_total", Help: "Total job retry attempts scheduled, by name."},
		[]string{"name"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "donkeylabs_job_duration_seconds",
			Help:    "Time from run start to completion or failure, by name.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// Processes Supervisor (C4)
	ProcessesRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "donkeylabs_processes_running", Help: "Currently running processes, by definition name."},
		[]string{"name"},
	)
	ProcessRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_process_restarts_total", Help: "Total auto-restarts performed, by definition name."},
		[]string{"name"},
	)
	ProcessCrashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_process_crashes_total", Help: "Total non-graceful exits observed, by definition name."},
		[]string{"name"},
	)

	// Workflows Engine (C5)
	WorkflowInstancesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_workflow_instances_started_total", Help: "Total workflow instances started, by workflow name."},
		[]string{"workflow"},
	)
	WorkflowInstancesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_workflow_instances_completed_total", Help: "Total workflow instances completed, by workflow name and outcome."},
		[]string{"workflow", "outcome"},
	)
	WorkflowStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "donkeylabs_workflow_step_duration_seconds",
			Help:    "Step execution latency, by workflow name and step kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow", "kind"},
	)

	// Persistent Logs (C2)
	LogEntriesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "donkeylabs_log_entries_written_total", Help: "Total log entries flushed to the store, by source."},
		[]string{"source"},
	)
	LogBufferDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "donkeylabs_log_buffer_drops_total", Help: "Total log entries dropped for exceeding the overflow cap."},
	)
)

func init() {
	prometheus.MustRegister(
		JobsEnqueuedTotal, JobsCompletedTotal, JobsFailedTotal, JobsRetriedTotal, JobDuration,
		ProcessesRunning, ProcessRestartsTotal, ProcessCrashesTotal,
		WorkflowInstancesStarted, WorkflowInstancesCompleted, WorkflowStepDuration,
		LogEntriesWrittenTotal, LogBufferDropsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations into a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
