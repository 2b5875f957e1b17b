package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job lifecycle metrics
	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diffengine_jobs_submitted_total",
			Help: "Total number of diff jobs submitted",
		},
	)

	JobsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diffengine_jobs_deduped_total",
			Help: "Total number of submissions that matched an existing job instead of starting a new one",
		},
	)

	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "diffengine_jobs_by_status",
			Help: "Current number of jobs in each status",
		},
		[]string{"status"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diffengine_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal status, by status and algorithm",
		},
		[]string{"status", "algorithm"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diffengine_job_duration_seconds",
			Help:    "Wall-clock duration of a diff job, by algorithm",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"algorithm"},
	)

	FallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diffengine_fallback_total",
			Help: "Total number of jobs that ran the fallback full-scan path",
		},
	)

	KeysDiffedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diffengine_keys_diffed_total",
			Help: "Total number of keys examined across all jobs, by algorithm",
		},
		[]string{"algorithm"},
	)

	// Compaction / DAG metrics
	CompactionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diffengine_compaction_events_total",
			Help: "Total number of compaction lifecycle events observed, by type",
		},
		[]string{"type"},
	)

	DAGEdgesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diffengine_dag_edges_total",
			Help: "Current number of compaction-DAG edges held in memory",
		},
	)

	DegradedLineageTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diffengine_degraded_lineage_total",
			Help: "Total number of SST files marked with degraded (incomplete) lineage",
		},
	)

	// Backup store metrics
	PreserveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diffengine_backup_preserve_total",
			Help: "Total number of SST preserve operations, by mode",
		},
		[]string{"mode"},
	)

	ReleaseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diffengine_backup_release_total",
			Help: "Total number of SST release operations",
		},
	)

	PreserveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diffengine_backup_preserve_duration_seconds",
			Help:    "Time taken to preserve an SST file",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackupBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diffengine_backup_bytes_total",
			Help: "Approximate total bytes held in the backup store",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsDedupedTotal)
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(FallbackTotal)
	prometheus.MustRegister(KeysDiffedTotal)

	prometheus.MustRegister(CompactionEventsTotal)
	prometheus.MustRegister(DAGEdgesTotal)
	prometheus.MustRegister(DegradedLineageTotal)

	prometheus.MustRegister(PreserveTotal)
	prometheus.MustRegister(ReleaseTotal)
	prometheus.MustRegister(PreserveDuration)
	prometheus.MustRegister(BackupBytesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
