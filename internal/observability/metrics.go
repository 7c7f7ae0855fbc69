package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal prometheus.Counter
	dequeueTotal *prometheus.CounterVec
	taskDuration prometheus.Histogram

	activeSessions prometheus.Gauge
	reapedTotal    prometheus.Counter
	eventsTotal    *prometheus.CounterVec

	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	assetBytes  *prometheus.CounterVec
	statusEdits *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "mixdown_lane_queue_size",
					Help: "Current queued events per user lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "mixdown_lane_enqueue_total",
					Help: "Total events enqueued on user lanes.",
				},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mixdown_lane_dequeue_total",
					Help: "Total lane task completions by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "mixdown_lane_task_duration_seconds",
					Help:    "Lane task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "mixdown_sessions_active",
					Help: "Current number of live user sessions.",
				},
			),
			reapedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "mixdown_sessions_reaped_total",
					Help: "Total sessions evicted for inactivity.",
				},
			),
			eventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mixdown_events_total",
					Help: "Total session events by action and result.",
				},
				[]string{"action", "result"},
			),
			jobsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mixdown_jobs_total",
					Help: "Total media jobs by kind and status.",
				},
				[]string{"kind", "status"},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mixdown_job_duration_seconds",
					Help:    "Media job duration in seconds by kind.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"kind"},
			),
			assetBytes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mixdown_assets_bytes_total",
					Help: "Total bytes downloaded into the asset store by kind.",
				},
				[]string{"kind"},
			),
			statusEdits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mixdown_status_edits_total",
					Help: "Status message edits by outcome (sent, suppressed, failed).",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.reapedTotal,
			m.eventsTotal,
			m.jobsTotal,
			m.jobDuration,
			m.assetBytes,
			m.statusEdits,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// ForgetLane drops the per-lane gauge so idle users do not accumulate series.
func ForgetLane(lane string) {
	m := getMetrics()
	m.queueSize.DeleteLabelValues(lane)
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(status).Inc()
	m.taskDuration.Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionReaped() {
	m := getMetrics()
	m.reapedTotal.Inc()
}

func RecordEvent(action, result string) {
	m := getMetrics()
	m.eventsTotal.WithLabelValues(action, result).Inc()
}

func RecordJob(kind string, duration time.Duration, status string) {
	m := getMetrics()
	m.jobsTotal.WithLabelValues(kind, status).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordAssetBytes(kind string, size int64) {
	if size <= 0 {
		return
	}
	m := getMetrics()
	m.assetBytes.WithLabelValues(kind).Add(float64(size))
}

func RecordStatusEdit(outcome string) {
	m := getMetrics()
	m.statusEdits.WithLabelValues(outcome).Inc()
}
