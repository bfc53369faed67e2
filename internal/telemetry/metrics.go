package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rynfar/opencode-claude-max-proxy/internal/stream"
)

// Metrics holds all Prometheus metrics for the proxy. It implements
// queue.Observer and stream.Recorder.
type Metrics struct {
	RequestTotal           *prometheus.CounterVec
	RequestDurationMs      *prometheus.HistogramVec
	QueueWaitMs            prometheus.Histogram
	QueueDepth             prometheus.Gauge
	QueueRunning           prometheus.Gauge
	QueueTasksTotal        *prometheus.CounterVec
	TaskDurationMs         prometheus.Histogram
	SessionOutcomeTotal    *prometheus.CounterVec
	SessionDurationMs      prometheus.Histogram
	EventsForwardedTotal   *prometheus.CounterVec
	BytesSentTotal         prometheus.Counter
	AdmissionRejectedTotal prometheus.Counter
}

var durationBuckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_proxy_request_total",
			Help: "Total number of message requests handled.",
		}, []string{"mode", "model", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claude_proxy_request_duration_ms",
			Help:    "Request duration in milliseconds, queue wait included.",
			Buckets: durationBuckets,
		}, []string{"mode"}),

		QueueWaitMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "claude_proxy_queue_wait_ms",
			Help:    "Time a request waited for the upstream slot in milliseconds.",
			Buckets: durationBuckets,
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "claude_proxy_queue_depth",
			Help: "Requests waiting for the upstream slot.",
		}),

		QueueRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "claude_proxy_queue_running",
			Help: "Upstream sessions currently running (0 or 1).",
		}),

		QueueTasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_proxy_queue_tasks_total",
			Help: "Queued tasks by result.",
		}, []string{"result"}),

		TaskDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "claude_proxy_task_duration_ms",
			Help:    "Time a task held the upstream slot in milliseconds.",
			Buckets: durationBuckets,
		}),

		SessionOutcomeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_proxy_stream_session_total",
			Help: "Streaming sessions by outcome.",
		}, []string{"outcome"}),

		SessionDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "claude_proxy_stream_session_duration_ms",
			Help:    "Streaming session duration in milliseconds.",
			Buckets: durationBuckets,
		}),

		EventsForwardedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_proxy_events_forwarded_total",
			Help: "SSE events written to clients.",
		}, []string{"event"}),

		BytesSentTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "claude_proxy_sse_bytes_total",
			Help: "SSE event bytes written to clients.",
		}),

		AdmissionRejectedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "claude_proxy_admission_rejected_total",
			Help: "Requests rejected because their client had too many pending requests.",
		}),
	}
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(labels.Mode, labels.Model, labels.Status).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Mode).Observe(labels.DurationMs)
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Mode       string
	Model      string
	Status     string
	DurationMs float64
}

func (m *Metrics) TaskEnqueued(depth int) {
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) TaskStarted(wait time.Duration, depth int) {
	m.QueueDepth.Set(float64(depth))
	m.QueueRunning.Set(1)
	m.QueueWaitMs.Observe(ms(wait))
}

func (m *Metrics) TaskFinished(run time.Duration, err error) {
	m.QueueRunning.Set(0)
	m.TaskDurationMs.Observe(ms(run))
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.QueueTasksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskCancelled(depth int) {
	m.QueueDepth.Set(float64(depth))
	m.QueueTasksTotal.WithLabelValues("cancelled").Inc()
}

func (m *Metrics) EventForwarded(name string, bytes int) {
	m.EventsForwardedTotal.WithLabelValues(name).Inc()
	m.BytesSentTotal.Add(float64(bytes))
}

func (m *Metrics) SessionFinished(outcome stream.Outcome, d time.Duration) {
	m.SessionOutcomeTotal.WithLabelValues(string(outcome)).Inc()
	m.SessionDurationMs.Observe(ms(d))
}

// RecordAdmissionRejected counts a request turned away by admission control.
func (m *Metrics) RecordAdmissionRejected() {
	m.AdmissionRejectedTotal.Inc()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
