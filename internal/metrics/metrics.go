// Package metrics defines the Prometheus metrics of the gate core. All
// metrics are registered with the default registry at init and exposed by
// Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_detections_total",
			Help: "Total number of detections by outcome",
		},
		[]string{"outcome"},
	)

	IngestRejectedBusy = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_ingest_busy_rejections_total",
			Help: "Total number of requests refused because the ingestion pool was full",
		},
	)

	// Lifecycle metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_transitions_total",
			Help: "Total number of committed lifecycle transitions by target state and trigger",
		},
		[]string{"to", "trigger"},
	)

	OpenEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gate_open_entries",
			Help: "Number of vehicle entries in a non-terminal state",
		},
	)

	// Approval metrics
	ApprovalDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_approval_dispatch_total",
			Help: "Total number of approval dispatches by channel and result",
		},
		[]string{"channel", "result"},
	)

	ApprovalCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_approval_callbacks_total",
			Help: "Total number of approval callbacks by result",
		},
		[]string{"result"},
	)

	ApprovalsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_approvals_expired_total",
			Help: "Total number of entries flagged because no approval arrived in time",
		},
	)

	// Camera and alert metrics
	CameraStatusChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_camera_status_changes_total",
			Help: "Total number of camera reachability changes by new status",
		},
		[]string{"status"},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_alerts_total",
			Help: "Total number of alerts raised by kind",
		},
		[]string{"kind"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_monitor_sweep_duration_seconds",
			Help:    "Time taken by one heartbeat monitor sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gate_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(DetectionsTotal)
	prometheus.MustRegister(IngestRejectedBusy)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(OpenEntries)
	prometheus.MustRegister(ApprovalDispatchTotal)
	prometheus.MustRegister(ApprovalCallbacksTotal)
	prometheus.MustRegister(ApprovalsExpired)
	prometheus.MustRegister(CameraStatusChanges)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
