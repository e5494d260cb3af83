package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_devices_total",
			Help: "Total number of devices by platform and status",
		},
		[]string{"platform", "status"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_heartbeats_total",
			Help: "Total number of heartbeats by outcome",
		},
		[]string{"outcome"},
	)

	EnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_enrollments_total",
			Help: "Total number of enrollments by outcome",
		},
		[]string{"outcome"},
	)

	// Security metrics
	ReplayRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_replay_rejections_total",
			Help: "Total number of requests rejected for nonce reuse",
		},
	)

	SignatureFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_signature_failures_total",
			Help: "Total number of requests rejected for bad signatures",
		},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	// Task metrics
	TasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	TaskReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_task_reports_total",
			Help: "Total number of task reports ingested by state",
		},
		[]string{"state"},
	)

	// Command metrics
	CommandsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_commands_enqueued_total",
			Help: "Total number of commands enqueued",
		},
	)

	CommandsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_commands_delivered_total",
			Help: "Total number of commands delivered to agents",
		},
	)

	CommandsAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_commands_acked_total",
			Help: "Total number of commands acknowledged by status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(EnrollmentsTotal)
	prometheus.MustRegister(ReplayRejectionsTotal)
	prometheus.MustRegister(SignatureFailuresTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TaskReportsTotal)
	prometheus.MustRegister(CommandsEnqueued)
	prometheus.MustRegister(CommandsDelivered)
	prometheus.MustRegister(CommandsAcked)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
