// Package metrics registers the Prometheus series the supervisor's
// components update, mirroring the teacher's internal/metrics layout:
// one file of NewCounterVec/NewGaugeVec/NewHistogramVec declarations
// plus a single Register call at boot.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RecoveryStepTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "recovery_step_transitions_total",
		Help:      "Total recovery engine step transitions by from/to state.",
	}, []string{"from", "to"})

	HeartbeatWatchdogFiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "heartbeat_watchdog_fires_total",
		Help:      "Total times the heartbeat watchdog detected an overdue heartbeat.",
	})

	StallDetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "stall_detections_total",
		Help:      "Total times three consecutive non-advancing heartbeats triggered recovery.",
	})

	HostReconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "host_reconnect_attempts_total",
		Help:      "Total host client reconnect attempts.",
	})

	HostReconnectDelaySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "supervisor",
		Name:      "host_reconnect_delay_seconds",
		Help:      "Current host client reconnect backoff delay in seconds.",
	})

	StreamRestartAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "stream_restart_attempts_total",
		Help:      "Total stream-drop restart sub-FSM attempts.",
	})

	NotifierFlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "notifier_flushes_total",
		Help:      "Total notifier queue flushes by trigger (debounce or immediate).",
	}, []string{"trigger"})

	NotifierHTTPFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "notifier_http_failures_total",
		Help:      "Total outbound webhook delivery failures.",
	})

	StateWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "state_write_failures_total",
		Help:      "Total state store write failures.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "supervisor",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2},
	}, []string{"method", "route"})
)

// Register registers every series above against reg. Called once at boot.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RecoveryStepTransitionsTotal,
		HeartbeatWatchdogFiresTotal,
		StallDetectionsTotal,
		HostReconnectAttemptsTotal,
		HostReconnectDelaySeconds,
		StreamRestartAttemptsTotal,
		NotifierFlushesTotal,
		NotifierHTTPFailuresTotal,
		StateWriteFailuresTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
