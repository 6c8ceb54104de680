// Package metrics exposes the hub's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workerhub_connected_workers",
			Help: "Number of authenticated worker connections",
		},
	)

	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerhub_auth_failures_total",
			Help: "Rejected handshakes by reason",
		},
		[]string{"reason"},
	)

	// Correlated call metrics
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerhub_calls_total",
			Help: "Correlated calls by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workerhub_call_duration_seconds",
			Help:    "Time from sending a correlated call to its resolution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	LateResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerhub_late_results_total",
			Help: "Results that arrived for unknown or already resolved calls",
		},
		[]string{"kind"},
	)

	// Dispatch metrics
	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerhub_tasks_dispatched_total",
			Help: "Task dispatch attempts by task kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	AffinityFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workerhub_docker_affinity_fallbacks_total",
			Help: "Docker placements that did not land on the project's affine worker",
		},
	)

	BusCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerhub_bus_commands_total",
			Help: "Bus commands received by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	StoreFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workerhub_store_failures_total",
			Help: "Best-effort store writes that failed or were dropped",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectedWorkers)
	prometheus.MustRegister(AuthFailures)
	prometheus.MustRegister(CallsTotal)
	prometheus.MustRegister(CallDuration)
	prometheus.MustRegister(LateResults)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(AffinityFallbacks)
	prometheus.MustRegister(BusCommands)
	prometheus.MustRegister(StoreFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
