// Package telemetry holds the daemon's logger setup and Prometheus metrics.
//
// Metrics register against the default registry and are served on /metrics by the API router.
// HTTP metrics are labelled by chi route pattern, never the raw URL.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasksync_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// Sync metrics.
var (
	// StoreLoadsTotal counts snapshot loads by store (tasks, notifications) and result
	// (ok, error, stale).
	StoreLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_store_loads_total",
			Help: "Snapshot loads by store and result.",
		},
		[]string{"store", "result"},
	)

	StoreLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasksync_store_load_duration_seconds",
			Help:    "Latency of snapshot loads by store.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	SnapshotSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasksync_snapshot_rows",
			Help: "Rows in the current snapshot by store.",
		},
		[]string{"store"},
	)

	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasksync_active_subscriptions",
			Help: "Open change-feed subscriptions by table.",
		},
		[]string{"table"},
	)

	ChangeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_change_events_total",
			Help: "Change events received by table and type.",
		},
		[]string{"table", "type"},
	)

	// MutationsTotal counts user mutations by operation and result (ok, error, noop).
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_mutations_total",
			Help: "User mutations by operation and result.",
		},
		[]string{"op", "result"},
	)

	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasksync_stream_clients",
			Help: "Connected push stream clients.",
		},
	)
)
