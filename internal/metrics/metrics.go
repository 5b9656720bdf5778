// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dlsync"

var (
	ReconcilePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Completed reconciliation passes.",
		},
	)

	ReconcileClassifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_classifications_total",
			Help:      "Downloads classified by reconciliation, by category.",
		},
		[]string{"category"},
	)

	ReconcileBackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_backend_errors_total",
			Help:      "Download clients that failed to report during a pass.",
		},
		[]string{"client"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation passes.",
		},
	)

	AdapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_calls_total",
			Help:      "Download client adapter calls, by result kind.",
		},
		[]string{"type", "op", "result"},
	)

	AdapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_latency_seconds",
			Help:      "Latency of download client adapter calls.",
		},
		[]string{"type", "op"},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Background jobs processed, by outcome.",
		},
		[]string{"type", "result"},
	)

	DownloadClientUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_client_up",
			Help:      "Whether the last connection test of a download client succeeded.",
		},
		[]string{"client"},
	)
)

var registerOnce sync.Once

// Register registers the dlsync collectors into the default registry.
// Subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ReconcilePasses,
			ReconcileClassifications,
			ReconcileBackendErrors,
			ReconcileDuration,
			AdapterCalls,
			AdapterLatency,
			JobsProcessed,
			DownloadClientUp,
		)
	})
}

// SetClientUp records a connection test outcome.
func SetClientUp(client string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	DownloadClientUp.WithLabelValues(client).Set(v)
}
