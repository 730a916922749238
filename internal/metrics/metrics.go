// Package metrics exposes metricsdeck's own Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsdeck_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricsdeck_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricsdeck_upstream_request_duration_seconds",
			Help:    "Duration of calls to Prometheus datasources",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"datasource", "path"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsdeck_upstream_errors_total",
			Help: "Failed calls to Prometheus datasources by error kind",
		},
		[]string{"datasource", "kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metricsdeck_circuit_breaker_state",
			Help: "Datasource circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"datasource"},
	)

	GovernorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metricsdeck_governor_running",
		Help: "Upstream query slots currently held",
	})

	GovernorQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metricsdeck_governor_queued",
		Help: "Requests waiting for an upstream query slot",
	})

	ExportsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metricsdeck_exports_in_flight",
		Help: "Metric exports currently running",
	})

	ExportedMetrics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metricsdeck_exported_metrics_total",
		Help: "Metric descriptions produced by extended discovery",
	})

	CatalogReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsdeck_catalog_reloads_total",
			Help: "Catalog file reloads by result",
		},
		[]string{"result"},
	)
)

// RecordAPIRequest records one served HTTP request.
func RecordAPIRequest(method, route string, status int, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordUpstream records one call to a datasource. kind is "" on success.
func RecordUpstream(datasource, path, kind string, d time.Duration) {
	UpstreamRequestDuration.WithLabelValues(datasource, path).Observe(d.Seconds())
	if kind != "" {
		UpstreamErrors.WithLabelValues(datasource, kind).Inc()
	}
}
