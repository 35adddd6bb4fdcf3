// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle status label values.
const (
	CycleSuccess          = "success"
	CycleUpstreamError    = "upstream_error"
	CyclePersistenceError = "persistence_error"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	AssetsProcessed prometheus.Counter
	AssetsSkipped   *prometheus.CounterVec
	ArchiveErrors   prometheus.Counter
	AssetsRetired   prometheus.Counter

	// Provider metrics
	ProviderCallLatency prometheus.Histogram
	ProviderCallErrors  prometheus.Counter

	// API metrics
	APIRequests        *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Broadcast metrics
	BroadcastSent     *prometheus.CounterVec
	BroadcastDropped  *prometheus.CounterVec
	ActiveSubscribers prometheus.Gauge

	// Health metrics
	LastSuccessfulCycle prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg registers with the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "token_velocity"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "cycles_total",
			Help:      "Total number of ingestion cycles by status",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "cycle_duration_seconds",
			Help:      "Ingestion cycle duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		AssetsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "assets_processed_total",
			Help:      "Total number of assets processed into a committed cycle",
		}),
		AssetsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "assets_skipped_total",
			Help:      "Total number of listings skipped by reason",
		}, []string{"reason"}),
		ArchiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "archive_errors_total",
			Help:      "Total number of failed snapshot archive writes",
		}),
		AssetsRetired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "assets_deactivated_total",
			Help:      "Total number of assets deactivated after dropping out of the listings",
		}),

		ProviderCallLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_latency_seconds",
			Help:      "Upstream listings call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ProviderCallErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_errors_total",
			Help:      "Total number of failed upstream listings calls",
		}),

		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status",
		}, []string{"route", "status"}),
		APIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		BroadcastSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_sent_total",
			Help:      "Total number of push messages queued by event",
		}, []string{"event"}),
		BroadcastDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_dropped_total",
			Help:      "Total number of push messages dropped on full subscriber queues",
		}, []string{"event"}),
		ActiveSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "active_subscribers",
			Help:      "Number of connected push subscribers",
		}),

		LastSuccessfulCycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_cycle_timestamp",
			Help:      "Unix timestamp of last successful ingestion cycle",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordCycle records the outcome of one ingestion cycle.
func RecordCycle(status string, durationSeconds float64, unixNow int64) {
	DefaultMetrics.CyclesTotal.WithLabelValues(status).Inc()
	DefaultMetrics.CycleDuration.Observe(durationSeconds)
	if status == CycleSuccess {
		DefaultMetrics.LastSuccessfulCycle.Set(float64(unixNow))
	}
}

// RecordAssetsProcessed adds n committed assets.
func RecordAssetsProcessed(n int) {
	DefaultMetrics.AssetsProcessed.Add(float64(n))
}

// RecordAssetSkipped counts one skipped listing.
func RecordAssetSkipped(reason string) {
	DefaultMetrics.AssetsSkipped.WithLabelValues(reason).Inc()
}

// RecordArchiveError counts one failed archive write.
func RecordArchiveError() {
	DefaultMetrics.ArchiveErrors.Inc()
}

// RecordAssetDeactivated counts one asset retired by ingestion.
func RecordAssetDeactivated() {
	DefaultMetrics.AssetsRetired.Inc()
}

// RecordProviderCall records upstream call latency and failure.
func RecordProviderCall(seconds float64, err error) {
	DefaultMetrics.ProviderCallLatency.Observe(seconds)
	if err != nil {
		DefaultMetrics.ProviderCallErrors.Inc()
	}
}

// RecordAPIRequest records one served API request.
func RecordAPIRequest(route string, status int, seconds float64) {
	DefaultMetrics.APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	DefaultMetrics.APIRequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordBroadcast records a queued or dropped push message.
func RecordBroadcast(event string, delivered bool) {
	if delivered {
		DefaultMetrics.BroadcastSent.WithLabelValues(event).Inc()
		return
	}
	DefaultMetrics.BroadcastDropped.WithLabelValues(event).Inc()
}

// SetActiveSubscribers updates the connected subscriber gauge.
func SetActiveSubscribers(n int) {
	DefaultMetrics.ActiveSubscribers.Set(float64(n))
}
