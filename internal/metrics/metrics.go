// Package metrics exposes Prometheus collectors for the ingest service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	orchestrationsTotal           *prometheus.CounterVec
	orchestrationDurationSeconds  *prometheus.HistogramVec
	orchestrationInvokeStepsTotal prometheus.Counter
	activeOrchestrations          prometheus.Gauge
	documentsCreatedTotal         *prometheus.CounterVec
	feedTicksTotal                *prometheus.CounterVec
	feedEntriesDiscoveredTotal    prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		orchestrationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_orchestrations_total",
				Help: "Total number of crawl orchestrations completed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		orchestrationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_orchestration_duration_seconds",
				Help:    "Histogram of orchestration wall-clock durations, labeled by outcome.",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 1800, 7200},
			},
			[]string{"outcome"},
		)

		orchestrationInvokeStepsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_invoke_steps_total",
				Help: "Total number of bounded crawl worker invocations.",
			},
		)

		activeOrchestrations = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_orchestrations",
				Help: "Number of orchestrations currently in flight.",
			},
		)

		documentsCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_documents_created_total",
				Help: "Total number of documents created, labeled by type.",
			},
			[]string{"type"},
		)

		feedTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_feed_ticks_total",
				Help: "Total number of feed ingestor ticks, labeled by result.",
			},
			[]string{"result"},
		)

		feedEntriesDiscoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_feed_entries_discovered_total",
				Help: "Total number of new feed entries turned into documents.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOrchestration records a completed orchestration and its duration.
func ObserveOrchestration(outcome string, duration time.Duration) {
	orchestrationsTotal.WithLabelValues(outcome).Inc()
	orchestrationDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveInvokeStep increments the worker invocation counter.
func ObserveInvokeStep() {
	orchestrationInvokeStepsTotal.Inc()
}

// IncActiveOrchestrations increments the in-flight gauge.
func IncActiveOrchestrations() {
	activeOrchestrations.Inc()
}

// DecActiveOrchestrations decrements the in-flight gauge.
func DecActiveOrchestrations() {
	activeOrchestrations.Dec()
}

// ObserveDocumentCreated increments the document creation counter.
func ObserveDocumentCreated(docType string) {
	documentsCreatedTotal.WithLabelValues(docType).Inc()
}

// ObserveFeedTick records the outcome of one feed ingestor tick.
func ObserveFeedTick(result string, newEntries int) {
	feedTicksTotal.WithLabelValues(result).Inc()
	if newEntries > 0 {
		feedEntriesDiscoveredTotal.Add(float64(newEntries))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
