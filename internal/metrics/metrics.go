// Package metrics exposes Prometheus collectors for the ingestion service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	wsConnectedClients         prometheus.Gauge
	wsDroppedMessagesTotal     prometheus.Counter
	sourcesProcessedTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		wsConnectedClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connected_clients",
				Help: "Number of websocket clients currently connected.",
			},
		)

		wsDroppedMessagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ws_dropped_messages_total",
				Help: "Messages dropped because a subscriber's buffer was full.",
			},
		)

		sourcesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_sources_processed_total",
				Help: "Sources processed, labeled by source type and outcome.",
			},
			[]string{"type", "outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSource counts one processed source.
func ObserveSource(sourceType, outcome string) {
	Init()
	sourcesProcessedTotal.WithLabelValues(sourceType, outcome).Inc()
}

// ConnectedClients returns the websocket client gauge.
func ConnectedClients() prometheus.Gauge {
	Init()
	return wsConnectedClients
}

// DroppedMessages returns the dropped message counter.
func DroppedMessages() prometheus.Counter {
	Init()
	return wsDroppedMessagesTotal
}
