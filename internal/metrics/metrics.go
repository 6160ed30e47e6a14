// Package metrics exposes process-wide Prometheus collectors for the
// converter and its status server.
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
	articleBytes               *prometheus.HistogramVec
	conversionErrorsTotal      *prometheus.CounterVec
	poolWorkers                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		articleBytes = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aardwiki_article_payload_bytes",
				Help:    "Size of serialized article payloads, labeled by kind.",
				Buckets: prometheus.ExponentialBuckets(64, 4, 9),
			},
			[]string{"kind"},
		)

		conversionErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aardwiki_conversion_errors_total",
				Help: "Failed conversions, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aardwiki_pool_workers",
				Help: "Number of live worker processes.",
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveArticle records the payload size of a converted article.
func ObserveArticle(kind string, payloadBytes int) {
	Init()
	articleBytes.WithLabelValues(kind).Observe(float64(payloadBytes))
}

// ObserveConversionError counts a failed conversion.
func ObserveConversionError(reason string) {
	Init()
	conversionErrorsTotal.WithLabelValues(reason).Inc()
}

// SetPoolWorkers sets the live worker gauge.
func SetPoolWorkers(n int) {
	Init()
	poolWorkers.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
