// Package metrics exposes Prometheus collectors for the tracker service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	jobsInFlight               prometheus.Gauge
	scrapeDurationSeconds      prometheus.Histogram
	queueRedeliveriesTotal     prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_jobs_total",
				Help: "Total number of scrape jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		jobsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_jobs_in_flight",
				Help: "Number of scrape jobs currently being processed by workers.",
			},
		)

		scrapeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tracker_scrape_duration_seconds",
				Help:    "Histogram of end-to-end scrape execution latencies.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 90},
			},
		)

		queueRedeliveriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_queue_redeliveries_total",
				Help: "Total queue messages re-queued after an expired visibility claim.",
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

// ObserveJob records a job reaching a terminal state.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// JobStarted increments the in-flight gauge.
func JobStarted() {
	Init()
	jobsInFlight.Inc()
}

// JobFinished decrements the in-flight gauge.
func JobFinished() {
	Init()
	jobsInFlight.Dec()
}

// ObserveScrapeDuration records one scrape execution.
func ObserveScrapeDuration(d time.Duration) {
	Init()
	scrapeDurationSeconds.Observe(d.Seconds())
}

// ObserveRedelivery records a message returned to the queue by the reaper.
func ObserveRedelivery() {
	Init()
	queueRedeliveriesTotal.Inc()
}

// ObserveHTTPRequest records one completed HTTP request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, httpCode(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
