// Package metrics exposes Prometheus collectors for the crawl service.
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

// Record outcomes reported through ObserveRecord.
const (
	RecordInserted  = "inserted"
	RecordDuplicate = "duplicate"
	RecordRejected  = "rejected"
	RecordFailed    = "failed"
)

var (
	crawlerJobsTotal           *prometheus.CounterVec
	crawlerJobDurationSeconds  *prometheus.HistogramVec
	crawlerActiveWorkers       prometheus.Gauge
	crawlerRecordsTotal        *prometheus.CounterVec
	crawlerQueueErrorsTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs that reached a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		crawlerJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_job_duration_seconds",
				Help:    "Histogram of crawl process run time, labeled by terminal state.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"state"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Records received from crawl processes, labeled by ingestion outcome.",
			},
			[]string{"outcome"},
		)

		crawlerQueueErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_queue_errors_total",
				Help: "Queue operation failures, labeled by operation.",
			},
			[]string{"operation"},
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

// ObserveJob counts a terminal transition and records its run time.
func ObserveJob(state string, duration time.Duration) {
	crawlerJobsTotal.WithLabelValues(state).Inc()
	crawlerJobDurationSeconds.WithLabelValues(state).Observe(duration.Seconds())
}

// ObserveRecord counts one record by ingestion outcome.
func ObserveRecord(outcome string) {
	crawlerRecordsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQueueError counts a failed queue operation (enqueue, dequeue, ack, nack).
func ObserveQueueError(operation string) {
	crawlerQueueErrorsTotal.WithLabelValues(operation).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
