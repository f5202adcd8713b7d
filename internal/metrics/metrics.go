// Package metrics exposes Prometheus collectors for the screenshot service.
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
	capturesTotal              *prometheus.CounterVec
	captureDurationSeconds     *prometheus.HistogramVec
	captureBytesTotal          prometheus.Counter
	poolHandles                *prometheus.GaugeVec
	poolWaiters                prometheus.Gauge
	handleLaunchesTotal        *prometheus.CounterVec
	handleRetirementsTotal     *prometheus.CounterVec
	dispatcherInFlight         prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	archiveTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_captures_total",
				Help: "Total number of capture requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagesnap_capture_duration_seconds",
				Help:    "Histogram of capture latencies from submit to outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
			[]string{"outcome"},
		)

		captureBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesnap_capture_bytes_total",
				Help: "Total number of image bytes produced.",
			},
		)

		poolHandles = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagesnap_pool_handles",
				Help: "Number of browser handles, labeled by state.",
			},
			[]string{"state"},
		)

		poolWaiters = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagesnap_pool_waiters",
				Help: "Number of jobs waiting for a browser handle.",
			},
		)

		handleLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_handle_launches_total",
				Help: "Total number of browser launches, labeled by result.",
			},
			[]string{"result"},
		)

		handleRetirementsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_handle_retirements_total",
				Help: "Total number of browser handles retired, labeled by reason.",
			},
			[]string{"reason"},
		)

		dispatcherInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagesnap_dispatcher_in_flight",
				Help: "Number of admitted capture requests not yet finished.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagesnap_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		archiveTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_archive_total",
				Help: "Total number of archive attempts, labeled by step and status.",
			},
			[]string{"step", "status"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveCapture records the outcome of one submitted capture.
func ObserveCapture(outcome string, elapsed time.Duration, imageBytes int) {
	Init()
	capturesTotal.WithLabelValues(outcome).Inc()
	captureDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if imageBytes > 0 {
		captureBytesTotal.Add(float64(imageBytes))
	}
}

// ObservePool sets the pool occupancy gauges.
func ObservePool(idle, inUse, waiting, total int) {
	Init()
	poolHandles.WithLabelValues("idle").Set(float64(idle))
	poolHandles.WithLabelValues("in_use").Set(float64(inUse))
	poolHandles.WithLabelValues("total").Set(float64(total))
	poolWaiters.Set(float64(waiting))
}

// ObserveHandleLaunch counts a browser launch attempt.
func ObserveHandleLaunch(result string) {
	Init()
	handleLaunchesTotal.WithLabelValues(result).Inc()
}

// ObserveHandleRetired counts a handle leaving the pool.
func ObserveHandleRetired(reason string) {
	Init()
	handleRetirementsTotal.WithLabelValues(reason).Inc()
}

// IncInFlight increments the dispatcher in-flight gauge.
func IncInFlight() {
	Init()
	dispatcherInFlight.Inc()
}

// DecInFlight decrements the dispatcher in-flight gauge.
func DecInFlight() {
	Init()
	dispatcherInFlight.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveArchive counts an archive step result.
func ObserveArchive(step, status string) {
	Init()
	archiveTotal.WithLabelValues(step, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
