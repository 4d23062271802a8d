// Package metrics exposes Prometheus collectors for the stock watcher.
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
	jobsTotal                  *prometheus.CounterVec
	cycleDurationSeconds       *prometheus.HistogramVec
	restockEventsTotal         prometheus.Counter
	notificationsTotal         *prometheus.CounterVec
	lookupFailuresTotal        prometheus.Counter
	outboxPending              prometheus.Gauge
	regionsRetiredTotal        prometheus.Counter
	queueDepth                 prometheus.Gauge
	activeWorkers              prometheus.Gauge
	liveWorkers                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	fetchThrottleSeconds       prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockwatch_jobs_total",
				Help: "Total number of scrape jobs finished, labeled by final state.",
			},
			[]string{"state"},
		)

		cycleDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockwatch_cycle_duration_seconds",
				Help:    "Histogram of scrape cycle durations, labeled by final state.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"state"},
		)

		restockEventsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stockwatch_restock_events_total",
				Help: "Total number of sold-out to available transitions detected.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockwatch_notifications_total",
				Help: "Total number of notification deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		lookupFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stockwatch_subscriber_lookup_failures_total",
				Help: "Total number of subscriber lookups that failed after retries.",
			},
		)

		outboxPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stockwatch_outbox_pending",
				Help: "Pending notifications seen by the last outbox pass.",
			},
		)

		regionsRetiredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stockwatch_regions_retired_total",
				Help: "Total number of regions retired for inactivity.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stockwatch_queue_depth",
				Help: "Number of jobs waiting in the queue.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stockwatch_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		liveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stockwatch_live_workers",
				Help: "Number of workers holding a session.",
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

		fetchThrottleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stockwatch_fetch_throttle_seconds",
				Help:    "Time storefront fetches spent waiting on the rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a finished job and how long its cycle took.
func ObserveJob(state string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(state).Inc()
	cycleDurationSeconds.WithLabelValues(state).Observe(duration.Seconds())
}

// AddRestockEvents adds n detected restocks.
func AddRestockEvents(n int) {
	Init()
	if n > 0 {
		restockEventsTotal.Add(float64(n))
	}
}

// ObserveNotification counts one delivery attempt outcome
// ("delivered", "failed", "redelivered").
func ObserveNotification(outcome string) {
	Init()
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLookupFailure counts one failed subscriber lookup.
func ObserveLookupFailure() {
	Init()
	lookupFailuresTotal.Inc()
}

// SetOutboxPending records the size of the last outbox batch.
func SetOutboxPending(n int) {
	Init()
	outboxPending.Set(float64(n))
}

// ObserveRegionRetired counts one retired region.
func ObserveRegionRetired() {
	Init()
	regionsRetiredTotal.Inc()
}

// SetQueueDepth records the number of queued jobs.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// IncLiveWorkers increments the live workers gauge.
func IncLiveWorkers() {
	Init()
	liveWorkers.Inc()
}

// DecLiveWorkers decrements the live workers gauge.
func DecLiveWorkers() {
	Init()
	liveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetchThrottle records how long a fetch waited for a rate limit token.
func ObserveFetchThrottle(wait time.Duration) {
	Init()
	fetchThrottleSeconds.Observe(wait.Seconds())
}
