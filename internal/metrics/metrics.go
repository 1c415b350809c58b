package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockalert_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_jobs_enqueued_total",
			Help: "Queue jobs enqueued by type and origin",
		},
		[]string{"type", "origin"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_jobs_processed_total",
			Help: "Queue jobs processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockalert_mail_send_duration_seconds",
			Help:    "Mail transport call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"kind", "result"},
	)

	deliveryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockalert_job_delivery_delay_seconds",
			Help:    "Time between a job's schedule and its successful delivery",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"type"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockalert_queue_jobs",
			Help: "Queue jobs currently stored, by status",
		},
		[]string{"status"},
	)

	jobsCleanedUp = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockalert_jobs_cleaned_up_total",
			Help: "Terminal jobs removed by retention cleanup",
		},
	)

	staleJobsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockalert_stale_jobs_recovered_total",
			Help: "Jobs found stuck in processing and requeued or failed",
		},
	)

	webhookDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_webhook_duplicates_total",
			Help: "Webhook deliveries acknowledged without reprocessing",
		},
		[]string{"topic"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockalert_circuit_breaker_state",
			Help: "Circuit breaker state per transport (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordJobEnqueued counts a job entering the queue. origin is what produced it
// (subscribe, restock, reminder).
func RecordJobEnqueued(jobType, origin string) {
	jobsEnqueued.WithLabelValues(jobType, origin).Inc()
}

// RecordJobProcessed counts a job leaving a dispatch attempt with the given outcome
func RecordJobProcessed(jobType, outcome string) {
	jobsProcessed.WithLabelValues(jobType, outcome).Inc()
}

// RecordSend records one mail transport call
func RecordSend(kind string, ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	sendLatency.WithLabelValues(kind, result).Observe(duration.Seconds())
}

// RecordDeliveryDelay records how late a job was delivered relative to its schedule
func RecordDeliveryDelay(jobType string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	deliveryDelay.WithLabelValues(jobType).Observe(delay.Seconds())
}

// SetQueueDepth publishes the per-status job counts
func SetQueueDepth(counts map[string]int) {
	for status, n := range counts {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// RecordCleanup counts jobs removed by retention cleanup
func RecordCleanup(deleted int64) {
	jobsCleanedUp.Add(float64(deleted))
}

// RecordStaleRecovered counts jobs recovered from processing
func RecordStaleRecovered(n int64) {
	staleJobsRecovered.Add(float64(n))
}

// RecordWebhookDuplicate counts a redelivered webhook that was skipped
func RecordWebhookDuplicate(topic string) {
	webhookDuplicates.WithLabelValues(topic).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// SetBreakerState publishes a circuit breaker state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Routes are labelled by their chi pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
