package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_enqueued_total",
			Help: "Total messages enqueued by tenant and channel",
		},
		[]string{"tenant_id", "channel"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_processed_total",
			Help: "Total claim outcomes by resulting status",
		},
		[]string{"status", "channel"},
	)

	messagesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_skipped_total",
			Help: "Messages skipped before a send attempt, by reason",
		},
		[]string{"reason"},
	)

	messagesDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_deferred_total",
			Help: "Messages rescheduled without a send attempt, by reason",
		},
		[]string{"reason"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_provider_send_duration_seconds",
			Help:    "Outbound provider call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from enqueue to provider-confirmed delivery",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Enqueue requests served from the idempotency cache",
		},
	)

	optOutsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_opt_outs_recorded_total",
			Help: "Opt-out records created, by method",
		},
		[]string{"method"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMessageEnqueued records an accepted enqueue
func RecordMessageEnqueued(tenantID, channel string) {
	messagesEnqueued.WithLabelValues(tenantID, channel).Inc()
}

// RecordMessageProcessed records the status a claimed message resolved to
func RecordMessageProcessed(status, channel string) {
	messagesProcessed.WithLabelValues(status, channel).Inc()
}

// RecordMessageSkipped records a gate skip (opt-out, disabled channel, cancel)
func RecordMessageSkipped(reason string) {
	messagesSkipped.WithLabelValues(reason).Inc()
}

// RecordMessageDeferred records a reschedule (quiet hours, rate limits)
func RecordMessageDeferred(reason string) {
	messagesDeferred.WithLabelValues(reason).Inc()
}

// RecordSendDuration records an outbound provider call
func RecordSendDuration(channel string, d time.Duration) {
	sendDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordDeliveryLatency records end-to-end enqueue-to-delivered time
func RecordDeliveryLatency(channel string, d time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordOptOut records a suppression entry
func RecordOptOut(method string) {
	optOutsRecorded.WithLabelValues(method).Inc()
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
