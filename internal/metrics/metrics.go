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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	scoringDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_scoring_decisions_total",
			Help: "Relevance scoring decisions by recommended channel and timing",
		},
		[]string{"channel", "timing"}, // timing: immediate | deferred
	)

	scoringFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_scoring_fallbacks_total",
			Help: "Scoring calls that failed open to the neutral score",
		},
	)

	relevanceScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_relevance_score",
			Help:    "Distribution of computed relevance scores",
			Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatches_total",
			Help: "Dispatch outcomes by channel and status",
		},
		[]string{"channel", "status"},
	)

	interactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_interactions_total",
			Help: "Recorded user interactions by type and channel",
		},
		[]string{"type", "channel"},
	)

	deferredPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_deferred_deliveries_claimed",
			Help: "Deliveries claimed by the last sweeper pass",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Submits served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"key"},
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

// RecordScoringDecision records one scorer run and its outcome.
func RecordScoringDecision(channel string, deferred bool, score float64) {
	timing := "immediate"
	if deferred {
		timing = "deferred"
	}
	scoringDecisions.WithLabelValues(channel, timing).Inc()
	relevanceScore.Observe(score)
}

// RecordScoringFallback records a fail-open neutral result.
func RecordScoringFallback() {
	scoringFallbacks.Inc()
}

// RecordDispatch records a dispatch outcome.
func RecordDispatch(channel, status string) {
	dispatchesTotal.WithLabelValues(channel, status).Inc()
}

// RecordInteraction records a user interaction event.
func RecordInteraction(interactionType, channel string) {
	interactionsTotal.WithLabelValues(interactionType, channel).Inc()
}

// SetDeferredClaimed sets how many deliveries the sweeper just claimed.
func SetDeferredClaimed(count int) {
	deferredPending.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Middleware records request metrics for every route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		RecordRequest(r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}
