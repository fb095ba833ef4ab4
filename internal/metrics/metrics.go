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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route pattern, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "Ops HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatches_total",
			Help: "Dispatch calls by event type and resulting record status",
		},
		[]string{"event_type", "status"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_dispatch_duration_seconds",
			Help:    "Dispatch latency from resolve to persisted record",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	channelSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_channel_sends_total",
			Help: "Channel send attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	sweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_sweep_runs_total",
			Help: "Retry sweep runs by outcome",
		},
		[]string{"outcome"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_sweep_duration_seconds",
			Help:    "Retry sweep duration",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	sweepRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_sweep_records_total",
			Help: "Records handled by the retry sweep by result",
		},
		[]string{"result"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_escalations_total",
			Help: "Permanent-failure escalations by reason",
		},
		[]string{"reason"},
	)

	directoryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_directory_lookups_total",
			Help: "User directory lookups by source and result",
		},
		[]string{"source", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records ops HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records the final status of one dispatch call.
func RecordDispatch(eventType, status string, duration time.Duration) {
	dispatchesTotal.WithLabelValues(eventType, status).Inc()
	dispatchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordChannelSend records one channel send; result is "success" or "failure".
func RecordChannelSend(channel, result string) {
	channelSendsTotal.WithLabelValues(channel, result).Inc()
}

// RecordBreakerTransition records a breaker state change and updates the
// state gauge. state is the numeric value of the new state.
func RecordBreakerTransition(breaker, from, to string, state int) {
	breakerTransitions.WithLabelValues(breaker, from, to).Inc()
	breakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordSweep records one sweep run; outcome is "completed", "skipped" or "error".
func RecordSweep(outcome string, duration time.Duration) {
	sweepRunsTotal.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		sweepDuration.Observe(duration.Seconds())
	}
}

// AddSweepRecords adds n records with the given result.
func AddSweepRecords(result string, n int) {
	if n <= 0 {
		return
	}
	sweepRecordsTotal.WithLabelValues(result).Add(float64(n))
}

// RecordEscalation records a permanent-failure escalation.
func RecordEscalation(reason string) {
	escalationsTotal.WithLabelValues(reason).Inc()
}

// RecordDirectoryLookup records a directory lookup; source is "cache" or
// "upstream".
func RecordDirectoryLookup(source, result string) {
	directoryLookups.WithLabelValues(source, result).Inc()
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

// Middleware returns HTTP middleware that records request metrics. Under a
// chi router the path label is the route pattern, so ids stay out of it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
