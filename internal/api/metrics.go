package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Reasons a /run body never reaches the handler.
const (
	rejectTooLarge   = "too_large"
	rejectUnreadable = "unreadable"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "kiln_http_request_duration_seconds",
			Help: "HTTP request duration in seconds. /run includes the engine wait.",
			// Job requests block until the engine finishes, so the upper
			// buckets reach the default completion timeout.
			Buckets: []float64{0.005, 0.05, 0.25, 1, 5, 30, 120, 600, 1800},
		},
		[]string{"method", "path"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_http_requests_in_flight",
			Help: "HTTP requests currently being served, including open event streams.",
		},
	)

	runRequestBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_run_request_bytes",
			Help:    "Size of accepted /run request bodies.",
			Buckets: prometheus.ExponentialBuckets(1<<10, 4, 8),
		},
	)

	runRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_run_rejected_total",
			Help: "/run bodies rejected before reaching the job handler, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		httpInFlight,
		runRequestBytes,
		runRejectedTotal,
	)
	runRejectedTotal.WithLabelValues(rejectTooLarge)
	runRejectedTotal.WithLabelValues(rejectUnreadable)
}

// metricsMiddleware records count, duration and concurrency for every HTTP
// request, labelled by chi route pattern so caller-chosen ids in paths do
// not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
