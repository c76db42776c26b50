package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	providerCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_provider_call_duration_seconds",
		Help:    "Latency of calendar provider calls by operation and outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_runs_total",
		Help: "Sync runs by outcome.",
	}, []string{"outcome"})

	syncRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calsync_run_duration_seconds",
		Help:    "Duration of complete sync runs.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	syncItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_items_total",
		Help: "Items processed by sync runs.",
	}, []string{"phase"})

	lockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_lock_busy_total",
		Help: "Sync attempts that found the per-user lock held elsewhere.",
	})

	realtimeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calsync_realtime_clients",
		Help: "Connected realtime websocket clients.",
	})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			ctx := context.WithValue(r.Context(), routeLabelKey, route)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WithRoute labels work started outside an HTTP request, such as a
// scheduled sync, so database latency is attributed to it.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeLabelKey, route)
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveProviderCall records one calendar provider call.
func ObserveProviderCall(operation, outcome string, start time.Time) {
	providerCalls.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}

// ObserveSyncRun records the outcome and item counts of one run.
func ObserveSyncRun(outcome string, start time.Time, pushed, pulled, deleted int) {
	syncRuns.WithLabelValues(outcome).Inc()
	syncRunDuration.Observe(time.Since(start).Seconds())
	syncItems.WithLabelValues("push").Add(float64(pushed))
	syncItems.WithLabelValues("pull").Add(float64(pulled))
	syncItems.WithLabelValues("delete").Add(float64(deleted))
}

// LockBusy counts a sync attempt that could not take the user lock.
func LockBusy() { lockContention.Inc() }

// RealtimeClients adjusts the connected websocket client gauge.
func RealtimeClients(delta int) { realtimeClients.Add(float64(delta)) }

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
