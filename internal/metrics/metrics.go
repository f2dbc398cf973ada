// Package metrics provides Prometheus instrumentation for the convergence engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TaskRuns counts scheduled task executions by task and outcome.
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_task_runs_total",
		Help: "Scheduled task executions",
	}, []string{"task", "outcome"})

	// TaskDuration tracks how long each scheduled task takes.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_task_duration_seconds",
		Help:    "Scheduled task duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"task"})

	// SignalEvents counts signal lifecycle transitions.
	SignalEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_signal_events_total",
		Help: "Signal lifecycle events",
	}, []string{"event"})

	// ActiveSignals tracks the number of active signals after each cycle.
	ActiveSignals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_active_signals",
		Help: "Number of currently active signals",
	})

	// CoinsSkipped counts coins dropped from a synthesis cycle for lack of a price.
	CoinsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_coins_skipped_total",
		Help: "Coins skipped because no price was available",
	})

	// TrackedWallets tracks wallets per tier after each quality refresh.
	TrackedWallets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_tracked_wallets",
		Help: "Tracked wallets by tier",
	}, []string{"tier"})

	// ExchangeRequests counts info API calls by request type and outcome.
	ExchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_exchange_requests_total",
		Help: "Exchange info API requests",
	}, []string{"type", "outcome"})

	// ExchangeLatency tracks info API latency by request type.
	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_exchange_request_duration_seconds",
		Help:    "Exchange info API latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// BufferFlushes counts position buffer flushes by trigger.
	BufferFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_buffer_flushes_total",
		Help: "Position buffer flushes",
	}, []string{"trigger"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records one task execution.
func ObserveTask(task string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	TaskRuns.WithLabelValues(task, outcome).Inc()
	TaskDuration.WithLabelValues(task).Observe(time.Since(started).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps coin and address params out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
