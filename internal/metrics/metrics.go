// Package metrics provides Prometheus instrumentation for the rebalance engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// TradesTotal counts ledger trades applied, partitioned by side and source.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_total",
		Help: "Total number of trades applied to the ledger",
	}, []string{"side", "source"})

	// TradeLatency tracks the time to apply one trade, lock wait included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_trade_latency_seconds",
		Help:    "Trade application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts per-symbol trade rejections by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trade_rejections_total",
		Help: "Trades rejected during execution",
	}, []string{"reason"})

	// Executions counts execute calls by mode (dry_run, live) and final state.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_executions_total",
		Help: "Plan executions by mode and final state",
	}, []string{"mode", "state"})

	// PlansComputed counts rebalance plans produced by the planner.
	PlansComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_plans_computed_total",
		Help: "Rebalance plans computed",
	})

	// PlanDuration tracks end-to-end preview latency including market data.
	PlanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_plan_duration_seconds",
		Help:    "Rebalance preview latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// KillSwitch is 1 while a symbol's kill switch is engaged.
	KillSwitch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_kill_switch",
		Help: "Whether the trend kill switch is engaged for a symbol",
	}, []string{"symbol"})

	// CycleAdvances counts per-symbol cycle sync outcomes.
	CycleAdvances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_cycle_advances_total",
		Help: "Cycle sync outcomes per symbol",
	}, []string{"status"})

	// LockWait tracks how long callers wait for a symbol lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_symbol_lock_wait_seconds",
		Help:    "Symbol lock acquisition wait in seconds",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// MarketDataRequests counts upstream market data calls by provider, call and result.
	MarketDataRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_market_data_requests_total",
		Help: "Market data provider calls",
	}, []string{"provider", "call", "result"})

	// MarketDataLatency tracks upstream market data latency.
	MarketDataLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_market_data_latency_seconds",
		Help:    "Market data provider latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider", "call"})

	// BreakerOpen is 1 while a provider's circuit breaker is open.
	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_market_data_breaker_open",
		Help: "Whether the market data circuit breaker is open",
	}, []string{"provider"})

	// SchedulerRuns counts scheduled job runs by job and result.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_scheduler_runs_total",
		Help: "Scheduled job runs",
	}, []string{"job", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Result maps an error to a "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
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

// Hijack passes through to the wrapped writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
