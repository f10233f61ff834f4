// Package metrics provides Prometheus instrumentation for the simulation engine.
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
	// TicksTotal counts completed and skipped ticks.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Total engine ticks by result",
	}, []string{"result"})

	// TickDuration tracks wall time of a full tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Engine tick duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// TickPhaseFailures counts isolated failures per tick phase.
	TickPhaseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_tick_phase_failures_total",
		Help: "Isolated unit-of-work failures inside a tick, by phase",
	}, []string{"phase"})

	// TradesTotal counts AMM trades, partitioned by direction and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_trades_total",
		Help: "Total number of AMM trades executed",
	}, []string{"direction", "outcome"})

	// TradeLatency tracks AMM trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// PositionsTotal counts perpetual lifecycle transitions.
	PositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_positions_total",
		Help: "Perpetual position transitions by event",
	}, []string{"event"})

	// OpenPositions tracks the number of open perpetual positions seen by the last sweep.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_open_positions",
		Help: "Number of open perpetual positions",
	})

	// FundingPayments counts funding charges applied to positions.
	FundingPayments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_funding_payments_total",
		Help: "Funding payments applied to perpetual positions",
	})

	// ExposureRejections counts positions rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_exposure_limit_rejections_total",
		Help: "Positions rejected by the exposure limiter",
	})

	// PointsTransactions counts ledger rows written, by trade type.
	PointsTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_points_transactions_total",
		Help: "Points transactions appended to the ledger",
	}, []string{"trade_type"})

	// QuestionsTotal counts question lifecycle events per cohort.
	QuestionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_questions_total",
		Help: "Questions created, resolved or cancelled, by cohort",
	}, []string{"event", "cohort"})

	// CollaboratorFailures counts content generator and notification failures.
	CollaboratorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_collaborator_failures_total",
		Help: "Failures of external collaborators",
	}, []string{"collaborator"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets the WebSocket upgrader take over connections behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
