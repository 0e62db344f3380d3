// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// DepositsTotal counts completed collateral deposits.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_deposits_total",
		Help: "Total number of collateral deposits",
	})

	// WithdrawalsTotal counts completed collateral withdrawals.
	WithdrawalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_withdrawals_total",
		Help: "Total number of collateral withdrawals",
	})

	// PositionsOpened counts opened positions, partitioned by direction.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"direction"})

	// PositionsClosed counts positions settled by their trader.
	PositionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_positions_closed_total",
		Help: "Total number of positions closed",
	})

	// LiquidationsTotal counts forced liquidations.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Total number of positions liquidated",
	})

	// ProtocolFees accumulates protocol fees sent to the treasury.
	ProtocolFees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_protocol_fees_total",
		Help: "Cumulative protocol fees collected, in collateral units",
	})

	// LiquidationFees accumulates fees paid out to liquidators.
	LiquidationFees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_liquidation_fees_total",
		Help: "Cumulative liquidation fees paid, in collateral units",
	})

	// OraclePrice mirrors the current mark price.
	OraclePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_oracle_price",
		Help: "Current mark price",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
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
