// Package metrics provides Prometheus instrumentation for the rumor engine.
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
	// BetsTotal counts bets settled, partitioned by side.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rumor_bets_total",
		Help: "Total number of bets settled",
	}, []string{"side"})

	// BetVolume accumulates CC committed to markets, partitioned by side.
	BetVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rumor_bet_volume_cc_total",
		Help: "Cumulative CC committed via bets",
	}, []string{"side"})

	// OracleReportsTotal counts oracle reports accepted, by verdict.
	OracleReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rumor_oracle_reports_total",
		Help: "Total oracle reports accepted",
	}, []string{"verdict"})

	// ResolutionsTotal counts markets resolved through quorum, by outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rumor_resolutions_total",
		Help: "Markets resolved by oracle consensus",
	}, []string{"outcome"})

	// SlashedStake accumulates CC slashed from minority oracles.
	SlashedStake = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rumor_slashed_stake_cc_total",
		Help: "Cumulative CC slashed from disagreeing oracles",
	})

	// ExpiredMarkets counts markets expired without quorum.
	ExpiredMarkets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rumor_expired_markets_total",
		Help: "Markets expired and refunded without resolution",
	})

	// LockTimeouts counts bounded-wait lock acquisitions that gave up.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rumor_lock_timeouts_total",
		Help: "Operations rejected with Busy after lock wait timeout",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rumor_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rumor_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rumor_http_request_duration_seconds",
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
