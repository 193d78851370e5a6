// Package metrics provides Prometheus instrumentation for the staking engine.
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
	// DistributionRuns counts distribution runs by outcome
	// (completed, noop, already_distributed, cancelled, failed).
	DistributionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_distribution_runs_total",
		Help: "Distribution runs by outcome",
	}, []string{"outcome"})

	// DistributionDuration tracks wall time of a full run.
	DistributionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "staking_distribution_duration_seconds",
		Help:    "Distribution run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// AccountsProcessed counts accounts credited with a reward.
	AccountsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staking_accounts_processed_total",
		Help: "Accounts credited by distribution runs",
	})

	// AccountsFailed counts accounts whose reward could not be applied, by reason.
	AccountsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_accounts_failed_total",
		Help: "Accounts that failed during distribution",
	}, []string{"reason"})

	// WriteConflicts counts optimistic-concurrency conflicts on ledger writes.
	WriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_write_conflicts_total",
		Help: "Version conflicts on conditional ledger writes",
	}, []string{"target"})

	// LastNetDistributed is the net reward total of the last finalized run.
	LastNetDistributed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "staking_last_net_distributed",
		Help: "Net rewards credited by the last finalized run",
	})

	// LastCommission is the commission collected by the last finalized run.
	LastCommission = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "staking_last_commission",
		Help: "Commission collected by the last finalized run",
	})

	// ReferralBonuses counts referral bonuses credited.
	ReferralBonuses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staking_referral_bonuses_total",
		Help: "Referral bonuses credited",
	})

	// YieldFetchFailures counts failed external yield cross-checks.
	YieldFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staking_yield_fetch_failures_total",
		Help: "External gross yield fetches that failed",
	})

	// LedgerOperations counts account operations by type and result.
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_ledger_operations_total",
		Help: "Account ledger operations",
	}, []string{"type", "result"})

	// NotificationsSent counts delivered notifications by event type.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_notifications_sent_total",
		Help: "Notifications delivered to the sink",
	}, []string{"type"})

	// NotificationsFailed counts notifications the sink rejected.
	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_notifications_failed_total",
		Help: "Notifications the sink failed to deliver",
	}, []string{"type"})

	// NotificationsDropped counts notifications dropped on a full queue.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staking_notifications_dropped_total",
		Help: "Notifications dropped because the queue was full",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "staking_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staking_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staking_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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
