package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "incentives_engine_build_info",
			Help: "Build information of the incentives engine",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incentives_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "incentives_engine_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incentives_engine_http_rate_limited_total",
			Help: "Total number of HTTP requests rejected by the rate limiter",
		},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_engine_operations_total",
			Help: "Total number of ledger operations by outcome",
		},
		[]string{"ledger", "operation", "status"}, // status: "ok" or an error code
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incentives_engine_operation_duration_seconds",
			Help:    "Duration of ledger operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"ledger", "operation"},
	)

	RewardTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_engine_reward_tokens_total",
			Help: "Whole tokens created, distributed or slashed",
		},
		[]string{"ledger", "kind"}, // kind: "created", "distributed", "slashed"
	)

	ReferralVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_engine_referral_verifications_total",
			Help: "Total number of verified referrals by tier and payout mode",
		},
		[]string{"tier", "mode"}, // mode: "auto", "claim"
	)

	PoolBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "incentives_engine_pool_balance_tokens",
			Help: "Last observed pool balance in whole tokens",
		},
		[]string{"token"},
	)
)

var tokenUnit = decimal.New(1, incentive.TokenDecimals)

// WholeTokens converts base units to a float of whole tokens for metrics.
func WholeTokens(amount decimal.Decimal) float64 {
	f, _ := amount.Div(tokenUnit).Float64()
	return f
}

// RecordOperation records the outcome of a ledger operation. code is "ok" on
// success or the error code otherwise.
func RecordOperation(ledger, operation, code string, seconds float64) {
	OperationsTotal.WithLabelValues(ledger, operation, code).Inc()
	OperationDuration.WithLabelValues(ledger, operation).Observe(seconds)
}

// RecordTokens adds amount to the reward token counter.
func RecordTokens(ledger, kind string, amount decimal.Decimal) {
	RewardTokensTotal.WithLabelValues(ledger, kind).Add(WholeTokens(amount))
}

// SetPoolBalance records the pool balance gauge.
func SetPoolBalance(token string, amount decimal.Decimal) {
	PoolBalance.WithLabelValues(token).Set(WholeTokens(amount))
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
