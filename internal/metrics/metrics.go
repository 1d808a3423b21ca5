package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway and the ledger node.
type Metrics struct {
	// Protocol metrics
	ChallengesTotal      *prometheus.CounterVec
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSuccessTotal *prometheus.CounterVec
	PaymentsFailedTotal  *prometheus.CounterVec
	PaymentDuration      *prometheus.HistogramVec
	SettlementDuration   *prometheus.HistogramVec

	// Chain RPC metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Ledger node metrics
	LedgerTransfersTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Resilience
	CircuitBreakerState *prometheus.GaugeVec

	// Balance monitoring
	AccountBalance        *prometheus.GaugeVec
	LowBalanceAlertsTotal *prometheus.CounterVec

	// Payment callbacks
	CallbacksTotal   *prometheus.CounterVec
	CallbackAttempts prometheus.Histogram
	CallbackDuration *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ChallengesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_challenges_total",
				Help: "Total number of 402 challenges issued",
			},
			[]string{"resource"},
		),
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_payments_total",
				Help: "Total number of payment attempts (requests carrying X-PAYMENT)",
			},
			[]string{"resource"},
		),
		PaymentsSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_payments_success_total",
				Help: "Total number of settled payments",
			},
			[]string{"resource", "network"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_payments_failed_total",
				Help: "Total number of failed payments by reason code",
			},
			[]string{"resource", "reason"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_payment_duration_seconds",
				Help:    "Time from payload receipt to settlement outcome",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"resource"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_settlement_duration_seconds",
				Help:    "Duration of settle calls against the chain",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"network", "outcome"},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rpc_calls_total",
				Help: "Total number of JSON-RPC calls to the chain",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_rpc_call_duration_seconds",
				Help:    "Duration of JSON-RPC calls to the chain",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rpc_errors_total",
				Help: "Total number of JSON-RPC transport errors",
			},
			[]string{"method", "network", "error_type"},
		),

		LedgerTransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_ledger_transfers_total",
				Help: "Settlements processed by the ledger node by outcome",
			},
			[]string{"asset", "outcome"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rate_limit_hits_total",
				Help: "Total number of rate-limited requests",
			},
			[]string{"limit_type"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "x402_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"service"},
		),

		AccountBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "x402_account_balance",
				Help: "Last observed balance of a monitored account in atomic units",
			},
			[]string{"account", "asset"},
		),
		LowBalanceAlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_low_balance_alerts_total",
				Help: "Low balance alerts by delivery outcome",
			},
			[]string{"outcome"},
		),

		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_callbacks_total",
				Help: "Payment callbacks by final status (success, failed, dlq)",
			},
			[]string{"status"},
		),
		CallbackAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "x402_callback_attempts",
				Help:    "Delivery attempts per payment callback",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
		),
		CallbackDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_callback_duration_seconds",
				Help:    "Time from first attempt to final outcome",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"status"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_db_query_duration_seconds",
				Help:    "Duration of ledger database operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveChallenge records a 402 challenge.
func (m *Metrics) ObserveChallenge(resource string) {
	if m == nil {
		return
	}
	m.ChallengesTotal.WithLabelValues(resource).Inc()
}

// ObservePayment records the outcome of a paid request.
func (m *Metrics) ObservePayment(resource, network string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(resource).Inc()
	if success {
		m.PaymentsSuccessTotal.WithLabelValues(resource, network).Inc()
	}
	m.PaymentDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// ObservePaymentFailure records why a payment was rejected.
func (m *Metrics) ObservePaymentFailure(resource, reason string) {
	if m == nil {
		return
	}
	m.PaymentsFailedTotal.WithLabelValues(resource, reason).Inc()
}

// ObserveSettlement records a settle call and its outcome code ("success" or a reason).
func (m *Metrics) ObserveSettlement(network, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.WithLabelValues(network, outcome).Observe(duration.Seconds())
}

// ObserveRPCCall records a chain JSON-RPC call; errorType is "" on success.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, errorType string) {
	if m == nil {
		return
	}
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())
	if errorType != "" {
		m.RPCErrorsTotal.WithLabelValues(method, network, errorType).Inc()
	}
}

// ObserveLedgerTransfer records a ledger settlement outcome.
func (m *Metrics) ObserveLedgerTransfer(asset, outcome string) {
	if m == nil {
		return
	}
	m.LedgerTransfersTotal.WithLabelValues(asset, outcome).Inc()
}

// ObserveRateLimit records a rate-limited request.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveBreakerState exports a breaker transition.
func (m *Metrics) ObserveBreakerState(service, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(service).Set(v)
}

// ObserveAccountBalance exports a monitored balance. Values above float64
// precision are approximated.
func (m *Metrics) ObserveAccountBalance(account, asset string, balance *big.Int) {
	if m == nil || balance == nil {
		return
	}
	v, _ := new(big.Float).SetInt(balance).Float64()
	m.AccountBalance.WithLabelValues(account, asset).Set(v)
}

// ObserveLowBalanceAlert records an alert delivery attempt.
func (m *Metrics) ObserveLowBalanceAlert(outcome string) {
	if m == nil {
		return
	}
	m.LowBalanceAlertsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCallback records the final outcome of a payment callback.
func (m *Metrics) ObserveCallback(status string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(status).Inc()
	m.CallbackAttempts.Observe(float64(attempts))
	m.CallbackDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveDBQuery records a database operation duration.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
