// Package settlement turns a verified payload into a transfer on the chain.
package settlement

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/x402-gateway/internal/circuitbreaker"
	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/internal/rpcutil"
	"github.com/CedrosPay/x402-gateway/internal/verification"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// DefaultTimeout bounds a settle call when requirements carry no maxTimeoutSeconds.
const DefaultTimeout = 30 * time.Second

// Engine settles payments. A settle call is never retried: resubmitting the
// same payload is answered by the chain's nonce registry with AlreadySettled.
type Engine struct {
	chain        x402.ChainClient
	verifier     *verification.Engine
	breakers     *circuitbreaker.Manager
	cap          *x402.Amount
	remoteVerify bool
	retry        rpcutil.RetryConfig
	timeout      time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettlementCap lowers the amount any payload may settle for.
func WithSettlementCap(limit x402.Amount) Option {
	return func(e *Engine) { e.cap = &limit }
}

// WithRemoteVerify asks the chain to verify before settling. Verify calls
// are retried with retry on transport errors.
func WithRemoteVerify(retry rpcutil.RetryConfig) Option {
	return func(e *Engine) {
		e.remoteVerify = true
		e.retry = retry
	}
}

// WithBreakers routes chain calls through the chain_rpc breaker.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(e *Engine) { e.breakers = m }
}

// WithTimeout sets the fallback settle timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides time.Now for local reconfirmation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records settlement outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine settles through chain. A nil verifier uses the default networks.
func NewEngine(chain x402.ChainClient, verifier *verification.Engine, opts ...Option) *Engine {
	if verifier == nil {
		verifier = verification.NewEngine(nil)
	}
	e := &Engine{
		chain:    chain,
		verifier: verifier,
		retry:    rpcutil.DefaultRetryConfig(),
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle reconfirms payment locally, optionally asks the chain to verify, then
// submits it. Errors are *x402.VerificationError, *x402.SettlementError or
// *x402.NetworkError.
func (e *Engine) Settle(ctx context.Context, req x402.PaymentRequirements, payment x402.PaymentPayload) (x402.SettlementResult, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	effective := e.effectiveRequirements(req)
	if e.cap != nil && payment.Payload.Value.Cmp(effective.MaxAmountRequired) > 0 {
		err := x402.NewSettlementError(errors.ErrCodeVerificationFailed,
			fmt.Errorf("value %s exceeds settlement cap %s", payment.Payload.Value, effective.MaxAmountRequired))
		e.observe(payment.Network, err, start)
		return x402.SettlementResult{}, err
	}

	if res := e.verifier.Verify(effective, payment, e.now()); !res.IsValid {
		err := x402.NewSettlementError(errors.ErrCodeVerificationFailed, verification.Err(res))
		e.observe(payment.Network, err, start)
		return x402.SettlementResult{}, err
	}

	// The chain call must complete even if the client goes away, otherwise a
	// submitted transfer could go unobserved.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeoutFor(req))
	defer cancel()

	if e.remoteVerify {
		if err := e.verifyRemote(sctx, effective, payment); err != nil {
			e.observe(payment.Network, err, start)
			return x402.SettlementResult{}, err
		}
	}

	out, err := e.breakers.Execute(circuitbreaker.ServiceChainRPC, func() (interface{}, error) {
		return e.chain.Settle(sctx, effective, payment)
	})
	if err != nil {
		netErr := asNetworkError(sctx, "settle", err)
		log.Warn().Err(err).Bool("timeout", netErr.Timeout).Msg("settlement.chain_unreachable")
		e.observe(payment.Network, netErr, start)
		return x402.SettlementResult{}, netErr
	}

	res, _ := out.(x402.SettlementResult)
	if res.NetworkID == "" {
		res.NetworkID = payment.Network
	}
	if !res.Success {
		code := ClassifyFailure(res.Error)
		err := x402.NewSettlementError(code, stderrors.New(res.Error))
		log.Info().
			Str("payer", logger.TruncateAddress(payment.Payload.From.Hex())).
			Str("reason", string(code)).
			Str("chain_error", res.Error).
			Msg("settlement.rejected")
		e.observe(payment.Network, err, start)
		return res, err
	}

	log.Info().
		Str("payer", logger.TruncateAddress(payment.Payload.From.Hex())).
		Str("tx_hash", res.TxHash.Hex()).
		Str("network", res.NetworkID).
		Dur("duration", time.Since(start)).
		Msg("settlement.succeeded")
	e.observe(payment.Network, nil, start)
	return res, nil
}

func (e *Engine) verifyRemote(ctx context.Context, req x402.PaymentRequirements, payment x402.PaymentPayload) error {
	res, err := rpcutil.WithRetryCustom(ctx, e.retry, func() (x402.VerificationResult, error) {
		out, err := e.breakers.Execute(circuitbreaker.ServiceChainRPC, func() (interface{}, error) {
			return e.chain.Verify(ctx, req, payment)
		})
		if err != nil {
			return x402.VerificationResult{}, asNetworkError(ctx, "verify", err)
		}
		r, _ := out.(x402.VerificationResult)
		return r, nil
	})
	if err != nil {
		return err
	}
	if !res.IsValid {
		return x402.NewSettlementError(errors.ErrCodeVerificationFailed, verification.Err(res))
	}
	return nil
}

// effectiveRequirements applies the settlement cap; it never raises the price.
func (e *Engine) effectiveRequirements(req x402.PaymentRequirements) x402.PaymentRequirements {
	if e.cap != nil && e.cap.Cmp(req.MaxAmountRequired) < 0 {
		req.MaxAmountRequired = *e.cap
	}
	return req
}

func (e *Engine) timeoutFor(req x402.PaymentRequirements) time.Duration {
	if req.MaxTimeoutSeconds > 0 {
		return time.Duration(req.MaxTimeoutSeconds) * time.Second
	}
	return e.timeout
}

func (e *Engine) observe(network string, err error, start time.Time) {
	outcome := "success"
	if err != nil {
		outcome = string(x402.CodeOf(err))
	}
	e.metrics.ObserveSettlement(network, outcome, time.Since(start))
}

func asNetworkError(ctx context.Context, op string, err error) *x402.NetworkError {
	var netErr *x402.NetworkError
	if stderrors.As(err, &netErr) {
		return netErr
	}
	timeout := stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded)
	return &x402.NetworkError{Op: op, Timeout: timeout, Err: err}
}

// ClassifyFailure maps a chain's settlement error string to a wire code.
func ClassifyFailure(msg string) errors.ErrorCode {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, string(errors.ErrCodeAlreadySettled)),
		strings.Contains(m, "nonce already used"):
		return errors.ErrCodeAlreadySettled
	case strings.Contains(m, "insufficient"):
		return errors.ErrCodeInsufficientFunds
	default:
		return errors.ErrCodeVerificationFailed
	}
}
