// Package paywall gates resources behind x402 payments for HTTP and gRPC callers.
package paywall

import (
	"context"
	"time"

	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/internal/observability"
	"github.com/CedrosPay/x402-gateway/internal/pricing"
	"github.com/CedrosPay/x402-gateway/internal/settlement"
	"github.com/CedrosPay/x402-gateway/internal/verification"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// Service orchestrates pricing, verification and settlement for one gateway.
// It holds no mutable state; concurrent requests share it freely.
type Service struct {
	resolver *pricing.Resolver
	verifier *verification.Engine
	settler  *settlement.Engine
	metrics  *metrics.Metrics
	hooks    *observability.Registry
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records challenges and payment outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithHooks dispatches payment lifecycle events to registry.
func WithHooks(registry *observability.Registry) Option {
	return func(s *Service) { s.hooks = registry }
}

// WithClock overrides time.Now for verification.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs a paywall service.
func NewService(resolver *pricing.Resolver, verifier *verification.Engine, settler *settlement.Engine, opts ...Option) *Service {
	if verifier == nil {
		verifier = verification.NewEngine(nil)
	}
	s := &Service{
		resolver: resolver,
		verifier: verifier,
		settler:  settler,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Requirements resolves the payment terms for resource.
func (s *Service) Requirements(resource string) (x402.PaymentRequirements, bool) {
	return s.resolver.Resolve(resource)
}

// Authorize runs the payment state machine for resource. paymentHeader is the
// raw X-PAYMENT value ("" when absent). Errors are the typed x402 errors; the
// returned result always carries the requirements so callers can reissue a
// challenge.
func (s *Service) Authorize(ctx context.Context, resource, paymentHeader string) (AuthorizationResult, error) {
	req, free := s.resolver.Resolve(resource)
	if free {
		return AuthorizationResult{Granted: true, Free: true}, nil
	}
	result := AuthorizationResult{Requirements: req}
	log := logger.FromContext(ctx)

	if paymentHeader == "" {
		s.metrics.ObserveChallenge(resource)
		s.hooks.EmitChallengeIssued(ctx, observability.ChallengeIssuedEvent{
			Timestamp: s.now(),
			Resource:  resource,
			Network:   req.Network,
			Asset:     req.Asset,
			PayTo:     req.PayTo,
			MaxAmount: req.MaxAmountRequired,
		})
		log.Debug().
			Str("resource", resource).
			Str("max_amount", req.MaxAmountRequired.String()).
			Msg("paywall.challenge_issued")
		return result, nil
	}

	start := s.now()
	payment, err := x402.DecodePayment(paymentHeader)
	if err != nil {
		s.metrics.ObservePaymentFailure(resource, string(x402.CodeOf(err)))
		s.rejected(ctx, resource, req.Network, nil, err, start)
		log.Info().Err(err).Str("resource", resource).Msg("paywall.invalid_payment_header")
		return result, err
	}
	result.Payment = &payment

	if res := s.verifier.Verify(req, payment, s.now()); !res.IsValid {
		err := verification.Err(res)
		s.metrics.ObservePaymentFailure(resource, string(res.InvalidReason))
		s.rejected(ctx, resource, payment.Network, &payment, err, start)
		log.Info().
			Str("resource", resource).
			Str("payer", logger.TruncateAddress(payment.Payload.From.Hex())).
			Str("reason", string(res.InvalidReason)).
			Msg("paywall.verification_failed")
		return result, err
	}

	settled, err := s.settler.Settle(logger.WithPayment(ctx, payment.Payload.From.Hex(), payment.Network), req, payment)
	if err != nil {
		s.metrics.ObservePaymentFailure(resource, string(x402.CodeOf(err)))
		s.metrics.ObservePayment(resource, payment.Network, false, time.Since(start))
		s.rejected(ctx, resource, payment.Network, &payment, err, start)
		return result, err
	}

	s.metrics.ObservePayment(resource, settled.NetworkID, true, time.Since(start))
	result.Granted = true
	result.Settlement = &settled
	s.hooks.EmitPaymentSettled(ctx, observability.PaymentSettledEvent{
		Timestamp: s.now(),
		Resource:  resource,
		Network:   settled.NetworkID,
		Payer:     payment.Payload.From,
		PayTo:     payment.Payload.To,
		Asset:     payment.Payload.Asset,
		Amount:    payment.Payload.Value,
		Nonce:     payment.Payload.Nonce,
		TxHash:    settled.TxHash,
		Duration:  time.Since(start),
	})
	log.Info().
		Str("resource", resource).
		Str("payer", logger.TruncateAddress(payment.Payload.From.Hex())).
		Str("tx_hash", settled.TxHash.Hex()).
		Msg("paywall.payment_settled")
	return result, nil
}

func (s *Service) rejected(ctx context.Context, resource, network string, payment *x402.PaymentPayload, err error, start time.Time) {
	event := observability.PaymentRejectedEvent{
		Timestamp: s.now(),
		Resource:  resource,
		Network:   network,
		Reason:    x402.CodeOf(err),
		Err:       err,
		Duration:  time.Since(start),
	}
	if payment != nil {
		event.Payer = payment.Payload.From
		event.Amount = payment.Payload.Value
	}
	s.hooks.EmitPaymentRejected(ctx, event)
}

// paymentContext builds the context value for a granted, paid result.
func (r AuthorizationResult) paymentContext(resource string, at time.Time) *PaymentContext {
	if r.Payment == nil || r.Settlement == nil {
		return nil
	}
	return &PaymentContext{
		Payer:     r.Payment.Payload.From,
		Amount:    r.Payment.Payload.Value,
		Network:   r.Settlement.NetworkID,
		TxHash:    r.Settlement.TxHash,
		Resource:  resource,
		SettledAt: at,
	}
}

// challenge builds the 402 body for this result.
func (r AuthorizationResult) challenge(reason, message string) x402.PaymentRequiredResponse {
	return x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Error:       reason,
		Message:     message,
		Accepts:     []x402.PaymentRequirements{r.Requirements},
	}
}
