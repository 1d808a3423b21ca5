package paywall

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// MissingPaymentMessage is the challenge error when no X-PAYMENT header was sent.
const MissingPaymentMessage = "X-PAYMENT header is required"

// Metadata keys used by the gRPC interceptor and the grpc-gateway options.
const (
	MetadataKeyPayment         = "x-payment"
	MetadataKeyPaymentResponse = "x-payment-response"
	MetadataKeyPaymentRequired = "x-payment-required"
)

// AuthorizationResult captures the outcome of an access attempt.
// Granted is false with a nil error when the caller still has to pay.
type AuthorizationResult struct {
	Granted      bool
	Free         bool
	Requirements x402.PaymentRequirements
	Payment      *x402.PaymentPayload
	Settlement   *x402.SettlementResult
}

// PaymentContext is attached to the request context once a payment settled.
type PaymentContext struct {
	Payer     common.Address
	Amount    x402.Amount
	Network   string
	TxHash    common.Hash
	Resource  string
	SettledAt time.Time
}

// Receipt returns the X-PAYMENT-RESPONSE body for this payment.
func (p *PaymentContext) Receipt() x402.Receipt {
	return x402.Receipt{Success: true, TxHash: p.TxHash.Hex(), NetworkID: p.Network}
}

type contextKey string

const contextKeyPayment contextKey = "paywall.payment"

// WithPayment stores p in ctx.
func WithPayment(ctx context.Context, p *PaymentContext) context.Context {
	return context.WithValue(ctx, contextKeyPayment, p)
}

// PaymentFromContext retrieves the settled payment, if any.
func PaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	p, ok := ctx.Value(contextKeyPayment).(*PaymentContext)
	return p, ok && p != nil
}
