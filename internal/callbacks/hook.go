package callbacks

import (
	"context"

	"github.com/CedrosPay/x402-gateway/internal/observability"
)

// Hook forwards settled payments from the paywall to a Notifier.
type Hook struct {
	notifier Notifier
}

// NewHook wraps n as an observability.PaymentHook.
func NewHook(n Notifier) *Hook {
	return &Hook{notifier: n}
}

func (h *Hook) Name() string { return "payment_callback" }

func (h *Hook) OnChallengeIssued(context.Context, observability.ChallengeIssuedEvent) {}

func (h *Hook) OnPaymentRejected(context.Context, observability.PaymentRejectedEvent) {}

func (h *Hook) OnPaymentSettled(ctx context.Context, e observability.PaymentSettledEvent) {
	h.notifier.PaymentSettled(ctx, PaymentEvent{
		Resource:  e.Resource,
		Network:   e.Network,
		Payer:     e.Payer.Hex(),
		PayTo:     e.PayTo.Hex(),
		Asset:     e.Asset.Hex(),
		Amount:    e.Amount.Hex(),
		Nonce:     e.Nonce.Hex(),
		TxHash:    e.TxHash.Hex(),
		SettledAt: e.Timestamp.UTC(),
	})
}
