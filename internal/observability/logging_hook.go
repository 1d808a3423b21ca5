package observability

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-gateway/internal/logger"
)

// LoggingHook logs every payment event at debug level.
type LoggingHook struct {
	logger zerolog.Logger
}

// NewLoggingHook creates a hook that logs all events.
func NewLoggingHook(log zerolog.Logger) *LoggingHook {
	return &LoggingHook{logger: log}
}

func (h *LoggingHook) Name() string { return "logging" }

func (h *LoggingHook) OnChallengeIssued(_ context.Context, event ChallengeIssuedEvent) {
	h.logger.Debug().
		Str("resource", event.Resource).
		Str("network", event.Network).
		Str("asset", event.Asset.Hex()).
		Str("max_amount", event.MaxAmount.String()).
		Msg("hook.challenge_issued")
}

func (h *LoggingHook) OnPaymentRejected(_ context.Context, event PaymentRejectedEvent) {
	h.logger.Debug().
		Err(event.Err).
		Str("resource", event.Resource).
		Str("payer", logger.TruncateAddress(event.Payer.Hex())).
		Str("reason", string(event.Reason)).
		Dur("duration", event.Duration).
		Msg("hook.payment_rejected")
}

func (h *LoggingHook) OnPaymentSettled(_ context.Context, event PaymentSettledEvent) {
	h.logger.Debug().
		Str("resource", event.Resource).
		Str("network", event.Network).
		Str("payer", logger.TruncateAddress(event.Payer.Hex())).
		Str("amount", event.Amount.String()).
		Str("tx_hash", event.TxHash.Hex()).
		Dur("duration", event.Duration).
		Msg("hook.payment_settled")
}
