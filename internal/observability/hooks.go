// Package observability dispatches payment lifecycle events to pluggable hooks.
//
// Hooks run synchronously on the request path, so implementations that do
// I/O should hand the event off to a goroutine or queue.
package observability

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// Hook is the base interface all observability hooks implement.
type Hook interface {
	// Name returns a unique identifier for this hook (used in logs).
	Name() string
}

// PaymentHook receives events from the paywall state machine.
type PaymentHook interface {
	Hook

	// OnChallengeIssued is called when a priced request arrives without X-PAYMENT.
	OnChallengeIssued(ctx context.Context, event ChallengeIssuedEvent)

	// OnPaymentRejected is called when a payment fails decoding, verification or settlement.
	OnPaymentRejected(ctx context.Context, event PaymentRejectedEvent)

	// OnPaymentSettled is called once the transfer is recorded on the ledger.
	OnPaymentSettled(ctx context.Context, event PaymentSettledEvent)
}

// ChallengeIssuedEvent describes a 402 response.
type ChallengeIssuedEvent struct {
	Timestamp time.Time
	Resource  string
	Network   string
	Asset     common.Address
	PayTo     common.Address
	MaxAmount x402.Amount
}

// PaymentRejectedEvent describes a payment that did not settle. Payer and
// Amount are zero when the header could not be decoded.
type PaymentRejectedEvent struct {
	Timestamp time.Time
	Resource  string
	Network   string
	Payer     common.Address
	Amount    x402.Amount
	Reason    errors.ErrorCode
	Err       error
	Duration  time.Duration
}

// PaymentSettledEvent describes a successful settlement.
type PaymentSettledEvent struct {
	Timestamp time.Time
	Resource  string
	Network   string
	Payer     common.Address
	PayTo     common.Address
	Asset     common.Address
	Amount    x402.Amount
	Nonce     common.Hash
	TxHash    common.Hash
	Duration  time.Duration
}
