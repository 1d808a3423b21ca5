// Package callbacks posts settled payments to an operator-defined webhook.
package callbacks

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventTypePaymentSettled is the only event this package emits.
const EventTypePaymentSettled = "payment.settled"

// Notifier delivers payment events to user-defined callbacks.
type Notifier interface {
	PaymentSettled(ctx context.Context, event PaymentEvent)
	// Close waits for in-flight deliveries or until ctx is done.
	Close(ctx context.Context) error
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) PaymentSettled(context.Context, PaymentEvent) {}
func (NoopNotifier) Close(context.Context) error                  { return nil }

// PaymentEvent is the callback body. EventID is the idempotency key and stays
// the same across retries; consumers must dedupe on it.
type PaymentEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	Resource  string    `json:"resource"`
	Network   string    `json:"network"`
	Payer     string    `json:"payer"`
	PayTo     string    `json:"payTo"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"` // 0x-hex atomic units
	Nonce     string    `json:"nonce"`
	TxHash    string    `json:"txHash"`
	SettledAt time.Time `json:"settledAt"`
}

// generateEventID returns "evt_" followed by 32 hex characters.
func generateEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PreparePaymentEvent fills the idempotency fields that are still empty.
func PreparePaymentEvent(event *PaymentEvent, now time.Time) {
	if event.EventID == "" {
		event.EventID = generateEventID()
	}
	if event.EventType == "" {
		event.EventType = EventTypePaymentSettled
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = now.UTC()
	}
	if event.SettledAt.IsZero() {
		event.SettledAt = now.UTC()
	}
}
