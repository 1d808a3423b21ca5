package observability

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry manages a collection of observability hooks.
// A nil *Registry is valid and drops every event.
type Registry struct {
	paymentHooks []PaymentHook
	logger       zerolog.Logger
	mu           sync.RWMutex
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// RegisterPaymentHook adds a payment hook to the registry.
func (r *Registry) RegisterPaymentHook(hook PaymentHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paymentHooks = append(r.paymentHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("observability.hook_registered")
}

// Len returns the number of registered payment hooks.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.paymentHooks)
}

func (r *Registry) hooks() []PaymentHook {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paymentHooks
}

// EmitChallengeIssued dispatches the event to all payment hooks.
func (r *Registry) EmitChallengeIssued(ctx context.Context, event ChallengeIssuedEvent) {
	for _, hook := range r.hooks() {
		func() {
			defer r.recoverPanic("OnChallengeIssued", hook.Name())
			hook.OnChallengeIssued(ctx, event)
		}()
	}
}

// EmitPaymentRejected dispatches the event to all payment hooks.
func (r *Registry) EmitPaymentRejected(ctx context.Context, event PaymentRejectedEvent) {
	for _, hook := range r.hooks() {
		func() {
			defer r.recoverPanic("OnPaymentRejected", hook.Name())
			hook.OnPaymentRejected(ctx, event)
		}()
	}
}

// EmitPaymentSettled dispatches the event to all payment hooks.
func (r *Registry) EmitPaymentSettled(ctx context.Context, event PaymentSettledEvent) {
	for _, hook := range r.hooks() {
		func() {
			defer r.recoverPanic("OnPaymentSettled", hook.Name())
			hook.OnPaymentSettled(ctx, event)
		}()
	}
}

// recoverPanic keeps one bad hook from taking down the request.
func (r *Registry) recoverPanic(method, hookName string) {
	if err := recover(); err != nil {
		r.logger.Error().
			Str("hook", hookName).
			Str("method", method).
			Interface("panic", err).
			Msg("observability.hook_panicked")
	}
}
