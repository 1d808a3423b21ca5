// Package verification checks x402 payloads against payment requirements
// without touching chain state.
package verification

import (
	stderrors "errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

// Engine is stateless; Verify is a pure function of its arguments.
type Engine struct {
	networks evm.Networks
}

// NewEngine returns an engine that resolves chain ids through networks.
func NewEngine(networks evm.Networks) *Engine {
	if len(networks) == 0 {
		networks = evm.DefaultNetworks()
	}
	return &Engine{networks: networks}
}

// Verify runs the checks in order and stops at the first failure:
// scheme/network/asset, payee, amount, time window, signature.
// Nonce reuse is not checked here; only settlement can decide that.
func (e *Engine) Verify(req x402.PaymentRequirements, payment x402.PaymentPayload, now time.Time) x402.VerificationResult {
	p := payment.Payload
	claimed := p.From

	if payment.Scheme != req.Scheme || payment.Scheme != x402.SchemeExact ||
		payment.Network != req.Network || p.Asset != req.Asset {
		return x402.Invalid(claimed, errors.ErrCodeSchemeMismatch)
	}
	chainID, ok := e.networks.ChainID(payment.Network)
	if !ok {
		return x402.Invalid(claimed, errors.ErrCodeSchemeMismatch)
	}

	if p.To != req.PayTo {
		return x402.Invalid(claimed, errors.ErrCodePayeeMismatch)
	}

	if p.Value.Cmp(req.MaxAmountRequired) > 0 {
		return x402.Invalid(claimed, errors.ErrCodeAmountExceeded)
	}
	if p.Value.IsZero() {
		return x402.Invalid(claimed, errors.ErrCodeInvalidAmount)
	}

	ts := now.Unix()
	if ts < 0 || uint64(ts) < p.ValidAfter {
		return x402.Invalid(claimed, errors.ErrCodeNotYetValid)
	}
	if uint64(ts) >= p.ValidBefore {
		return x402.Invalid(claimed, errors.ErrCodeExpired)
	}

	if required := req.RequiredSignatureType(); required != "" && required != p.EffectiveSignatureType() {
		return x402.Invalid(claimed, errors.ErrCodeInvalidSignature)
	}
	signer, err := evm.Recover(p, chainID)
	if err != nil || signer == (common.Address{}) || signer != claimed {
		return x402.Invalid(claimed, errors.ErrCodeInvalidSignature)
	}

	return x402.Valid(signer)
}

// Err converts a failing result into a *x402.VerificationError, or nil.
func Err(res x402.VerificationResult) error {
	if res.IsValid {
		return nil
	}
	reason := res.InvalidReason
	if reason == "" {
		reason = errors.ErrCodeInvalidSignature
	}
	return x402.NewVerificationError(reason, stderrors.New(string(reason)))
}
