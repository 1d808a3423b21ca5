// Package chain connects the gateway to a settlement chain: an in-process
// reference ledger, its JSON-RPC service and the JSON-RPC client.
package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/internal/storage"
	"github.com/CedrosPay/x402-gateway/internal/verification"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

// ReplayKey identifies a payment authorization: keccak256(from ‖ nonce).
func ReplayKey(from common.Address, nonce common.Hash) common.Hash {
	return crypto.Keccak256Hash(from.Bytes(), nonce.Bytes())
}

// TxHash derives the settlement transaction hash.
func TxHash(chainID *big.Int, replayKey common.Hash, settledAt time.Time) common.Hash {
	ts := new(big.Int).SetInt64(settledAt.UnixNano())
	return crypto.Keccak256Hash(
		common.LeftPadBytes(chainID.Bytes(), 32),
		replayKey.Bytes(),
		common.LeftPadBytes(ts.Bytes(), 32),
	)
}

// Ledger is a reference chain that settles x402 payloads against a Store.
// It implements x402.ChainClient.
type Ledger struct {
	store    storage.Store
	engine   *verification.Engine
	networks evm.Networks
	network  string
	now      func() time.Time
	metrics  *metrics.Metrics
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics records transfer outcomes.
func WithMetrics(m *metrics.Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger serves network, which must be present in networks.
func NewLedger(store storage.Store, networks evm.Networks, network string, opts ...LedgerOption) (*Ledger, error) {
	if len(networks) == 0 {
		networks = evm.DefaultNetworks()
	}
	if _, ok := networks.ChainID(network); !ok {
		return nil, &x402.ConfigError{Field: "node.network", Err: fmt.Errorf("unknown network %q", network)}
	}
	l := &Ledger{
		store:    store,
		engine:   verification.NewEngine(networks),
		networks: networks,
		network:  network,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Network returns the network identifier this ledger settles.
func (l *Ledger) Network() string { return l.network }

// Verify runs the stateless checks and then the nonce registry.
func (l *Ledger) Verify(ctx context.Context, req x402.PaymentRequirements, payment x402.PaymentPayload) (x402.VerificationResult, error) {
	res := l.engine.Verify(req, payment, l.now())
	if !res.IsValid {
		return res, nil
	}
	if payment.Network != l.network {
		return x402.Invalid(payment.Payload.From, errors.ErrCodeSchemeMismatch), nil
	}
	used, err := l.store.NonceUsed(ctx, ReplayKey(res.PayerAddress, payment.Payload.Nonce))
	if err != nil {
		return x402.VerificationResult{}, fmt.Errorf("check nonce: %w", err)
	}
	if used {
		return x402.Invalid(res.PayerAddress, errors.ErrCodeAlreadySettled), nil
	}
	return res, nil
}

// Settle re-verifies and applies the transfer. Rejections are reported in the
// result; a non-nil error means the ledger itself failed.
func (l *Ledger) Settle(ctx context.Context, req x402.PaymentRequirements, payment x402.PaymentPayload) (x402.SettlementResult, error) {
	log := logger.FromContext(ctx)
	p := payment.Payload
	now := l.now()

	fail := func(code errors.ErrorCode) (x402.SettlementResult, error) {
		l.metrics.ObserveLedgerTransfer(p.Asset.Hex(), string(code))
		log.Info().
			Str("payer", logger.TruncateAddress(p.From.Hex())).
			Str("reason", string(code)).
			Msg("ledger.settle_rejected")
		return x402.SettlementResult{NetworkID: l.network, Error: string(code)}, nil
	}

	res := l.engine.Verify(req, payment, now)
	if !res.IsValid {
		return fail(res.InvalidReason)
	}
	if payment.Network != l.network {
		return fail(errors.ErrCodeSchemeMismatch)
	}

	chainID, _ := l.networks.ChainID(l.network)
	key := ReplayKey(res.PayerAddress, p.Nonce)
	t := storage.Transfer{
		ReplayKey: key,
		TxHash:    TxHash(chainID, key, now),
		Asset:     p.Asset,
		From:      res.PayerAddress,
		To:        p.To,
		Value:     p.Value.Big(),
		SettledAt: now.UTC(),
	}

	err := l.store.ApplyTransfer(ctx, t)
	switch {
	case stderrors.Is(err, storage.ErrNonceUsed):
		return fail(errors.ErrCodeAlreadySettled)
	case stderrors.Is(err, storage.ErrInsufficientBalance):
		return fail(errors.ErrCodeInsufficientFunds)
	case err != nil:
		l.metrics.ObserveLedgerTransfer(p.Asset.Hex(), "error")
		return x402.SettlementResult{}, fmt.Errorf("apply transfer: %w", err)
	}

	l.metrics.ObserveLedgerTransfer(p.Asset.Hex(), "success")
	log.Info().
		Str("payer", logger.TruncateAddress(t.From.Hex())).
		Str("tx_hash", t.TxHash.Hex()).
		Str("value", t.Value.String()).
		Msg("ledger.settled")

	return x402.SettlementResult{Success: true, TxHash: t.TxHash, NetworkID: l.network}, nil
}

// Balance returns account's balance of asset.
func (l *Ledger) Balance(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	return l.store.Balance(ctx, asset, account)
}

// Fund credits account with amount of asset and returns the new balance.
func (l *Ledger) Fund(ctx context.Context, asset, account common.Address, amount *big.Int) (*big.Int, error) {
	if err := l.store.Credit(ctx, asset, account, amount); err != nil {
		return nil, err
	}
	return l.store.Balance(ctx, asset, account)
}

// Transfer looks up a settled payment by payer and nonce.
func (l *Ledger) Transfer(ctx context.Context, from common.Address, nonce common.Hash) (storage.Transfer, error) {
	return l.store.GetTransfer(ctx, ReplayKey(from, nonce))
}
