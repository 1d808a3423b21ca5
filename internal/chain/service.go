package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/storage"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// Namespace is the JSON-RPC namespace; methods are x402_verify, x402_settle,
// x402_balance, x402_faucet and x402_getTransfer.
const Namespace = "x402"

// ErrCodeLedgerUnavailable marks node-side failures the caller may retry.
const ErrCodeLedgerUnavailable = -32010

type ledgerUnavailableError struct{ err error }

func (e *ledgerUnavailableError) Error() string  { return "ledger unavailable: " + e.err.Error() }
func (e *ledgerUnavailableError) ErrorCode() int { return ErrCodeLedgerUnavailable }

var errFaucetDisabled = stderrors.New("faucet is disabled")

// Service exposes a Ledger over JSON-RPC.
type Service struct {
	ledger        *Ledger
	faucetEnabled bool
}

// TransferInfo is the x402_getTransfer reply.
type TransferInfo struct {
	TxHash    common.Hash    `json:"txHash"`
	Asset     common.Address `json:"asset"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Value     *hexutil.Big   `json:"value"`
	SettledAt int64          `json:"settledAt"`
}

// NewService wraps ledger. The faucet is for development networks only.
func NewService(ledger *Ledger, faucetEnabled bool) *Service {
	return &Service{ledger: ledger, faucetEnabled: faucetEnabled}
}

// NewServer registers svc on a fresh go-ethereum RPC server.
func NewServer(svc *Service) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, svc); err != nil {
		return nil, fmt.Errorf("register %s service: %w", Namespace, err)
	}
	return srv, nil
}

func (s *Service) Verify(ctx context.Context, req x402.PaymentRequirements, payment x402.PaymentPayload) (x402.VerificationResult, error) {
	res, err := s.ledger.Verify(ctx, req, payment)
	if err != nil {
		return res, s.unavailable(ctx, "verify", err)
	}
	return res, nil
}

func (s *Service) Settle(ctx context.Context, req x402.PaymentRequirements, payment x402.PaymentPayload) (x402.SettlementResult, error) {
	res, err := s.ledger.Settle(ctx, req, payment)
	if err != nil {
		return res, s.unavailable(ctx, "settle", err)
	}
	return res, nil
}

// Balance defaults asset to the native asset.
func (s *Service) Balance(ctx context.Context, account common.Address, asset *common.Address) (*hexutil.Big, error) {
	a := x402.NativeAsset
	if asset != nil {
		a = *asset
	}
	b, err := s.ledger.Balance(ctx, account, a)
	if err != nil {
		return nil, s.unavailable(ctx, "balance", err)
	}
	return (*hexutil.Big)(b), nil
}

// Faucet credits amount to account and returns the new balance.
func (s *Service) Faucet(ctx context.Context, account common.Address, amount x402.Amount, asset *common.Address) (*hexutil.Big, error) {
	if !s.faucetEnabled {
		return nil, errFaucetDisabled
	}
	a := x402.NativeAsset
	if asset != nil {
		a = *asset
	}
	b, err := s.ledger.Fund(ctx, a, account, amount.Big())
	if err != nil {
		return nil, s.unavailable(ctx, "faucet", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("account", logger.TruncateAddress(account.Hex())).
		Str("amount", amount.String()).
		Msg("ledger.faucet_funded")
	return (*hexutil.Big)(b), nil
}

// GetTransfer returns nil when the payer has not used nonce.
func (s *Service) GetTransfer(ctx context.Context, from common.Address, nonce common.Hash) (*TransferInfo, error) {
	t, err := s.ledger.Transfer(ctx, from, nonce)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.unavailable(ctx, "get_transfer", err)
	}
	return &TransferInfo{
		TxHash:    t.TxHash,
		Asset:     t.Asset,
		From:      t.From,
		To:        t.To,
		Value:     (*hexutil.Big)(t.Value),
		SettledAt: t.SettledAt.Truncate(time.Second).Unix(),
	}, nil
}

func (s *Service) unavailable(ctx context.Context, op string, err error) error {
	log := logger.FromContext(ctx)
	log.Error().Err(err).Str("op", op).Msg("ledger.store_failed")
	return &ledgerUnavailableError{err: err}
}
