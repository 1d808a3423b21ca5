// Package storage persists the reference ledger: account balances per asset
// and the registry of consumed payment nonces.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
)

var (
	// ErrNotFound is returned when a requested entity is missing from the store.
	ErrNotFound = errors.New("storage: not found")
	// ErrNonceUsed is returned when a transfer's replay key was already recorded.
	ErrNonceUsed = errors.New("storage: nonce already used")
	// ErrInsufficientBalance is returned when the payer cannot cover a transfer.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
)

// Transfer is one settled payment. ReplayKey is keccak256(from ‖ nonce).
type Transfer struct {
	ReplayKey common.Hash    `json:"replayKey"`
	TxHash    common.Hash    `json:"txHash"`
	Asset     common.Address `json:"asset"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Value     *big.Int       `json:"value"`
	SettledAt time.Time      `json:"settledAt"`
}

// Store is the ledger persistence contract shared by every backend.
//
// ApplyTransfer is the only mutation on the payment path. It records the
// replay key, debits From and credits To in one atomic step; when it returns
// ErrNonceUsed or ErrInsufficientBalance the ledger is unchanged.
type Store interface {
	ApplyTransfer(ctx context.Context, t Transfer) error
	NonceUsed(ctx context.Context, replayKey common.Hash) (bool, error)
	GetTransfer(ctx context.Context, replayKey common.Hash) (Transfer, error)

	Balance(ctx context.Context, asset, account common.Address) (*big.Int, error)
	// Credit mints amount to account; used for genesis and the dev faucet.
	Credit(ctx context.Context, asset, account common.Address, amount *big.Int) error

	Close() error
}

// NewStore creates the backend selected by cfg.Backend. m may be nil.
func NewStore(ctx context.Context, cfg config.StorageConfig, m *metrics.Metrics) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires file_path")
		}
		return NewFileStore(cfg.FilePath)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(ctx, cfg.PostgresURL, cfg.PostgresPool, cfg.SchemaMapping, m)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(ctx, cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.SchemaMapping, m)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func validateTransfer(t Transfer) error {
	if t.Value == nil || t.Value.Sign() <= 0 {
		return fmt.Errorf("storage: transfer value must be positive")
	}
	if t.ReplayKey == (common.Hash{}) {
		return fmt.Errorf("storage: transfer has no replay key")
	}
	return nil
}

func validateCredit(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: credit amount must be non-negative")
	}
	return nil
}
