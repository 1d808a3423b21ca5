package storage

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	Asset   common.Address
	Account common.Address
}

// MemoryStore keeps the ledger in process memory. Replay protection does not
// survive a restart; use it for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[balanceKey]*big.Int
	transfers map[common.Hash]Transfer // replay key -> transfer
}

// NewMemoryStore constructs an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[balanceKey]*big.Int),
		transfers: make(map[common.Hash]Transfer),
	}
}

func (s *MemoryStore) ApplyTransfer(_ context.Context, t Transfer) error {
	if err := validateTransfer(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(t)
}

// applyLocked checks and mutates under s.mu; shared with FileStore.
func (s *MemoryStore) applyLocked(t Transfer) error {
	if _, used := s.transfers[t.ReplayKey]; used {
		return ErrNonceUsed
	}

	fromKey := balanceKey{Asset: t.Asset, Account: t.From}
	fromBal := s.balanceLocked(fromKey)
	if fromBal.Cmp(t.Value) < 0 {
		return ErrInsufficientBalance
	}

	toKey := balanceKey{Asset: t.Asset, Account: t.To}
	s.balances[fromKey] = new(big.Int).Sub(fromBal, t.Value)
	s.balances[toKey] = new(big.Int).Add(s.balanceLocked(toKey), t.Value)

	t.Value = new(big.Int).Set(t.Value)
	s.transfers[t.ReplayKey] = t
	return nil
}

func (s *MemoryStore) balanceLocked(k balanceKey) *big.Int {
	if b, ok := s.balances[k]; ok {
		return b
	}
	return new(big.Int)
}

func (s *MemoryStore) NonceUsed(_ context.Context, replayKey common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.transfers[replayKey]
	return ok, nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, replayKey common.Hash) (Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[replayKey]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	t.Value = new(big.Int).Set(t.Value)
	return t, nil
}

func (s *MemoryStore) Balance(_ context.Context, asset, account common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.balanceLocked(balanceKey{Asset: asset, Account: account})), nil
}

func (s *MemoryStore) Credit(_ context.Context, asset, account common.Address, amount *big.Int) error {
	if err := validateCredit(amount); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditLocked(asset, account, amount)
	return nil
}

func (s *MemoryStore) creditLocked(asset, account common.Address, amount *big.Int) {
	k := balanceKey{Asset: asset, Account: account}
	s.balances[k] = new(big.Int).Add(s.balanceLocked(k), amount)
}

func (s *MemoryStore) Close() error { return nil }
