package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// FileStore is a MemoryStore that rewrites a JSON snapshot after every
// mutation. It is single-process only and meant for local development.
type FileStore struct {
	*MemoryStore
	filePath string
}

type fileBalance struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Balance string         `json:"balance"`
}

// fileData represents the JSON structure stored in the file.
type fileData struct {
	Balances  []fileBalance `json:"balances"`
	Transfers []Transfer    `json:"transfers"`
}

// NewFileStore loads filePath if it exists and creates its directory otherwise.
func NewFileStore(filePath string) (*FileStore, error) {
	if env := os.Getenv("X402_ENVIRONMENT"); env == "production" || env == "prod" {
		log.Warn().Str("path", filePath).Msg("storage.file_backend_in_production")
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	s := &FileStore{MemoryStore: NewMemoryStore(), filePath: filePath}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse ledger file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range data.Balances {
		v, ok := new(big.Int).SetString(b.Balance, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("ledger file: invalid balance %q", b.Balance)
		}
		s.balances[balanceKey{Asset: b.Asset, Account: b.Account}] = v
	}
	for _, t := range data.Transfers {
		s.transfers[t.ReplayKey] = t
	}
	return nil
}

// saveLocked writes a snapshot via temp file and rename. Caller holds s.mu.
func (s *FileStore) saveLocked() error {
	data := fileData{
		Balances:  make([]fileBalance, 0, len(s.balances)),
		Transfers: make([]Transfer, 0, len(s.transfers)),
	}
	for k, v := range s.balances {
		data.Balances = append(data.Balances, fileBalance{Asset: k.Asset, Account: k.Account, Balance: v.String()})
	}
	for _, t := range s.transfers {
		data.Transfers = append(data.Transfers, t)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// ApplyTransfer persists the transfer before it becomes visible. When the
// snapshot cannot be written the in-memory state is rolled back, so the nonce
// stays unused and a retry can settle it.
func (s *FileStore) ApplyTransfer(_ context.Context, t Transfer) error {
	if err := validateTransfer(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.balancesLocked(
		balanceKey{Asset: t.Asset, Account: t.From},
		balanceKey{Asset: t.Asset, Account: t.To},
	)
	if err := s.applyLocked(t); err != nil {
		return err
	}
	if err := s.saveLocked(); err != nil {
		s.restoreLocked(prev)
		delete(s.transfers, t.ReplayKey)
		return err
	}
	return nil
}

func (s *FileStore) Credit(_ context.Context, asset, account common.Address, amount *big.Int) error {
	if err := validateCredit(amount); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.balancesLocked(balanceKey{Asset: asset, Account: account})
	s.creditLocked(asset, account, amount)
	if err := s.saveLocked(); err != nil {
		s.restoreLocked(prev)
		return err
	}
	return nil
}

// balancesLocked records the current entries for keys; nil marks an absent one.
// Stored balances are replaced, never mutated, so the pointers stay valid.
func (s *FileStore) balancesLocked(keys ...balanceKey) map[balanceKey]*big.Int {
	prev := make(map[balanceKey]*big.Int, len(keys))
	for _, k := range keys {
		prev[k] = s.balances[k]
	}
	return prev
}

func (s *FileStore) restoreLocked(prev map[balanceKey]*big.Int) {
	for k, v := range prev {
		if v == nil {
			delete(s.balances, k)
			continue
		}
		s.balances[k] = v
	}
}

// Close flushes a final snapshot.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}
