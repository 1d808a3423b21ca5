package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/dbpool"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
)

const backendPostgres = "postgres"

// PostgresStore implements Store on PostgreSQL. Amounts are NUMERIC(78,0),
// wide enough for any uint256.
type PostgresStore struct {
	db            *sql.DB
	ownsDB        bool
	noncesTable   string
	balancesTable string
	metrics       *metrics.Metrics
}

// NewPostgresStore opens its own pool and creates the ledger tables.
func NewPostgresStore(ctx context.Context, connectionString string, pool config.PostgresPoolConfig, mapping config.SchemaMapping, m *metrics.Metrics) (*PostgresStore, error) {
	shared, err := dbpool.NewSharedPool(ctx, connectionString, pool)
	if err != nil {
		return nil, err
	}
	store, err := NewPostgresStoreWithDB(ctx, shared.DB(), mapping, m)
	if err != nil {
		_ = shared.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewPostgresStoreWithDB uses an existing pool; Close leaves it open.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, mapping config.SchemaMapping, m *metrics.Metrics) (*PostgresStore, error) {
	store := &PostgresStore{
		db:            db,
		noncesTable:   "x402_nonces",
		balancesTable: "x402_balances",
		metrics:       m,
	}
	if mapping.Nonces != "" {
		store.noncesTable = mapping.Nonces
	}
	if mapping.Balances != "" {
		store.balancesTable = mapping.Balances
	}
	if err := store.createTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	nonces := pq.QuoteIdentifier(s.noncesTable)
	balances := pq.QuoteIdentifier(s.balancesTable)
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			replay_key TEXT PRIMARY KEY,
			tx_hash TEXT NOT NULL,
			asset TEXT NOT NULL,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			value NUMERIC(78,0) NOT NULL,
			settled_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[2]s (
			asset TEXT NOT NULL,
			account TEXT NOT NULL,
			amount NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (amount >= 0),
			PRIMARY KEY (asset, account)
		);

		CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s(from_address, settled_at DESC);
	`, nonces, balances, pq.QuoteIdentifier("idx_"+s.noncesTable+"_from"))

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyTransfer(ctx context.Context, t Transfer) (err error) {
	if err := validateTransfer(t); err != nil {
		return err
	}
	defer metrics.MeasureDBQuery(s.metrics, "apply_transfer", backendPostgres)()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	nonces := pq.QuoteIdentifier(s.noncesTable)
	balances := pq.QuoteIdentifier(s.balancesTable)
	value := t.Value.String()

	// A concurrent insert of the same key blocks here until the other
	// transaction ends, then affects zero rows.
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (replay_key, tx_hash, asset, from_address, to_address, value, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		ON CONFLICT (replay_key) DO NOTHING`, nonces),
		t.ReplayKey.Hex(), t.TxHash.Hex(), t.Asset.Hex(), t.From.Hex(), t.To.Hex(), value, t.SettledAt.UTC())
	if err != nil {
		return mapPostgresError("record nonce", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNonceUsed
		return err
	}

	res, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET amount = amount - $3::numeric
		WHERE asset = $1 AND account = $2 AND amount >= $3::numeric`, balances),
		t.Asset.Hex(), t.From.Hex(), value)
	if err != nil {
		return mapPostgresError("debit payer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrInsufficientBalance
		return err
	}

	if err = s.credit(ctx, tx, t.Asset, t.To, value); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) credit(ctx context.Context, db execer, asset, account common.Address, amount string) error {
	balances := pq.QuoteIdentifier(s.balancesTable)
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (asset, account, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (asset, account) DO UPDATE SET amount = %[1]s.amount + EXCLUDED.amount`, balances),
		asset.Hex(), account.Hex(), amount)
	if err != nil {
		return mapPostgresError("credit account", err)
	}
	return nil
}

func (s *PostgresStore) NonceUsed(ctx context.Context, replayKey common.Hash) (bool, error) {
	defer metrics.MeasureDBQuery(s.metrics, "nonce_used", backendPostgres)()

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE replay_key = $1)`, pq.QuoteIdentifier(s.noncesTable))
	if err := s.db.QueryRowContext(ctx, query, replayKey.Hex()).Scan(&exists); err != nil {
		return false, fmt.Errorf("query nonce: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, replayKey common.Hash) (Transfer, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_transfer", backendPostgres)()

	query := fmt.Sprintf(`
		SELECT tx_hash, asset, from_address, to_address, value::text, settled_at
		FROM %s WHERE replay_key = $1`, pq.QuoteIdentifier(s.noncesTable))

	var (
		txHash, asset, from, to, value string
		settledAt                      time.Time
	)
	err := s.db.QueryRowContext(ctx, query, replayKey.Hex()).Scan(&txHash, &asset, &from, &to, &value, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("query transfer: %w", err)
	}

	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return Transfer{}, fmt.Errorf("transfer %s: invalid value %q", replayKey.Hex(), value)
	}
	return Transfer{
		ReplayKey: replayKey,
		TxHash:    common.HexToHash(txHash),
		Asset:     common.HexToAddress(asset),
		From:      common.HexToAddress(from),
		To:        common.HexToAddress(to),
		Value:     v,
		SettledAt: settledAt,
	}, nil
}

func (s *PostgresStore) Balance(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	defer metrics.MeasureDBQuery(s.metrics, "balance", backendPostgres)()

	query := fmt.Sprintf(`SELECT amount::text FROM %s WHERE asset = $1 AND account = $2`, pq.QuoteIdentifier(s.balancesTable))
	var amount string
	err := s.db.QueryRowContext(ctx, query, asset.Hex(), account.Hex()).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", amount)
	}
	return v, nil
}

func (s *PostgresStore) Credit(ctx context.Context, asset, account common.Address, amount *big.Int) error {
	if err := validateCredit(amount); err != nil {
		return err
	}
	defer metrics.MeasureDBQuery(s.metrics, "credit", backendPostgres)()
	return s.credit(ctx, s.db, asset, account, amount.String())
}

// Close closes the pool only if this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func mapPostgresError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return ErrNonceUsed
		case "check_violation":
			return ErrInsufficientBalance
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
