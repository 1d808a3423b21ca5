package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/x402-gateway/internal/chain"
	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/httpserver"
	"github.com/CedrosPay/x402-gateway/internal/lifecycle"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/internal/storage"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

func main() {
	cfgPath := flag.String("config", "configs/node.yaml", "path to node config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal().Err(err).Str("file", *envFile).Msg("node.env_load_failed")
	}

	cfg, err := config.Load(*cfgPath, config.RoleNode)
	if err != nil {
		log.Fatal().Err(err).Msg("node.config_invalid")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "x402-node",
		Environment: cfg.Logging.Environment,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resources := lifecycle.NewManager()
	if err := run(ctx, cfg, appLogger, resources); err != nil {
		appLogger.Error().Err(err).Msg("node.failed")
		resources.Close()
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := resources.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("node.shutdown_failed")
		os.Exit(1)
	}
	appLogger.Info().Msg("node.stopped")
}

func run(ctx context.Context, cfg *config.Config, appLogger zerolog.Logger, resources *lifecycle.Manager) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := storage.NewStore(ctx, cfg.Storage, m)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	resources.Register("ledger-store", store)

	ledger, err := chain.NewLedger(store, cfg.EVMNetworks(), cfg.Node.Network, chain.WithMetrics(m))
	if err != nil {
		return err
	}
	if err := applyGenesis(logger.WithContext(ctx, appLogger), ledger, cfg.Node.Genesis); err != nil {
		return err
	}

	rpcServer, err := chain.NewServer(chain.NewService(ledger, cfg.Node.FaucetEnabled))
	if err != nil {
		return err
	}
	resources.RegisterFunc("rpc-server", func() error {
		rpcServer.Stop()
		return nil
	})

	srv := httpserver.NewNode(cfg, httpserver.NodeDeps{
		RPC: rpcServer,
		Health: func(ctx context.Context) error {
			_, err := ledger.Balance(ctx, common.Address{}, x402.NativeAsset)
			return err
		},
		Metrics: m,
		Logger:  appLogger,
	})
	resources.RegisterShutdown("http-server", srv.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("addr", srv.Addr()).
			Str("network", cfg.Node.Network).
			Str("storage", cfg.Storage.Backend).
			Bool("faucet", cfg.Node.FaucetEnabled).
			Msg("node.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}
}

// applyGenesis credits configured balances to accounts that hold none, so a
// restart against a persistent store does not mint twice.
func applyGenesis(ctx context.Context, ledger *chain.Ledger, genesis []config.GenesisBalance) error {
	for _, g := range genesis {
		asset := x402.NativeAsset
		if g.Asset != "" {
			asset = common.HexToAddress(g.Asset)
		}
		account := common.HexToAddress(g.Account)
		amount, err := x402.ParseAmount(g.Amount)
		if err != nil {
			return fmt.Errorf("genesis %s: %w", g.Account, err)
		}

		current, err := ledger.Balance(ctx, account, asset)
		if err != nil {
			return fmt.Errorf("genesis %s: %w", g.Account, err)
		}
		if current.Sign() > 0 {
			continue
		}
		if _, err := ledger.Fund(ctx, asset, account, amount.Big()); err != nil {
			return fmt.Errorf("genesis %s: %w", g.Account, err)
		}
		nodeLog := logger.FromContext(ctx)
		nodeLog.Info().
			Str("account", logger.TruncateAddress(account.Hex())).
			Str("amount", amount.String()).
			Msg("node.genesis_credited")
	}
	return nil
}
