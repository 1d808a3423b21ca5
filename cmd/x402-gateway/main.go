package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/httpserver"
	"github.com/CedrosPay/x402-gateway/pkg/paygate"
)

func main() {
	cfgPath := flag.String("config", "configs/gateway.yaml", "path to gateway config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal().Err(err).Str("file", *envFile).Msg("gateway.env_load_failed")
	}

	cfg, err := config.Load(*cfgPath, config.RoleGateway)
	if err != nil {
		log.Fatal().Err(err).Msg("gateway.config_invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.Timeout.Duration)
	app, err := paygate.NewApp(dialCtx, cfg)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("gateway.init_failed")
	}

	srv := httpserver.New(cfg, cfg.Server.Address, app.Handler())
	app.RegisterShutdown("http-server", srv.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info().
			Str("addr", srv.Addr()).
			Str("network", cfg.Gateway.Network).
			Str("chain_rpc", cfg.Chain.RPCURL).
			Int("routes", len(app.Resolver.Routes())).
			Msg("gateway.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			app.Logger.Error().Err(err).Msg("gateway.serve_failed")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := app.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("gateway.shutdown_failed")
		os.Exit(1)
	}
	app.Logger.Info().Msg("gateway.stopped")
}
