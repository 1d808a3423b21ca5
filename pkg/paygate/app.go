// Package paygate assembles an x402 payment gateway for embedding in another
// Go service or for standalone serving.
package paygate

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/CedrosPay/x402-gateway/internal/callbacks"
	"github.com/CedrosPay/x402-gateway/internal/chain"
	"github.com/CedrosPay/x402-gateway/internal/circuitbreaker"
	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/httpserver"
	"github.com/CedrosPay/x402-gateway/internal/lifecycle"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/internal/monitoring"
	"github.com/CedrosPay/x402-gateway/internal/observability"
	"github.com/CedrosPay/x402-gateway/internal/paywall"
	"github.com/CedrosPay/x402-gateway/internal/pricing"
	"github.com/CedrosPay/x402-gateway/internal/rpcutil"
	"github.com/CedrosPay/x402-gateway/internal/settlement"
	"github.com/CedrosPay/x402-gateway/internal/verification"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// App wires the gateway components for reuse or standalone serving.
type App struct {
	Config   *config.Config
	Chain    x402.ChainClient
	Resolver *pricing.Resolver
	Verifier *verification.Engine
	Settler  *settlement.Engine
	Paywall  *paywall.Service
	Breakers *circuitbreaker.Manager
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Hooks    *observability.Registry
	// Monitor is nil unless monitoring.accounts is set and the chain client
	// can read balances.
	Monitor *monitoring.BalanceMonitor

	router          chi.Router
	gatherer        prometheus.Gatherer
	resourceManager *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	chain    x402.ChainClient
	router   chi.Router
	registry *prometheus.Registry
	logger   *zerolog.Logger
	upstream http.Handler
}

// WithChain injects a chain client instead of dialing chain.rpc_url. Use the
// in-process ledger for tests and single-binary deployments.
func WithChain(c x402.ChainClient) Option {
	return func(o *options) { o.chain = c }
}

// WithRouter registers the gateway routes on an existing chi router. The
// router must not have routes yet since the gateway installs middleware.
func WithRouter(router chi.Router) Option {
	return func(o *options) { o.router = router }
}

// WithRegistry registers metrics on r instead of the default registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger overrides the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithUpstream serves paid requests with h instead of the configured upstream.
func WithUpstream(h http.Handler) Option {
	return func(o *options) { o.upstream = h }
}

// NewApp assembles the gateway. ctx bounds dialing the chain.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("paygate: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	if optState.logger != nil {
		app.Logger = *optState.logger
	} else {
		app.Logger = logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     "x402-gateway",
			Environment: cfg.Logging.Environment,
		})
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	app.gatherer = prometheus.DefaultGatherer
	if optState.registry != nil {
		registerer = optState.registry
		app.gatherer = optState.registry
	}
	app.Metrics = metrics.New(registerer)

	app.Breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, func(service circuitbreaker.ServiceType, from, to string) {
		app.Metrics.ObserveBreakerState(string(service), to)
		app.Logger.Warn().
			Str("service", string(service)).
			Str("from", from).
			Str("to", to).
			Msg("circuit_breaker.state_changed")
	})

	resolver, err := pricing.NewResolver(cfg.Pricing())
	if err != nil {
		return nil, err
	}
	app.Resolver = resolver

	if optState.chain != nil {
		app.Chain = optState.chain
	} else {
		retry := rpcutil.RetryConfig{MaxRetries: cfg.Chain.MaxRetries, BaseDelay: cfg.Chain.RetryDelay.Duration}
		client, err := rpcutil.WithRetryCustom(ctx, retry, func() (*chain.RPCClient, error) {
			return chain.Dial(ctx, cfg.Chain.RPCURL,
				chain.WithNetworkLabel(cfg.Gateway.Network),
				chain.WithClientMetrics(app.Metrics))
		})
		if err != nil {
			return nil, fmt.Errorf("dial chain %s: %w", cfg.Chain.RPCURL, err)
		}
		app.Chain = client
		app.resourceManager.Register("chain-rpc", client)
	}

	app.Verifier = verification.NewEngine(cfg.EVMNetworks())

	settleOpts := []settlement.Option{
		settlement.WithBreakers(app.Breakers),
		settlement.WithMetrics(app.Metrics),
		settlement.WithTimeout(cfg.Chain.Timeout.Duration),
	}
	if limit := cfg.SettlementCap(); limit != nil {
		settleOpts = append(settleOpts, settlement.WithSettlementCap(*limit))
	}
	if cfg.Gateway.RemoteVerify {
		settleOpts = append(settleOpts, settlement.WithRemoteVerify(rpcutil.RetryConfig{
			MaxRetries: cfg.Chain.MaxRetries,
			BaseDelay:  cfg.Chain.RetryDelay.Duration,
		}))
	}
	app.Settler = settlement.NewEngine(app.Chain, app.Verifier, settleOpts...)
	if err := app.registerHooks(); err != nil {
		app.Close()
		return nil, err
	}
	app.Paywall = paywall.NewService(app.Resolver, app.Verifier, app.Settler,
		paywall.WithMetrics(app.Metrics),
		paywall.WithHooks(app.Hooks))

	if err := app.startMonitor(); err != nil {
		app.Close()
		return nil, err
	}

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	if err := httpserver.ConfigureGateway(app.router, cfg, app.gatewayDeps(optState.upstream)); err != nil {
		return nil, err
	}

	return app, nil
}

// registerHooks installs the debug event log and the payment.settled
// callback when configured.
func (a *App) registerHooks() error {
	a.Hooks = observability.NewRegistry(a.Logger.With().Str("component", "hooks").Logger())
	if a.Logger.GetLevel() <= zerolog.DebugLevel {
		a.Hooks.RegisterPaymentHook(observability.NewLoggingHook(a.Logger))
	}

	cb := a.Config.Callbacks
	if cb.PaymentSettledURL == "" {
		return nil
	}
	var dlq callbacks.DLQStore = callbacks.NewMemoryDLQStore()
	if cb.DLQPath != "" {
		store, err := callbacks.NewFileDLQStore(cb.DLQPath)
		if err != nil {
			return fmt.Errorf("callbacks dlq: %w", err)
		}
		dlq = store
	}
	notifier, err := callbacks.NewRetryableClient(cb,
		callbacks.WithRetryLogger(a.Logger.With().Str("component", "callbacks").Logger()),
		callbacks.WithDLQStore(dlq),
		callbacks.WithMetrics(a.Metrics))
	if err != nil {
		return err
	}
	a.Hooks.RegisterPaymentHook(callbacks.NewHook(notifier))
	a.resourceManager.RegisterShutdown("payment-callbacks", notifier.Close)
	return nil
}

func (a *App) startMonitor() error {
	if len(a.Config.Monitoring.Accounts) == 0 {
		return nil
	}
	reader, ok := a.Chain.(monitoring.BalanceReader)
	if !ok {
		a.Logger.Warn().Msg("balance_monitor.chain_cannot_read_balances")
		return nil
	}
	mon, err := monitoring.NewBalanceMonitor(a.Config.Monitoring, a.Config.Pricing().Asset, reader, a.Metrics,
		a.Logger.With().Str("component", "balance_monitor").Logger())
	if err != nil {
		return err
	}
	// The dial context ends with NewApp; the loop lives until Close.
	mon.Start(context.Background())
	a.resourceManager.RegisterFunc("balance-monitor", func() error {
		mon.Stop()
		return nil
	})
	a.Monitor = mon
	return nil
}

func (a *App) gatewayDeps(upstream http.Handler) httpserver.GatewayDeps {
	return httpserver.GatewayDeps{
		Paywall:  a.Paywall,
		Resolver: a.Resolver,
		Breakers: a.Breakers,
		Metrics:  a.Metrics,
		Gatherer: a.gatherer,
		Logger:   a.Logger,
		Upstream: upstream,
	}
}

// Router returns the chi router with gateway routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Middleware gates an arbitrary handler by URL path, for callers that keep
// their own router.
func (a *App) Middleware(next http.Handler) http.Handler {
	return a.Paywall.Middleware(next)
}

// UnaryServerInterceptor gates gRPC methods.
func (a *App) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return a.Paywall.UnaryServerInterceptor()
}

// GatewayMuxOptions wires a grpc-gateway mux to the payment headers.
func (a *App) GatewayMuxOptions() []runtime.ServeMuxOption {
	return paywall.GatewayMuxOptions()
}

// RegisterShutdown adds a cleanup that runs on Close before the app's own.
func (a *App) RegisterShutdown(name string, fn func(context.Context) error) {
	a.resourceManager.RegisterShutdown(name, fn)
}

// Close releases resources owned by the app.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// Shutdown releases resources within ctx.
func (a *App) Shutdown(ctx context.Context) error {
	return a.resourceManager.Shutdown(ctx)
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(ctx context.Context, cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return app.Handler(), app.Shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the gateway.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path, config.RoleGateway)
}
