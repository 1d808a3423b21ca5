package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-gateway/internal/apikey"
	"github.com/CedrosPay/x402-gateway/internal/circuitbreaker"
	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/internal/paywall"
	"github.com/CedrosPay/x402-gateway/internal/pricing"
	"github.com/CedrosPay/x402-gateway/internal/ratelimit"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

var serverStartTime = time.Now()

// Server owns the net/http server for a gateway or a node.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// GatewayDeps are the collaborators the gateway routes need.
type GatewayDeps struct {
	Paywall  *paywall.Service
	Resolver *pricing.Resolver
	Breakers *circuitbreaker.Manager
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil uses the default registry
	Logger   zerolog.Logger
	// Upstream serves paid requests. When nil the gateway proxies to
	// gateway.upstream_url, or serves the demo resources if that is empty.
	Upstream http.Handler
}

type handlers struct {
	cfg      *config.Config
	resolver *pricing.Resolver
	breakers *circuitbreaker.Manager
	logger   zerolog.Logger
}

// NewGateway builds the payment gateway server.
func NewGateway(cfg *config.Config, deps GatewayDeps) (*Server, error) {
	router := chi.NewRouter()
	if err := ConfigureGateway(router, cfg, deps); err != nil {
		return nil, err
	}
	return New(cfg, cfg.Server.Address, router), nil
}

// ConfigureGateway attaches gateway routes to an existing router.
func ConfigureGateway(router chi.Router, cfg *config.Config, deps GatewayDeps) error {
	h := handlers{cfg: cfg, resolver: deps.Resolver, breakers: deps.Breakers, logger: deps.Logger}

	upstream := deps.Upstream
	if upstream == nil {
		if cfg.Gateway.UpstreamURL != "" {
			proxy, err := newUpstreamProxy(cfg.Gateway.UpstreamURL, deps.Breakers, deps.Logger)
			if err != nil {
				return err
			}
			upstream = proxy
		} else {
			upstream = demoResources()
		}
	}

	applyCommonMiddleware(router, cfg, deps.Logger)

	router.Use(apikey.Middleware(apikey.FromConfig(cfg.APIKeys)))

	rl := ratelimit.FromConfig(cfg.RateLimit, deps.Metrics)
	router.Use(ratelimit.GlobalLimiter(rl))
	router.Use(ratelimit.IPLimiter(rl))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with 5s timeout (health checks, discovery, metrics)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", h.gatewayHealth)
		r.Get(prefix+"/.well-known/x402", h.wellKnownX402)
		r.With(adminMetricsAuth(cfg.Server.MetricsAPIKey)).Handle(prefix+"/metrics", metricsHandler(deps.Gatherer))
	})

	// Everything else is a priced resource. Settlement is bounded by the
	// requirement's maxTimeoutSeconds, so the route timeout sits above it.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(routeTimeout(cfg)))
		r.Use(ratelimit.PayerLimiter(rl))
		r.Use(deps.Paywall.Middleware)
		r.Handle("/*", upstream)
	})
	return nil
}

// NodeDeps are the collaborators of the reference chain node.
type NodeDeps struct {
	RPC      http.Handler // go-ethereum rpc.Server
	Health   func(context.Context) error
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// NewNode builds the JSON-RPC server of the reference chain node.
func NewNode(cfg *config.Config, deps NodeDeps) *Server {
	router := chi.NewRouter()
	applyCommonMiddleware(router, cfg, deps.Logger)

	rl := ratelimit.FromConfig(cfg.RateLimit, deps.Metrics)
	router.Use(ratelimit.IPLimiter(rl))

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", nodeHealth(deps.Health))
		r.With(adminMetricsAuth(cfg.Server.MetricsAPIKey)).Handle("/metrics", metricsHandler(deps.Gatherer))
	})
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Chain.Timeout.Duration))
		r.Handle("/", deps.RPC)
		r.Handle("/rpc", deps.RPC)
	})

	return New(cfg, cfg.Node.Address, router)
}

// New wraps handler in an http.Server using the configured timeouts.
func New(cfg *config.Config, addr string, handler http.Handler) *Server {
	return &Server{
		handler: handler,
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

func applyCommonMiddleware(router chi.Router, cfg *config.Config, appLogger zerolog.Logger) {
	origins := cfg.Server.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{x402.HeaderPaymentResponse, logger.HeaderRequestID},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler)

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.Recoverer)
}

func routeTimeout(cfg *config.Config) time.Duration {
	settle := time.Duration(cfg.Gateway.MaxTimeoutSeconds) * time.Second
	if settle <= 0 {
		settle = time.Duration(x402.DefaultMaxTimeoutSeconds) * time.Second
	}
	return settle + 10*time.Second
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
