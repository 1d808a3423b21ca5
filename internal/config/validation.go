package config

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/internal/pricing"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize(role Role) error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Gateway.Network == "" {
		c.Gateway.Network = x402.DefaultNetwork
	}
	if c.Gateway.MaxTimeoutSeconds <= 0 {
		c.Gateway.MaxTimeoutSeconds = x402.DefaultMaxTimeoutSeconds
	}
	if c.Node.Network == "" {
		c.Node.Network = c.Gateway.Network
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.SchemaMapping.Nonces == "" {
		c.Storage.SchemaMapping.Nonces = "x402_nonces"
	}
	if c.Storage.SchemaMapping.Balances == "" {
		c.Storage.SchemaMapping.Balances = "x402_balances"
	}

	return c.validate(role)
}

func (c *Config) validate(role Role) error {
	var errs []string

	if len(c.Networks) == 0 {
		errs = append(errs, "networks must map at least one network to a chain id")
	}
	for name, id := range c.Networks {
		if id == 0 {
			errs = append(errs, fmt.Sprintf("networks.%s: chain id must be non-zero", name))
		}
	}

	switch role {
	case RoleGateway:
		errs = append(errs, c.validateGateway()...)
	case RoleNode:
		errs = append(errs, c.validateNode()...)
	}

	errs = append(errs, c.validateRateLimit()...)

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateGateway() []string {
	var errs []string
	g := c.Gateway

	if g.PayTo == "" {
		errs = append(errs, "gateway.pay_to is required")
	} else if !common.IsHexAddress(g.PayTo) {
		errs = append(errs, fmt.Sprintf("gateway.pay_to %q is not an address", g.PayTo))
	}
	if g.Asset != "" && !common.IsHexAddress(g.Asset) {
		errs = append(errs, fmt.Sprintf("gateway.asset %q is not an address", g.Asset))
	}
	if _, ok := c.Networks[g.Network]; !ok {
		errs = append(errs, fmt.Sprintf("gateway.network %q has no chain id in networks", g.Network))
	}
	if g.SignatureType != "" && !x402.SignatureType(g.SignatureType).Valid() {
		errs = append(errs, fmt.Sprintf("gateway.signature_type %q must be eip712 or eip191", g.SignatureType))
	}
	if g.SettlementCap != "" {
		if _, err := x402.ParseAmount(g.SettlementCap); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.settlement_cap: %v", err))
		}
	}
	if g.UpstreamURL != "" {
		if u, err := url.Parse(g.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("gateway.upstream_url %q must be an absolute URL", g.UpstreamURL))
		}
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain.rpc_url is required")
	}
	for key, tier := range c.APIKeys.Keys {
		switch tier {
		case "anonymous", "agent", "operator":
		default:
			errs = append(errs, fmt.Sprintf("api_keys.keys: tier %q for key %s must be anonymous, agent or operator", tier, maskKey(key)))
		}
	}
	errs = append(errs, c.validateMonitoring()...)
	errs = append(errs, c.validateCallbacks()...)
	return errs
}

func (c *Config) validateCallbacks() []string {
	cb := c.Callbacks
	if cb.PaymentSettledURL == "" {
		return nil
	}
	var errs []string
	if u, err := url.Parse(cb.PaymentSettledURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("callbacks.payment_settled_url %q must be an absolute URL", cb.PaymentSettledURL))
	}
	if cb.Timeout.Duration <= 0 {
		errs = append(errs, "callbacks.timeout must be positive")
	}
	if cb.Retry.Enabled {
		if cb.Retry.MaxAttempts < 1 {
			errs = append(errs, "callbacks.retry.max_attempts must be at least 1")
		}
		if cb.Retry.Multiplier < 1 {
			errs = append(errs, "callbacks.retry.multiplier must be at least 1")
		}
	}
	return errs
}

func (c *Config) validateMonitoring() []string {
	var errs []string
	m := c.Monitoring
	if len(m.Accounts) == 0 {
		return nil
	}
	for i, a := range m.Accounts {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("monitoring.accounts[%d] %q is not an address", i, a))
		}
	}
	if m.Asset != "" && !common.IsHexAddress(m.Asset) {
		errs = append(errs, fmt.Sprintf("monitoring.asset %q is not an address", m.Asset))
	}
	if _, err := x402.ParseAmount(m.LowBalanceThreshold); err != nil {
		errs = append(errs, fmt.Sprintf("monitoring.low_balance_threshold: %v", err))
	}
	if m.CheckInterval.Duration <= 0 {
		errs = append(errs, "monitoring.check_interval must be positive")
	}
	if m.LowBalanceAlertURL != "" {
		if u, err := url.Parse(m.LowBalanceAlertURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("monitoring.low_balance_alert_url %q must be an absolute URL", m.LowBalanceAlertURL))
		}
	}
	return errs
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

func (c *Config) validateNode() []string {
	var errs []string

	if _, ok := c.Networks[c.Node.Network]; !ok {
		errs = append(errs, fmt.Sprintf("node.network %q has no chain id in networks", c.Node.Network))
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.FilePath == "" {
			errs = append(errs, "storage.file_path is required for the file backend")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required for the postgres backend")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required for the mongodb backend")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required for the mongodb backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q must be memory, file, postgres or mongodb", c.Storage.Backend))
	}

	for i, g := range c.Node.Genesis {
		if !common.IsHexAddress(g.Account) {
			errs = append(errs, fmt.Sprintf("node.genesis[%d].account %q is not an address", i, g.Account))
		}
		if g.Asset != "" && !common.IsHexAddress(g.Asset) {
			errs = append(errs, fmt.Sprintf("node.genesis[%d].asset %q is not an address", i, g.Asset))
		}
		if _, err := x402.ParseAmount(g.Amount); err != nil {
			errs = append(errs, fmt.Sprintf("node.genesis[%d].amount: %v", i, err))
		}
	}
	return errs
}

func (c *Config) validateRateLimit() []string {
	var errs []string
	rl := c.RateLimit
	if rl.GlobalEnabled && (rl.GlobalLimit <= 0 || rl.GlobalWindow.Duration <= 0) {
		errs = append(errs, "rate_limit.global_limit and global_window must be positive when enabled")
	}
	if rl.PerPayerEnabled && (rl.PerPayerLimit <= 0 || rl.PerPayerWindow.Duration <= 0) {
		errs = append(errs, "rate_limit.per_payer_limit and per_payer_window must be positive when enabled")
	}
	if rl.PerIPEnabled && (rl.PerIPLimit <= 0 || rl.PerIPWindow.Duration <= 0) {
		errs = append(errs, "rate_limit.per_ip_limit and per_ip_window must be positive when enabled")
	}
	return errs
}

// EVMNetworks converts the networks section for the signature codec.
func (c *Config) EVMNetworks() evm.Networks {
	n := make(evm.Networks, len(c.Networks))
	for name, id := range c.Networks {
		n[name] = new(big.Int).SetUint64(id)
	}
	return n
}

// Pricing builds the resolver configuration from the gateway section.
func (c *Config) Pricing() pricing.Config {
	g := c.Gateway
	routes := make(map[string]pricing.Route, len(g.Routes))
	for pattern, r := range g.Routes {
		routes[pattern] = pricing.Route{Price: r.Price, Description: r.Description, MimeType: r.MimeType}
	}
	asset := x402.NativeAsset
	if g.Asset != "" {
		asset = common.HexToAddress(g.Asset)
	}
	return pricing.Config{
		Routes:            routes,
		DefaultPrice:      g.DefaultPrice,
		Decimals:          g.Decimals,
		PayTo:             common.HexToAddress(g.PayTo),
		Asset:             asset,
		Network:           g.Network,
		MaxTimeoutSeconds: g.MaxTimeoutSeconds,
		Description:       g.Description,
		MimeType:          g.MimeType,
		SignatureType:     x402.SignatureType(g.SignatureType),
	}
}

// SettlementCap returns the configured cap, or nil when unset.
func (c *Config) SettlementCap() *x402.Amount {
	if c.Gateway.SettlementCap == "" {
		return nil
	}
	v, err := x402.ParseAmount(c.Gateway.SettlementCap)
	if err != nil {
		return nil
	}
	return &v
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
