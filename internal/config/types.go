package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err == nil {
		d.Duration = parsed
		return nil
	}
	if secs, convErr := time.ParseDuration(raw + "s"); convErr == nil {
		d.Duration = secs
		return nil
	}
	return fmt.Errorf("invalid duration value %q: %w", raw, err)
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is shared by the gateway and the ledger node; each binary reads the
// sections it needs.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Networks       map[string]uint64    `yaml:"networks"` // network identifier -> EVM chain id
	Chain          ChainConfig          `yaml:"chain"`
	Node           NodeConfig           `yaml:"node"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKeys        APIKeyConfig         `yaml:"api_keys"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"` // empty = allow all
	RoutePrefix        string   `yaml:"route_prefix"`         // e.g. "/x402" for the discovery and health routes
	MetricsAPIKey      string   `yaml:"metrics_api_key"`      // optional bearer token guarding /metrics
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json, console
	Environment string `yaml:"environment"` // production, staging, development
}

// GatewayConfig holds the payment gate settings.
type GatewayConfig struct {
	PayTo             string                 `yaml:"pay_to"`
	Network           string                 `yaml:"network"`
	Asset             string                 `yaml:"asset"` // empty or zero address = native asset
	Decimals          uint8                  `yaml:"decimals"`
	DefaultPrice      string                 `yaml:"default_price"` // decimal string in asset units; "0" = unmatched paths are free
	Routes            map[string]RouteConfig `yaml:"routes"`
	Description       string                 `yaml:"description"`
	MimeType          string                 `yaml:"mime_type"`
	SignatureType     string                 `yaml:"signature_type"` // optional: eip712 or eip191
	MaxTimeoutSeconds int                    `yaml:"max_timeout_seconds"`
	SettlementCap     string                 `yaml:"settlement_cap"` // atomic units, decimal or 0x-hex
	RemoteVerify      bool                   `yaml:"remote_verify"`  // ask the chain to verify before settling
	UpstreamURL       string                 `yaml:"upstream_url"`   // empty = serve demo resources
}

// RouteConfig prices a single route pattern.
type RouteConfig struct {
	Price       string `yaml:"price"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mime_type"`
}

// ChainConfig points the gateway at a ledger node.
type ChainConfig struct {
	RPCURL     string   `yaml:"rpc_url"`
	Timeout    Duration `yaml:"timeout"` // fallback settle timeout when a route carries none
	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// NodeConfig configures the reference ledger node.
type NodeConfig struct {
	Address       string           `yaml:"address"`
	Network       string           `yaml:"network"`
	FaucetEnabled bool             `yaml:"faucet_enabled"`
	Genesis       []GenesisBalance `yaml:"genesis"`
}

// GenesisBalance credits an account at node startup.
type GenesisBalance struct {
	Account string `yaml:"account"`
	Asset   string `yaml:"asset"`  // empty = native asset
	Amount  string `yaml:"amount"` // atomic units, decimal or 0x-hex
}

// StorageConfig selects the ledger storage backend.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // memory, file, postgres, mongodb
	PostgresURL     string             `yaml:"postgres_url"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
	FilePath        string             `yaml:"file_path"`
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
	SchemaMapping   SchemaMapping      `yaml:"schema_mapping"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// SchemaMapping renames ledger tables (Postgres) or collections (MongoDB).
type SchemaMapping struct {
	Nonces   string `yaml:"nonces"`
	Balances string `yaml:"balances"`
}

// RateLimitConfig configures request rate limiting.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Keyed by the payer address in the X-PAYMENT header.
	PerPayerEnabled bool     `yaml:"per_payer_enabled"`
	PerPayerLimit   int      `yaml:"per_payer_limit"`
	PerPayerWindow  Duration `yaml:"per_payer_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// APIKeyConfig maps client API keys to rate-limit tiers.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // key -> anonymous, agent or operator
}

// MonitoringConfig configures the low-balance monitor.
type MonitoringConfig struct {
	Accounts            []string          `yaml:"accounts"`              // addresses to watch
	Asset               string            `yaml:"asset"`                 // empty = gateway asset
	LowBalanceThreshold string            `yaml:"low_balance_threshold"` // atomic units, decimal or 0x-hex
	LowBalanceAlertURL  string            `yaml:"low_balance_alert_url"` // empty = metrics and logs only
	CheckInterval       Duration          `yaml:"check_interval"`
	Timeout             Duration          `yaml:"timeout"`
	AlertCooldown       Duration          `yaml:"alert_cooldown"`
	Headers             map[string]string `yaml:"headers"`
	BodyTemplate        string            `yaml:"body_template"` // text/template over the alert
}

// CallbacksConfig configures the payment.settled webhook.
type CallbacksConfig struct {
	PaymentSettledURL string              `yaml:"payment_settled_url"` // empty = disabled
	Headers           map[string]string   `yaml:"headers"`
	BodyTemplate      string              `yaml:"body_template"` // text/template over the event
	Timeout           Duration            `yaml:"timeout"`       // per attempt
	Retry             CallbackRetryConfig `yaml:"retry"`
	DLQPath           string              `yaml:"dlq_path"` // JSON file for undeliverable events, empty = memory
}

// CallbackRetryConfig controls exponential backoff between delivery attempts.
type CallbackRetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// CircuitBreakerConfig holds breaker settings for outbound dependencies.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	ChainRPC BreakerServiceConfig `yaml:"chain_rpc"`
	Upstream BreakerServiceConfig `yaml:"upstream"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
