package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the X402_ prefix.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "X402_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "X402_ROUTE_PREFIX")
	setIfEnv(&c.Server.MetricsAPIKey, "X402_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	setIfEnv(&c.Logging.Level, "X402_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "X402_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "X402_ENVIRONMENT")

	setIfEnv(&c.Gateway.PayTo, "X402_PAY_TO")
	setIfEnv(&c.Gateway.Network, "X402_NETWORK")
	setIfEnv(&c.Gateway.Asset, "X402_ASSET")
	setIfEnv(&c.Gateway.DefaultPrice, "X402_DEFAULT_PRICE")
	setIfEnv(&c.Gateway.SignatureType, "X402_SIGNATURE_TYPE")
	setIfEnv(&c.Gateway.SettlementCap, "X402_SETTLEMENT_CAP")
	setIfEnv(&c.Gateway.UpstreamURL, "X402_UPSTREAM_URL")
	setBoolIfEnv(&c.Gateway.RemoteVerify, "X402_REMOTE_VERIFY")
	if v := os.Getenv("X402_DECIMALS"); v != "" {
		if d, err := strconv.ParseUint(v, 10, 8); err == nil {
			c.Gateway.Decimals = uint8(d)
		}
	}
	if v := os.Getenv("X402_MAX_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Gateway.MaxTimeoutSeconds = n
		}
	}

	setIfEnv(&c.Chain.RPCURL, "X402_CHAIN_RPC_URL")
	setDurationIfEnv(&c.Chain.Timeout, "X402_CHAIN_TIMEOUT")

	setIfEnv(&c.Node.Address, "X402_NODE_ADDRESS")
	setIfEnv(&c.Node.Network, "X402_NODE_NETWORK")
	setBoolIfEnv(&c.Node.FaucetEnabled, "X402_NODE_FAUCET_ENABLED")

	// X402_CHAIN_ID rebinds the node (or gateway) network's chain id.
	if v := os.Getenv("X402_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			if c.Networks == nil {
				c.Networks = map[string]uint64{}
			}
			network := c.Node.Network
			if network == "" {
				network = c.Gateway.Network
			}
			c.Networks[network] = id
		}
	}

	setIfEnv(&c.Storage.Backend, "X402_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "X402_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "X402_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "X402_MONGODB_DATABASE")
	setIfEnv(&c.Storage.FilePath, "X402_STORAGE_FILE_PATH")

	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "X402_RATE_LIMIT_GLOBAL_ENABLED")
	setBoolIfEnv(&c.RateLimit.PerPayerEnabled, "X402_RATE_LIMIT_PER_PAYER_ENABLED")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "X402_RATE_LIMIT_PER_IP_ENABLED")

	setBoolIfEnv(&c.APIKeys.Enabled, "X402_API_KEYS_ENABLED")

	setIfEnv(&c.Monitoring.LowBalanceAlertURL, "X402_LOW_BALANCE_ALERT_URL")
	setIfEnv(&c.Monitoring.LowBalanceThreshold, "X402_LOW_BALANCE_THRESHOLD")
	setDurationIfEnv(&c.Monitoring.CheckInterval, "X402_MONITOR_CHECK_INTERVAL")

	setIfEnv(&c.Callbacks.PaymentSettledURL, "X402_CALLBACK_URL")
	setIfEnv(&c.Callbacks.DLQPath, "X402_CALLBACK_DLQ_PATH")

	setBoolIfEnv(&c.CircuitBreaker.Enabled, "X402_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
