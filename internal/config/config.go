package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// Role selects which sections are validated.
type Role int

const (
	RoleGateway Role = iota
	RoleNode
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string, role Role) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(role); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	breaker := BreakerServiceConfig{
		MaxRequests:         3,
		Interval:            Duration{Duration: 60 * time.Second},
		Timeout:             Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 90 * time.Second}, // settlement may take up to max_timeout_seconds
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Gateway: GatewayConfig{
			Network:           x402.DefaultNetwork,
			Decimals:          x402.DefaultAssetDecimals,
			DefaultPrice:      "0",
			Routes:            map[string]RouteConfig{},
			MimeType:          x402.DefaultMimeType,
			MaxTimeoutSeconds: x402.DefaultMaxTimeoutSeconds,
		},
		Networks: map[string]uint64{
			x402.DefaultNetwork: x402.DefaultChainID,
		},
		Chain: ChainConfig{
			RPCURL:     "http://localhost:8545",
			Timeout:    Duration{Duration: 30 * time.Second},
			MaxRetries: 3,
			RetryDelay: Duration{Duration: 100 * time.Millisecond},
		},
		Node: NodeConfig{
			Address: ":8545",
			Network: x402.DefaultNetwork,
		},
		Storage: StorageConfig{
			Backend:         "memory",
			MongoDBDatabase: "x402",
			FilePath:        "./data/ledger.json",
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:   true,
			GlobalLimit:     1000,
			GlobalWindow:    Duration{Duration: time.Minute},
			PerPayerEnabled: true,
			PerPayerLimit:   60,
			PerPayerWindow:  Duration{Duration: time.Minute},
			PerIPEnabled:    true,
			PerIPLimit:      120,
			PerIPWindow:     Duration{Duration: time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:  true,
			ChainRPC: breaker,
			Upstream: breaker,
		},
		Monitoring: MonitoringConfig{
			CheckInterval: Duration{Duration: 5 * time.Minute},
			Timeout:       Duration{Duration: 5 * time.Second},
			AlertCooldown: Duration{Duration: 24 * time.Hour},
		},
		Callbacks: CallbacksConfig{
			Timeout: Duration{Duration: 10 * time.Second},
			Retry: CallbackRetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
