package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

const testPayTo = "0x2222222222222222222222222222222222222222"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadGatewayRequiresPayee(t *testing.T) {
	_, err := Load("", RoleGateway)
	if err == nil {
		t.Fatal("expected error when pay_to is missing, got nil")
	}
	if !strings.Contains(err.Error(), "gateway.pay_to is required") {
		t.Fatalf("error = %q, want pay_to message", err)
	}
}

func TestLoadGatewayFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
  write_timeout: 120
gateway:
  pay_to: "`+testPayTo+`"
  default_price: "0.005"
  settlement_cap: "0x10"
  routes:
    /api/premium:
      price: "0.001"
      description: Premium content
    /api/data/*:
      price: "0.01"
chain:
  rpc_url: http://node:8545
  timeout: 10s
`)

	cfg, err := Load(path, RoleGateway)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("Server.Address = %q, want :9090", cfg.Server.Address)
	}
	if cfg.Server.WriteTimeout.Duration != 120*time.Second {
		t.Fatalf("WriteTimeout = %v, want 120s", cfg.Server.WriteTimeout)
	}
	if cfg.Chain.Timeout.Duration != 10*time.Second {
		t.Fatalf("Chain.Timeout = %v, want 10s", cfg.Chain.Timeout)
	}

	pc := cfg.Pricing()
	if pc.PayTo != common.HexToAddress(testPayTo) {
		t.Fatalf("PayTo = %s", pc.PayTo.Hex())
	}
	if pc.Asset != x402.NativeAsset {
		t.Fatalf("Asset = %s, want native", pc.Asset.Hex())
	}
	if pc.Routes["/api/premium"].Description != "Premium content" {
		t.Fatalf("route description = %q", pc.Routes["/api/premium"].Description)
	}
	if c := cfg.SettlementCap(); c == nil || c.Big().Int64() != 16 {
		t.Fatalf("SettlementCap = %v, want 16", c)
	}
	if id, ok := cfg.EVMNetworks().ChainID(x402.DefaultNetwork); !ok || id.Int64() != x402.DefaultChainID {
		t.Fatalf("chain id = %v, want %d", id, x402.DefaultChainID)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("X402_PAY_TO", testPayTo)
	t.Setenv("X402_SERVER_ADDRESS", ":7070")
	t.Setenv("X402_SIGNATURE_TYPE", "eip191")
	t.Setenv("X402_REMOTE_VERIFY", "true")
	t.Setenv("X402_CHAIN_TIMEOUT", "5s")
	t.Setenv("X402_ROUTE_PREFIX", "x402/")
	t.Setenv("X402_CHAIN_ID", "31337")

	cfg, err := Load("", RoleGateway)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("Server.Address = %q", cfg.Server.Address)
	}
	if cfg.Gateway.SignatureType != "eip191" || !cfg.Gateway.RemoteVerify {
		t.Fatalf("gateway overrides not applied: %+v", cfg.Gateway)
	}
	if cfg.Chain.Timeout.Duration != 5*time.Second {
		t.Fatalf("Chain.Timeout = %v", cfg.Chain.Timeout)
	}
	if cfg.Server.RoutePrefix != "/x402" {
		t.Fatalf("RoutePrefix = %q, want /x402", cfg.Server.RoutePrefix)
	}
	if cfg.Networks[x402.DefaultNetwork] != 31337 {
		t.Fatalf("chain id = %d, want 31337", cfg.Networks[x402.DefaultNetwork])
	}
}

func TestLoadGatewayValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad payee", map[string]string{"X402_PAY_TO": "nope"}, "is not an address"},
		{"bad signature type", map[string]string{"X402_PAY_TO": testPayTo, "X402_SIGNATURE_TYPE": "eip4361"}, "gateway.signature_type"},
		{"bad cap", map[string]string{"X402_PAY_TO": testPayTo, "X402_SETTLEMENT_CAP": "-5"}, "gateway.settlement_cap"},
		{"unknown network", map[string]string{"X402_PAY_TO": testPayTo, "X402_NETWORK": "base"}, "has no chain id"},
		{"relative upstream", map[string]string{"X402_PAY_TO": testPayTo, "X402_UPSTREAM_URL": "/api"}, "gateway.upstream_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("", RoleGateway)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNodeValidation(t *testing.T) {
	cfg, err := Load("", RoleNode)
	if err != nil {
		t.Fatalf("Load(node defaults) error: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Storage.SchemaMapping.Nonces != "x402_nonces" {
		t.Fatalf("nonces table = %q", cfg.Storage.SchemaMapping.Nonces)
	}

	t.Setenv("X402_STORAGE_BACKEND", "postgres")
	if _, err := Load("", RoleNode); err == nil || !strings.Contains(err.Error(), "storage.postgres_url") {
		t.Fatalf("error = %v, want postgres_url message", err)
	}

	t.Setenv("X402_STORAGE_BACKEND", "redis")
	if _, err := Load("", RoleNode); err == nil || !strings.Contains(err.Error(), "storage.backend") {
		t.Fatalf("error = %v, want backend message", err)
	}
}

func TestLoadNodeGenesis(t *testing.T) {
	path := writeConfig(t, `
node:
  faucet_enabled: true
  genesis:
    - account: "0x1111111111111111111111111111111111111111"
      amount: "1000000000000000000"
    - account: "not-an-address"
      amount: "-1"
`)
	_, err := Load(path, RoleNode)
	if err == nil {
		t.Fatal("expected genesis validation error")
	}
	for _, want := range []string{"genesis[1].account", "genesis[1].amount"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error = %q, want containing %q", err, want)
		}
	}
}

func TestDurationYAML(t *testing.T) {
	path := writeConfig(t, `
gateway:
  pay_to: "`+testPayTo+`"
rate_limit:
  global_window: bogus
`)
	if _, err := Load(path, RoleGateway); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestLoadAPIKeysAndMonitoring(t *testing.T) {
	path := writeConfig(t, `
gateway:
  pay_to: "`+testPayTo+`"
api_keys:
  enabled: true
  keys:
    agent_123: agent
monitoring:
  accounts: ["0x3333333333333333333333333333333333333333"]
  low_balance_threshold: "1000"
  low_balance_alert_url: https://hooks.example/alert
`)
	cfg, err := Load(path, RoleGateway)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !cfg.APIKeys.Enabled || cfg.APIKeys.Keys["agent_123"] != "agent" {
		t.Fatalf("api keys = %+v", cfg.APIKeys)
	}
	if cfg.Monitoring.CheckInterval.Duration != 5*time.Minute {
		t.Fatalf("check interval = %v, want 5m default", cfg.Monitoring.CheckInterval.Duration)
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"unknown tier", "api_keys:\n  keys:\n    secretkey: enterprise\n", "secr****"},
		{"bad account", "monitoring:\n  accounts: [\"nope\"]\n  low_balance_threshold: \"1\"\n", "monitoring.accounts[0]"},
		{"missing threshold", "monitoring:\n  accounts: [\"0x3333333333333333333333333333333333333333\"]\n", "monitoring.low_balance_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "gateway:\n  pay_to: \""+testPayTo+"\"\n"+tt.body), RoleGateway)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCallbacks(t *testing.T) {
	t.Setenv("X402_CALLBACK_URL", "https://merchant.example/x402")
	cfg, err := Load(writeConfig(t, "gateway:\n  pay_to: \""+testPayTo+"\"\n"), RoleGateway)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	cb := cfg.Callbacks
	if cb.PaymentSettledURL != "https://merchant.example/x402" {
		t.Fatalf("url = %q", cb.PaymentSettledURL)
	}
	if !cb.Retry.Enabled || cb.Retry.MaxAttempts != 5 || cb.Retry.Multiplier != 2 || cb.Timeout.Duration != 10*time.Second {
		t.Fatalf("defaults = %+v", cb)
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"relative url", "callbacks:\n  payment_settled_url: /hook\n", "callbacks.payment_settled_url"},
		{"zero attempts", "callbacks:\n  payment_settled_url: https://h.example\n  retry:\n    max_attempts: 0\n", "callbacks.retry.max_attempts"},
		{"shrinking backoff", "callbacks:\n  payment_settled_url: https://h.example\n  retry:\n    multiplier: 0.5\n", "callbacks.retry.multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("X402_CALLBACK_URL", "")
			_, err := Load(writeConfig(t, "gateway:\n  pay_to: \""+testPayTo+"\"\n"+tt.body), RoleGateway)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
