package pricing

import (
	stderrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

var testPayee = common.HexToAddress("0x2222222222222222222222222222222222222222")

func testConfig() Config {
	return Config{
		Routes: map[string]Route{
			"/api/premium":      {Price: "0.001", Description: "Premium content"},
			"/api/data/*":       {Price: "0.01"},
			"/api/data/special": {Price: "0.5"},
			"/api/data/v2/*":    {Price: "0.02"},
			"/api/free":         {Price: "0"},
			"/files/*.csv":      {Price: "0.003", MimeType: "text/csv"},
		},
		DefaultPrice: "0.005",
		Decimals:     18,
		PayTo:        testPayee,
		Asset:        x402.NativeAsset,
		Network:      x402.DefaultNetwork,
	}
}

func wei(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}

func TestResolvePrecedence(t *testing.T) {
	r, err := NewResolver(testConfig())
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/api/premium", "1000000000000000"},
		{"/api/data/special", "500000000000000000"}, // exact beats glob
		{"/api/data/items", "10000000000000000"},
		{"/api/data/v2/items", "20000000000000000"}, // longest glob wins
		{"/files/report.csv", "3000000000000000"},
		{"/somewhere/else", "5000000000000000"}, // default
	}

	for _, tt := range tests {
		req, free := r.Resolve(tt.path)
		if free {
			t.Errorf("Resolve(%q) free, want priced", tt.path)
			continue
		}
		if req.MaxAmountRequired.Big().Cmp(wei(tt.want)) != 0 {
			t.Errorf("Resolve(%q) maxAmountRequired = %s, want %s", tt.path, req.MaxAmountRequired, tt.want)
		}
		if req.Resource != tt.path {
			t.Errorf("Resolve(%q) resource = %q", tt.path, req.Resource)
		}
		if req.PayTo != testPayee {
			t.Errorf("Resolve(%q) payTo = %s", tt.path, req.PayTo.Hex())
		}
		if req.Scheme != x402.SchemeExact || req.Network != x402.DefaultNetwork {
			t.Errorf("Resolve(%q) scheme/network = %s/%s", tt.path, req.Scheme, req.Network)
		}
	}
}

func TestResolveFreeRoute(t *testing.T) {
	r, err := NewResolver(testConfig())
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}
	if _, free := r.Resolve("/api/free"); !free {
		t.Fatal("expected /api/free to be free")
	}

	cfg := testConfig()
	cfg.DefaultPrice = "0"
	r, err = NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}
	if _, free := r.Resolve("/unpriced"); !free {
		t.Fatal("expected zero default price to make unmatched paths free")
	}
}

func TestResolveRouteMetadata(t *testing.T) {
	cfg := testConfig()
	cfg.SignatureType = x402.SignatureTypeEIP712
	r, err := NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}

	req, _ := r.Resolve("/api/premium")
	if req.Description != "Premium content" {
		t.Errorf("Description = %q", req.Description)
	}
	if req.MimeType != x402.DefaultMimeType {
		t.Errorf("MimeType = %q, want %q", req.MimeType, x402.DefaultMimeType)
	}
	if req.MaxTimeoutSeconds != x402.DefaultMaxTimeoutSeconds {
		t.Errorf("MaxTimeoutSeconds = %d", req.MaxTimeoutSeconds)
	}
	if req.RequiredSignatureType() != x402.SignatureTypeEIP712 {
		t.Errorf("RequiredSignatureType = %q", req.RequiredSignatureType())
	}

	csv, _ := r.Resolve("/files/a.csv")
	if csv.MimeType != "text/csv" {
		t.Errorf("csv MimeType = %q", csv.MimeType)
	}
}

func TestNewResolverConfigErrors(t *testing.T) {
	tests := map[string]func(*Config){
		"unparsable price":    func(c *Config) { c.Routes["/bad"] = Route{Price: "abc"} },
		"negative price":      func(c *Config) { c.Routes["/bad"] = Route{Price: "-1"} },
		"too precise":         func(c *Config) { c.Decimals = 6; c.Routes["/bad"] = Route{Price: "1.0000001"} },
		"bad default":         func(c *Config) { c.DefaultPrice = "free" },
		"missing payee":       func(c *Config) { c.PayTo = common.Address{} },
		"bad signature type":  func(c *Config) { c.SignatureType = "eip4361" },
		"empty route pattern": func(c *Config) { c.Routes[""] = Route{Price: "1"} },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			_, err := NewResolver(cfg)
			var cfgErr *x402.ConfigError
			if !stderrors.As(err, &cfgErr) {
				t.Fatalf("error = %v, want *x402.ConfigError", err)
			}
		})
	}
}

func TestToAtomic(t *testing.T) {
	tests := []struct {
		price    string
		decimals uint8
		want     string
	}{
		{"0.001", 18, "1000000000000000"},
		{"1", 6, "1000000"},
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{"12345678901234567890.123456789012345678", 18, "12345678901234567890123456789012345678"},
		{"0", 18, "0"},
		{"7", 0, "7"},
	}
	for _, tt := range tests {
		got, err := ToAtomic(tt.price, tt.decimals)
		if err != nil {
			t.Errorf("ToAtomic(%q, %d) error: %v", tt.price, tt.decimals, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ToAtomic(%q, %d) = %s, want %s", tt.price, tt.decimals, got, tt.want)
		}
	}

	if _, err := ToAtomic("0.1", 0); err == nil {
		t.Error("expected error for fractional price with zero decimals")
	}
}

func TestRoutesListing(t *testing.T) {
	r, err := NewResolver(testConfig())
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}
	routes := r.Routes()
	if len(routes) != 6 {
		t.Fatalf("Routes len = %d, want 6", len(routes))
	}
	if routes[0].Pattern != "/api/data/special" {
		t.Errorf("first exact route = %s", routes[0].Pattern)
	}
	var sawFree bool
	for _, rt := range routes {
		if rt.Pattern == "/api/free" && rt.Free {
			sawFree = true
		}
	}
	if !sawFree {
		t.Error("free route not reported as free")
	}
}
