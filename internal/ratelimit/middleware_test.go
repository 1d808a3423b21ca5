package ratelimit

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/internal/apikey"
	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.GlobalEnabled || cfg.GlobalLimit != 1000 {
		t.Errorf("global = %v/%d, want enabled/1000", cfg.GlobalEnabled, cfg.GlobalLimit)
	}
	if !cfg.PerPayerEnabled || cfg.PerPayerLimit != 60 {
		t.Errorf("per payer = %v/%d, want enabled/60", cfg.PerPayerEnabled, cfg.PerPayerLimit)
	}
	if !cfg.PerIPEnabled {
		t.Error("expected per-IP rate limiting to be enabled by default")
	}
}

func TestGlobalLimiterDisabled(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: false})(ok)
	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestGlobalLimiterEnforcesLimit(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: true, GlobalLimit: 5, GlobalWindow: time.Minute})(ok)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}

	var body errors.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != errors.ErrCodeRateLimited || !body.Error.Retryable {
		t.Fatalf("body = %+v, want retryable rate_limit_exceeded", body.Error)
	}
}

func paymentHeader(t *testing.T) string {
	t.Helper()
	signer, err := evm.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner error: %v", err)
	}
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.DefaultNetwork,
		MaxAmountRequired: x402.AmountFromUint64(1),
		PayTo:             common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	p, err := signer.Authorize(req, big.NewInt(x402.DefaultChainID), evm.AuthorizeOptions{})
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	h, err := x402.EncodePayment(p)
	if err != nil {
		t.Fatalf("EncodePayment error: %v", err)
	}
	return h
}

func TestPayerLimiterKeysOnPayer(t *testing.T) {
	handler := PayerLimiter(Config{PerPayerEnabled: true, PerPayerLimit: 2, PerPayerWindow: time.Minute})(ok)
	first, second := paymentHeader(t), paymentHeader(t)

	send := func(header string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/premium", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		r.Header.Set(x402.HeaderPayment, header)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := send(first); code != http.StatusOK {
			t.Fatalf("payer 1 request %d: status = %d, want 200", i, code)
		}
	}
	if code := send(first); code != http.StatusTooManyRequests {
		t.Fatalf("payer 1 over limit: status = %d, want 429", code)
	}
	if code := send(second); code != http.StatusOK {
		t.Fatalf("payer 2 from same IP: status = %d, want 200", code)
	}
}

func TestPayerFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := payerFromRequest(r); got != "" {
		t.Fatalf("payer without header = %q", got)
	}
	r.Header.Set(x402.HeaderPayment, "%%%")
	if got := payerFromRequest(r); got != "" {
		t.Fatalf("payer with garbage header = %q", got)
	}
}

func TestLimitersHonourAPIKeyTiers(t *testing.T) {
	cfg := Config{
		GlobalEnabled: true, GlobalLimit: 1, GlobalWindow: time.Minute,
		PerIPEnabled: true, PerIPLimit: 1, PerIPWindow: time.Minute,
	}
	keys := apikey.Middleware(apikey.Config{Enabled: true, Keys: map[string]apikey.Tier{
		"agent":    apikey.TierAgent,
		"operator": apikey.TierOperator,
	}})

	tests := []struct {
		name    string
		limiter func(http.Handler) http.Handler
		key     string
		want    int
	}{
		{"per-ip anonymous", IPLimiter(cfg), "", http.StatusTooManyRequests},
		{"per-ip agent", IPLimiter(cfg), "agent", http.StatusOK},
		{"global agent", GlobalLimiter(cfg), "agent", http.StatusTooManyRequests},
		{"global operator", GlobalLimiter(cfg), "operator", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := keys(tt.limiter(ok))
			var last int
			for i := 0; i < 3; i++ {
				r := httptest.NewRequest(http.MethodGet, "/test", nil)
				if tt.key != "" {
					r.Header.Set(apikey.HeaderAPIKey, tt.key)
				}
				w := httptest.NewRecorder()
				handler.ServeHTTP(w, r)
				last = w.Code
			}
			if last != tt.want {
				t.Fatalf("third request status = %d, want %d", last, tt.want)
			}
		})
	}
}
