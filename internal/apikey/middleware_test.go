package apikey

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func tierOf(t *testing.T, cfg Config, key string) *http.Request {
	t.Helper()
	var seen *http.Request
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/premium", nil)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	Middleware(cfg)(handler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	return seen
}

func TestMiddlewareResolvesTier(t *testing.T) {
	keys := map[string]Tier{
		"agent_key":    TierAgent,
		"operator_key": TierOperator,
	}
	tests := []struct {
		name string
		cfg  Config
		key  string
		want Tier
	}{
		{"disabled", Config{Enabled: false, Keys: keys}, "operator_key", TierAnonymous},
		{"no key", Config{Enabled: true, Keys: keys}, "", TierAnonymous},
		{"unknown key", Config{Enabled: true, Keys: keys}, "nope", TierAnonymous},
		{"agent", Config{Enabled: true, Keys: keys}, "agent_key", TierAgent},
		{"operator padded", Config{Enabled: true, Keys: keys}, " operator_key ", TierOperator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetTier(tierOf(t, tt.cfg, tt.key)); got != tt.want {
				t.Fatalf("GetTier = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExemptions(t *testing.T) {
	tests := []struct {
		tier         Tier
		exempt       bool
		bypassGlobal bool
	}{
		{TierAnonymous, false, false},
		{TierAgent, true, false},
		{TierOperator, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			r := tierOf(t, Config{Enabled: true, Keys: map[string]Tier{"k": tt.tier}}, "k")
			if got := IsExemptFromRateLimits(r); got != tt.exempt {
				t.Fatalf("IsExemptFromRateLimits = %v, want %v", got, tt.exempt)
			}
			if got := ShouldBypassGlobalLimit(r); got != tt.bypassGlobal {
				t.Fatalf("ShouldBypassGlobalLimit = %v, want %v", got, tt.bypassGlobal)
			}
		})
	}
}

func TestGetTierNoContext(t *testing.T) {
	if got := GetTier(httptest.NewRequest(http.MethodGet, "/", nil)); got != TierAnonymous {
		t.Fatalf("GetTier = %s, want anonymous", got)
	}
}

func TestTierValid(t *testing.T) {
	if !TierAgent.Valid() || Tier("enterprise").Valid() {
		t.Fatal("unexpected tier validity")
	}
}
