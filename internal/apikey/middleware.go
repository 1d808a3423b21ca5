package apikey

import (
	"context"
	"net/http"
	"strings"

	"github.com/CedrosPay/x402-gateway/internal/config"
)

// HeaderAPIKey carries the client's key.
const HeaderAPIKey = "X-API-Key"

// Tier represents the API key tier level. Keys only relax rate limits;
// every priced request still needs a settled payment.
type Tier string

const (
	TierAnonymous Tier = "anonymous" // Default tier with standard rate limits
	TierAgent     Tier = "agent"     // Known paying agent, exempt from per-IP and per-payer limits
	TierOperator  Tier = "operator"  // Gateway operator, exempt from every limit
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierAnonymous || t == TierAgent || t == TierOperator
}

type contextKey string

const contextKeyTier contextKey = "api_key_tier"

// Config holds API key configuration.
type Config struct {
	// Keys maps API key to tier level.
	Keys map[string]Tier

	// Enabled controls whether API keys are honoured.
	Enabled bool
}

// FromConfig converts the api_keys config section.
func FromConfig(cfg config.APIKeyConfig) Config {
	keys := make(map[string]Tier, len(cfg.Keys))
	for key, tier := range cfg.Keys {
		keys[strings.TrimSpace(key)] = Tier(tier)
	}
	return Config{Enabled: cfg.Enabled, Keys: keys}
}

// Middleware resolves X-API-Key to a tier and stores it in the request
// context. Missing or unknown keys proceed as TierAnonymous.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled || len(cfg.Keys) == 0 {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithTier(r.Context(), TierAnonymous)))
			})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := TierAnonymous
			if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
				if keyTier, ok := cfg.Keys[key]; ok {
					tier = keyTier
				}
			}
			next.ServeHTTP(w, r.WithContext(WithTier(r.Context(), tier)))
		})
	}
}

// WithTier stores tier in ctx.
func WithTier(ctx context.Context, tier Tier) context.Context {
	return context.WithValue(ctx, contextKeyTier, tier)
}

// GetTier extracts the tier from request context, TierAnonymous if unset.
func GetTier(r *http.Request) Tier {
	if tier, ok := r.Context().Value(contextKeyTier).(Tier); ok {
		return tier
	}
	return TierAnonymous
}

// IsExemptFromRateLimits reports whether per-IP and per-payer limits are skipped.
func IsExemptFromRateLimits(r *http.Request) bool {
	tier := GetTier(r)
	return tier == TierAgent || tier == TierOperator
}

// ShouldBypassGlobalLimit reports whether the global limit is skipped.
func ShouldBypassGlobalLimit(r *http.Request) bool {
	return GetTier(r) == TierOperator
}
