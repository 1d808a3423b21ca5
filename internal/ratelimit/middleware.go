package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/x402-gateway/internal/apikey"
	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// Config holds rate limiting configuration.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-payer limits key on the `from` address in X-PAYMENT and fall back
	// to the client IP for requests without a decodable payment.
	PerPayerEnabled bool
	PerPayerLimit   int
	PerPayerWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// DefaultConfig returns generous limits meant to stop abuse, not paying clients.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,

		PerPayerEnabled: true,
		PerPayerLimit:   60,
		PerPayerWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  time.Minute,
	}
}

// FromConfig converts the rate_limit config section.
func FromConfig(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:   cfg.GlobalEnabled,
		GlobalLimit:     cfg.GlobalLimit,
		GlobalWindow:    cfg.GlobalWindow.Duration,
		PerPayerEnabled: cfg.PerPayerEnabled,
		PerPayerLimit:   cfg.PerPayerLimit,
		PerPayerWindow:  cfg.PerPayerWindow.Duration,
		PerIPEnabled:    cfg.PerIPEnabled,
		PerIPLimit:      cfg.PerIPLimit,
		PerIPWindow:     cfg.PerIPWindow.Duration,
		Metrics:         m,
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// unless skips limiter for requests whose API key tier is exempt.
func unless(exempt func(*http.Request) bool, limiter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func limitHandler(limitType string, window time.Duration, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	retryAfter := int(window.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)
		log := logger.FromContext(r.Context())
		log.Warn().
			Str("limit_type", limitType).
			Msg("ratelimit.exceeded")

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_payer":
			if payer := payerFromRequest(r); payer != "" {
				message = fmt.Sprintf("Rate limit exceeded for payer %s. Please try again later.", logger.TruncateAddress(payer))
			} else {
				message = "Rate limit exceeded. Please try again later."
			}
		default:
			message = "IP rate limit exceeded. Please try again later."
		}

		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		errors.WriteError(w, errors.ErrCodeRateLimited, message, map[string]interface{}{
			"limitType":         limitType,
			"retryAfterSeconds": retryAfter,
		})
	}
}

// GlobalLimiter limits all requests together.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return unless(apikey.ShouldBypassGlobalLimit, httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(limitHandler("global", cfg.GlobalWindow, cfg.Metrics)),
	))
}

// PayerLimiter limits requests per paying address.
func PayerLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerPayerEnabled {
		return passthrough
	}
	return unless(apikey.IsExemptFromRateLimits, httprate.Limit(
		cfg.PerPayerLimit,
		cfg.PerPayerWindow,
		httprate.WithKeyFuncs(payerKey),
		httprate.WithLimitHandler(limitHandler("per_payer", cfg.PerPayerWindow, cfg.Metrics)),
	))
}

// IPLimiter limits requests per client IP.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	return unless(apikey.IsExemptFromRateLimits, httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow, cfg.Metrics)),
	))
}

func payerKey(r *http.Request) (string, error) {
	if payer := payerFromRequest(r); payer != "" {
		return "payer:" + payer, nil
	}
	return httprate.KeyByIP(r)
}

// payerFromRequest decodes X-PAYMENT just far enough to read the claimed
// payer. The claim is unverified, so it only selects a bucket.
func payerFromRequest(r *http.Request) string {
	raw := x402.PaymentHeader(r.Header)
	if raw == "" {
		return ""
	}
	payment, err := x402.DecodePayment(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(payment.Payload.From.Hex())
}
