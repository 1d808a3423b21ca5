package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/CedrosPay/x402-gateway/internal/errors"
)

// adminMetricsAuth protects /metrics with a bearer token when one is configured.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			expected := "Bearer " + apiKey
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(expected)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing metrics API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
