package logger

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeaderRequestID correlates gateway logs with client reports.
const HeaderRequestID = "X-Request-ID"

// Middleware injects a request-scoped logger and request ID into the context.
func Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" || len(requestID) > 128 {
				requestID = NewRequestID()
			}
			w.Header().Set(HeaderRequestID, requestID)

			reqLogger := logger.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Logger()

			ctx := WithContext(r.Context(), reqLogger)
			ctx = WithRequestID(ctx, requestID)

			reqLogger.Debug().
				Str("user_agent", r.UserAgent()).
				Bool("has_payment", r.Header.Get("X-PAYMENT") != "").
				Msg("request.started")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRequestID returns a random request identifier.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}
