package paywall

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/pkg/responders"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// ResourceResolver extracts the priced resource from a request.
type ResourceResolver func(*http.Request) string

// PathResource prices requests by URL path.
func PathResource(r *http.Request) string { return r.URL.Path }

// Middleware gates next behind payment, pricing requests by URL path.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return s.MiddlewareFor(PathResource)(next)
}

// MiddlewareFor gates handlers behind payment with a custom resource resolver.
// The protected handler only runs after settlement reported success.
func (s *Service) MiddlewareFor(resolve ResourceResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resource := resolve(r)

			result, err := s.Authorize(r.Context(), resource, x402.PaymentHeader(r.Header))
			if err != nil {
				s.writeFailure(w, r, result, err)
				return
			}
			if result.Free {
				next.ServeHTTP(w, r)
				return
			}
			if !result.Granted {
				responders.NoStore(w, http.StatusPaymentRequired, result.challenge(MissingPaymentMessage, ""))
				return
			}

			paid := result.paymentContext(resource, s.now())
			receipt, err := x402.EncodeReceipt(paid.Receipt())
			if err != nil {
				// The transfer happened; serve the resource without the header.
				log := logger.FromContext(r.Context())
				log.Error().Err(err).Msg("paywall.receipt_encode_failed")
			} else {
				w.Header().Set(x402.HeaderPaymentResponse, receipt)
			}
			next.ServeHTTP(w, r.WithContext(WithPayment(r.Context(), paid)))
		})
	}
}

func (s *Service) writeFailure(w http.ResponseWriter, r *http.Request, result AuthorizationResult, err error) {
	var (
		decErr *x402.DecodeError
		verErr *x402.VerificationError
		setErr *x402.SettlementError
		netErr *x402.NetworkError
	)
	log := logger.FromContext(r.Context())
	// Settlement errors wrap the verification result that failed them, so they
	// are matched first to keep their own reason.
	switch {
	case stderrors.As(err, &decErr):
		responders.NoStore(w, http.StatusBadRequest, x402.ErrorBody{
			X402Version: x402.Version,
			Error:       string(errors.ErrCodeInvalidPaymentHeader),
			Message:     decErr.Error(),
		})
	case stderrors.As(err, &setErr):
		responders.NoStore(w, setErr.Code.HTTPStatus(), result.challenge(string(setErr.Code), setErr.Message))
	case stderrors.As(err, &verErr):
		responders.NoStore(w, verErr.Code.HTTPStatus(), result.challenge(string(verErr.Code), verErr.Message))
	case stderrors.As(err, &netErr):
		code := netErr.Code()
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Retry-After", strconv.Itoa(errors.DefaultRetryAfterSeconds))
		log.Warn().Err(err).Str("code", string(code)).Msg("paywall.chain_unavailable")
		errors.WriteError(w, code, x402.UserMessage(code), map[string]interface{}{
			"x402Version": x402.Version,
		})
	default:
		log.Error().Err(err).Msg("paywall.internal_error")
		errors.WriteSimpleError(w, errors.ErrCodeInternalError, "payment could not be processed")
	}
}
