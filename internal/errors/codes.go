package errors

// ErrorCode represents a machine-readable error identifier returned to clients
// and carried in x402 invalidReason fields.
type ErrorCode string

// Payload decoding errors (malformed X-PAYMENT header)
const (
	ErrCodeInvalidPaymentHeader ErrorCode = "invalid_payment_header"
	ErrCodeUnsupportedVersion   ErrorCode = "unsupported_x402_version"
)

// Verification errors. The client must re-sign; the same payload never succeeds.
const (
	ErrCodeSchemeMismatch   ErrorCode = "scheme_mismatch"
	ErrCodePayeeMismatch    ErrorCode = "payee_mismatch"
	ErrCodeAmountExceeded   ErrorCode = "amount_exceeded"
	ErrCodeInvalidAmount    ErrorCode = "invalid_amount"
	ErrCodeExpired          ErrorCode = "expired"
	ErrCodeNotYetValid      ErrorCode = "not_yet_valid"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
)

// Settlement errors reported by the chain.
const (
	ErrCodeAlreadySettled     ErrorCode = "already_settled"
	ErrCodeInsufficientFunds  ErrorCode = "insufficient_funds"
	ErrCodeVerificationFailed ErrorCode = "verification_failed"
)

// Protocol flow
const (
	ErrCodePaymentRequired ErrorCode = "payment_required"
)

// Validation Errors (Request input validation)
const (
	ErrCodeMissingField  ErrorCode = "missing_field"
	ErrCodeInvalidField  ErrorCode = "invalid_field"
	ErrCodeInvalidWallet ErrorCode = "invalid_wallet"
	ErrCodeUnauthorized  ErrorCode = "unauthorized"
)

// External Service Errors
const (
	ErrCodeRPCError     ErrorCode = "rpc_error"
	ErrCodeNetworkError ErrorCode = "network_error"
	ErrCodeTimeout      ErrorCode = "timeout"
	ErrCodeRateLimited  ErrorCode = "rate_limit_exceeded"
	// ErrCodeUpstreamError means the payment settled but the proxied resource
	// server failed. Resubmitting the same payment is answered with 409.
	ErrCodeUpstreamError ErrorCode = "upstream_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
	ErrCodeNotFound      ErrorCode = "not_found"
)

// IsRetryable returns whether an error code represents a retryable error.
// Only transport-level failures qualify: the same payload may be resubmitted.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeTimeout,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// IsVerification reports whether the code belongs to the verification family.
func (e ErrorCode) IsVerification() bool {
	switch e {
	case ErrCodeSchemeMismatch,
		ErrCodePayeeMismatch,
		ErrCodeAmountExceeded,
		ErrCodeInvalidAmount,
		ErrCodeExpired,
		ErrCodeNotYetValid,
		ErrCodeInvalidSignature:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - malformed input
	case ErrCodeInvalidPaymentHeader,
		ErrCodeUnsupportedVersion,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidWallet:
		return 400

	// 402 Payment Required - client must produce a new payment
	case ErrCodePaymentRequired,
		ErrCodeSchemeMismatch,
		ErrCodePayeeMismatch,
		ErrCodeAmountExceeded,
		ErrCodeInvalidAmount,
		ErrCodeExpired,
		ErrCodeNotYetValid,
		ErrCodeInvalidSignature,
		ErrCodeInsufficientFunds,
		ErrCodeVerificationFailed:
		return 402

	case ErrCodeUnauthorized:
		return 401

	case ErrCodeNotFound:
		return 404

	// 409 Conflict - nonce already consumed on chain
	case ErrCodeAlreadySettled:
		return 409

	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - chain unreachable or returned garbage
	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeUpstreamError:
		return 502

	// 504 Gateway Timeout - settlement exceeded maxTimeoutSeconds
	case ErrCodeTimeout:
		return 504

	default:
		return 500
	}
}
