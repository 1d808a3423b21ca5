package x402

import (
	stderrors "errors"
	"fmt"

	"github.com/CedrosPay/x402-gateway/internal/errors"
)

// DecodeError reports a malformed payment header. Maps to HTTP 400.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "x402: decode payment: " + e.Reason
	}
	return fmt.Sprintf("x402: decode payment: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Code returns the wire error code.
func (e *DecodeError) Code() errors.ErrorCode { return errors.ErrCodeInvalidPaymentHeader }

// VerificationError classifies a payload rejected before settlement.
type VerificationError struct {
	Code    errors.ErrorCode
	Message string
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// NewVerificationError creates a verification error with a user-facing message.
func NewVerificationError(code errors.ErrorCode, err error) *VerificationError {
	return &VerificationError{Code: code, Message: UserMessage(code), Err: err}
}

// SettlementError is a non-retryable settlement failure reported by the chain
// or detected during local reconfirmation.
type SettlementError struct {
	Code    errors.ErrorCode
	Message string
	Err     error
}

func (e *SettlementError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("x402: settlement failed: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("x402: settlement failed: %s: %v", e.Code, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// NewSettlementError creates a settlement error with a user-facing message.
func NewSettlementError(code errors.ErrorCode, err error) *SettlementError {
	return &SettlementError{Code: code, Message: UserMessage(code), Err: err}
}

// NetworkError means the chain call could not be completed. The caller may
// retry with the same payload.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("x402: %s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("x402: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Code returns the wire error code.
func (e *NetworkError) Code() errors.ErrorCode {
	if e.Timeout {
		return errors.ErrCodeTimeout
	}
	return errors.ErrCodeNetworkError
}

// ConfigError is a fatal startup configuration problem.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("x402: config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CodeOf extracts the wire error code from any error produced by this package.
// Unknown errors map to internal_error.
func CodeOf(err error) errors.ErrorCode {
	var (
		decErr *DecodeError
		verErr *VerificationError
		setErr *SettlementError
		netErr *NetworkError
		cfgErr *ConfigError
	)
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &decErr):
		return decErr.Code()
	case stderrors.As(err, &setErr):
		// Settlement errors may wrap the verification failure behind them.
		return setErr.Code
	case stderrors.As(err, &verErr):
		return verErr.Code
	case stderrors.As(err, &netErr):
		return netErr.Code()
	case stderrors.As(err, &cfgErr):
		return errors.ErrCodeConfigError
	default:
		return errors.ErrCodeInternalError
	}
}

// IsRetryable reports whether err may succeed if the same payload is resubmitted.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return stderrors.As(err, &netErr)
}

// UserMessage converts error codes to user-facing messages.
func UserMessage(code errors.ErrorCode) string {
	switch code {
	case errors.ErrCodeSchemeMismatch:
		return "Payment scheme, network or asset does not match the requirements."
	case errors.ErrCodePayeeMismatch:
		return "Payment is addressed to the wrong recipient."
	case errors.ErrCodeAmountExceeded:
		return "Payment value exceeds the maximum amount required."
	case errors.ErrCodeInvalidAmount:
		return "Payment value must be greater than zero."
	case errors.ErrCodeExpired:
		return "Payment authorization has expired. Please sign a new payment."
	case errors.ErrCodeNotYetValid:
		return "Payment authorization is not valid yet."
	case errors.ErrCodeInvalidSignature:
		return "Payment signature is invalid."
	case errors.ErrCodeAlreadySettled:
		return "This payment has already been settled. Each payment can only be used once."
	case errors.ErrCodeInsufficientFunds:
		return "Insufficient balance to settle the payment."
	case errors.ErrCodeVerificationFailed:
		return "Payment became invalid before it could be settled. Please sign a new payment."
	case errors.ErrCodeNetworkError:
		return "The chain could not be reached. Please retry."
	case errors.ErrCodeTimeout:
		return "Settlement timed out. Please retry."
	default:
		return fmt.Sprintf("Payment failed: %s", code)
	}
}
