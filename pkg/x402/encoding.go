package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// EncodePayment serializes a payload into an X-PAYMENT header value.
func EncodePayment(p PaymentPayload) (string, error) {
	return encodeJSON(p)
}

// DecodePayment parses an X-PAYMENT header value. Every failure is a *DecodeError.
func DecodePayment(header string) (PaymentPayload, error) {
	var p PaymentPayload
	if err := decodeJSON(header, &p); err != nil {
		return PaymentPayload{}, err
	}
	if p.X402Version != Version {
		return PaymentPayload{}, &DecodeError{Reason: fmt.Sprintf("unsupported x402Version %d", p.X402Version)}
	}
	return p, nil
}

// EncodeReceipt serializes a receipt into an X-PAYMENT-RESPONSE header value.
func EncodeReceipt(r Receipt) (string, error) {
	return encodeJSON(r)
}

// DecodeReceipt parses an X-PAYMENT-RESPONSE header value.
func DecodeReceipt(header string) (Receipt, error) {
	var r Receipt
	if err := decodeJSON(header, &r); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

// EncodeChallenge serializes a 402 body for transports without a response body
// (gRPC trailers).
func EncodeChallenge(c PaymentRequiredResponse) (string, error) {
	return encodeJSON(c)
}

// DecodeChallenge parses a value produced by EncodeChallenge.
func DecodeChallenge(value string) (PaymentRequiredResponse, error) {
	var c PaymentRequiredResponse
	if err := decodeJSON(value, &c); err != nil {
		return PaymentRequiredResponse{}, err
	}
	return c, nil
}

// PaymentHeader returns the raw payment header value, or "" when absent.
func PaymentHeader(h http.Header) string {
	return strings.TrimSpace(h.Get(HeaderPayment))
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeJSON(value string, v any) error {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return &DecodeError{Reason: "empty header"}
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(raw)
		if rawErr != nil {
			return &DecodeError{Reason: "invalid base64", Err: err}
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Reason: "invalid json", Err: err}
	}
	return nil
}
