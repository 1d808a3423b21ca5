package x402

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/CedrosPay/x402-gateway/internal/errors"
)

// PaymentRequirements are the server-declared terms for one resource.
// Built per request by the resolver and never mutated afterwards.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired Amount         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	OutputSchema      map[string]any `json:"outputSchema,omitempty"`
	PayTo             common.Address `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             common.Address `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// RequiredSignatureType returns the signing variant the requirements insist on,
// or "" when any supported variant is accepted.
func (r PaymentRequirements) RequiredSignatureType() SignatureType {
	if r.Extra == nil {
		return ""
	}
	if v, ok := r.Extra["signatureType"].(string); ok {
		return SignatureType(v)
	}
	return ""
}

// PaymentPayload is the envelope carried (base64 JSON) in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload is the signed authorization for the "exact" scheme.
type ExactPayload struct {
	From          common.Address `json:"from"`
	To            common.Address `json:"to"`
	Value         Amount         `json:"value"`
	ValidAfter    uint64         `json:"validAfter"`
	ValidBefore   uint64         `json:"validBefore"`
	Nonce         common.Hash    `json:"nonce"`
	Asset         common.Address `json:"asset"`
	Signature     hexutil.Bytes  `json:"signature"`
	SignatureType SignatureType  `json:"signatureType,omitempty"`
	Permit        *Permit        `json:"permit,omitempty"`
}

// EffectiveSignatureType resolves an absent tag to the flat message encoding.
func (p ExactPayload) EffectiveSignatureType() SignatureType {
	if p.SignatureType == "" {
		return SignatureTypeEIP191
	}
	return p.SignatureType
}

// Permit carries EIP-2612 approval data for token assets.
type Permit struct {
	Value    Amount      `json:"value"`
	Deadline uint64      `json:"deadline"`
	V        uint8       `json:"v"`
	R        common.Hash `json:"r"`
	S        common.Hash `json:"s"`
}

// PaymentRequiredResponse is the 402 challenge body.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Message     string                `json:"message,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// ErrorBody is the response to a payment header that could not be decoded.
type ErrorBody struct {
	X402Version int    `json:"x402Version"`
	Error       string `json:"error"`
	Message     string `json:"message,omitempty"`
}

// VerificationResult is the outcome of checking a payload against requirements.
type VerificationResult struct {
	IsValid       bool             `json:"isValid"`
	PayerAddress  common.Address   `json:"payerAddress"`
	InvalidReason errors.ErrorCode `json:"invalidReason,omitempty"`
}

// Valid returns a passing result for payer.
func Valid(payer common.Address) VerificationResult {
	return VerificationResult{IsValid: true, PayerAddress: payer}
}

// Invalid returns a failing result with reason.
func Invalid(payer common.Address, reason errors.ErrorCode) VerificationResult {
	return VerificationResult{PayerAddress: payer, InvalidReason: reason}
}

// SettlementResult is the chain's answer to a settlement attempt.
type SettlementResult struct {
	Success   bool        `json:"success"`
	TxHash    common.Hash `json:"txHash"`
	NetworkID string      `json:"networkId"`
	Error     string      `json:"error,omitempty"`
}

// Receipt is the body of the X-PAYMENT-RESPONSE header.
type Receipt struct {
	Success   bool   `json:"success"`
	TxHash    string `json:"txHash,omitempty"`
	NetworkID string `json:"networkId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ReceiptFor converts a successful settlement into its receipt.
func ReceiptFor(res SettlementResult) Receipt {
	r := Receipt{Success: res.Success, NetworkID: res.NetworkID, Error: res.Error}
	if res.TxHash != (common.Hash{}) {
		r.TxHash = res.TxHash.Hex()
	}
	return r
}

// ChainClient is the narrow capability the engines need from a chain.
// Implementations: the JSON-RPC client, the in-process ledger, test fakes.
type ChainClient interface {
	Verify(ctx context.Context, req PaymentRequirements, payment PaymentPayload) (VerificationResult, error)
	Settle(ctx context.Context, req PaymentRequirements, payment PaymentPayload) (SettlementResult, error)
}
