package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// Signer produces x402 payloads with a local secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex-encoded private key, with or without 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: parse private key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("evm: generate key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// Address is the signer's account.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign fills p.From and p.Signature. The signature uses v in {27, 28}.
func (s *Signer) Sign(p *x402.ExactPayload, chainID *big.Int) error {
	p.From = s.address
	msg, err := BuildMessage(*p, chainID)
	if err != nil {
		return err
	}
	digest := msg.Digest()
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return fmt.Errorf("evm: sign: %w", err)
	}
	sig[64] += 27
	p.Signature = sig
	return nil
}

// AuthorizeOptions tune Authorize.
type AuthorizeOptions struct {
	// Value defaults to req.MaxAmountRequired.
	Value *x402.Amount
	// SignatureType defaults to the requirement's required type, then eip712.
	SignatureType x402.SignatureType
	// Window defaults to x402.DefaultValidityWindow.
	Window time.Duration
	Now    time.Time
}

// Authorize builds and signs a complete payload answering req.
func (s *Signer) Authorize(req x402.PaymentRequirements, chainID *big.Int, opts AuthorizeOptions) (x402.PaymentPayload, error) {
	nonce, err := NewNonce()
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	window := opts.Window
	if window <= 0 {
		window = x402.DefaultValidityWindow
	}
	sigType := opts.SignatureType
	if sigType == "" {
		sigType = req.RequiredSignatureType()
	}
	if sigType == "" {
		sigType = x402.SignatureTypeEIP712
	}
	value := req.MaxAmountRequired
	if opts.Value != nil {
		value = *opts.Value
	}

	payload := x402.ExactPayload{
		To:            req.PayTo,
		Value:         value,
		ValidAfter:    uint64(now.Unix()),
		ValidBefore:   uint64(now.Add(window).Unix()),
		Nonce:         nonce,
		Asset:         req.Asset,
		SignatureType: sigType,
	}
	if err := s.Sign(&payload, chainID); err != nil {
		return x402.PaymentPayload{}, err
	}

	return x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     payload,
	}, nil
}

// NewNonce returns 32 random bytes.
func NewNonce() (common.Hash, error) {
	var nonce common.Hash
	if _, err := rand.Read(nonce[:]); err != nil {
		return common.Hash{}, fmt.Errorf("evm: generate nonce: %w", err)
	}
	return nonce, nil
}
