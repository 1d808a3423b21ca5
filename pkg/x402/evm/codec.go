// Package evm implements the x402 signature codec for EVM chains: canonical
// message construction for both signing variants and signer recovery.
package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

var (
	// ErrInvalidSignature is returned when a signature is malformed or does not
	// recover to an address.
	ErrInvalidSignature = errors.New("evm: invalid signature")

	// ErrUnsupportedSignatureType is returned for an unknown variant tag.
	ErrUnsupportedSignatureType = errors.New("evm: unsupported signature type")
)

// SignatureLength is the r || s || v encoding length.
const SignatureLength = crypto.SignatureLength

// Message is the canonical signable form of a payload.
//
// For the flat variant Data is the UTF-8 message text; for the typed variant
// Data is 0x19 0x01 || domainSeparator || hashStruct(Payload).
type Message struct {
	Type x402.SignatureType
	Data []byte
}

// Digest returns the 32-byte hash that is actually signed.
func (m Message) Digest() common.Hash {
	switch m.Type {
	case x402.SignatureTypeEIP191:
		return common.BytesToHash(accounts.TextHash(m.Data))
	default:
		return crypto.Keccak256Hash(m.Data)
	}
}

// BuildMessage deterministically serializes the payment fields for chainID,
// using the variant tagged on the payload.
func BuildMessage(p x402.ExactPayload, chainID *big.Int) (Message, error) {
	if chainID == nil {
		return Message{}, errors.New("evm: chain id required")
	}
	switch t := p.EffectiveSignatureType(); t {
	case x402.SignatureTypeEIP191:
		return Message{Type: t, Data: []byte(FlatMessage(p, chainID))}, nil
	case x402.SignatureTypeEIP712:
		data, err := typedDataBytes(p, chainID)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: t, Data: data}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedSignatureType, t)
	}
}

// RecoverSigner recovers the address that produced sig over m.
// v may be 0/1 or 27/28.
func RecoverSigner(m Message, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}

	digest := m.Digest()
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: recovered zero address", ErrInvalidSignature)
	}
	return addr, nil
}

// Recover is BuildMessage followed by RecoverSigner on the payload's own signature.
func Recover(p x402.ExactPayload, chainID *big.Int) (common.Address, error) {
	msg, err := BuildMessage(p, chainID)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(msg, p.Signature)
}
