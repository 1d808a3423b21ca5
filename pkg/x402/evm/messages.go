package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// FlatMessagePrefix tags the flat personal-message encoding.
const FlatMessagePrefix = "x402-payment"

// Typed-data domain constants.
const (
	DomainName    = "x402"
	DomainVersion = "1"
	// VerifyingContract is the zero address: x402 is verified by the chain
	// itself rather than a contract.
	VerifyingContract = "0x0000000000000000000000000000000000000000"
	primaryType       = "Payload"
)

var typedDataTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
		{Name: "asset", Type: "address"},
	},
}

// FlatMessage renders
// x402-payment:<from>:<to>:0x<value>:<validAfter>:<validBefore>:<nonce>:<asset>:<chainId>.
func FlatMessage(p x402.ExactPayload, chainID *big.Int) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d:%d:%s:%s:%s",
		FlatMessagePrefix,
		p.From.Hex(),
		p.To.Hex(),
		p.Value.Hex(),
		p.ValidAfter,
		p.ValidBefore,
		p.Nonce.Hex(),
		p.Asset.Hex(),
		chainID.String(),
	)
}

// TypedData returns the EIP-712 document a wallet is asked to sign.
func TypedData(p x402.ExactPayload, chainID *big.Int) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        p.From.Hex(),
			"to":          p.To.Hex(),
			"value":       p.Value.Big(),
			"validAfter":  new(big.Int).SetUint64(p.ValidAfter),
			"validBefore": new(big.Int).SetUint64(p.ValidBefore),
			"nonce":       p.Nonce.Bytes(),
			"asset":       p.Asset.Hex(),
		},
	}
}

func typedDataBytes(p x402.ExactPayload, chainID *big.Int) ([]byte, error) {
	_, raw, err := apitypes.TypedDataAndHash(TypedData(p, chainID))
	if err != nil {
		return nil, fmt.Errorf("evm: hash typed data: %w", err)
	}
	return []byte(raw), nil
}
