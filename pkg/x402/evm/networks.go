package evm

import (
	"math/big"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// Networks maps x402 network identifiers to EVM chain ids.
type Networks map[string]*big.Int

// DefaultNetworks knows the Splendor mainnet.
func DefaultNetworks() Networks {
	return Networks{x402.DefaultNetwork: big.NewInt(x402.DefaultChainID)}
}

// ChainID looks up the chain id for network.
func (n Networks) ChainID(network string) (*big.Int, bool) {
	id, ok := n[network]
	if !ok || id == nil {
		return nil, false
	}
	return new(big.Int).Set(id), true
}

// With returns a copy of n with network bound to chainID.
func (n Networks) With(network string, chainID int64) Networks {
	out := make(Networks, len(n)+1)
	for k, v := range n {
		out[k] = v
	}
	out[network] = big.NewInt(chainID)
	return out
}
