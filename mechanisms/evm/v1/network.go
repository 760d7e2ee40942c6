package v1

import (
	"math/big"

	"github.com/tzapac/tzapac-x402-permit2/chainid"
	"github.com/tzapac/tzapac-x402-permit2/mechanisms/evm"
)

// NetworkConfigs maps v1 legacy network names to their full configuration.
// Only networks that have a known default asset are included here; chain id
// resolution for every v1 name (including those with no default asset) goes
// through chainid.FromV1Name instead of a parallel table.
var NetworkConfigs = map[string]evm.NetworkConfig{
	"base": {
		ChainID: big.NewInt(8453),
		DefaultAsset: evm.AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: evm.DefaultDecimals,
		},
	},
	"base-sepolia": {
		ChainID: big.NewInt(84532),
		DefaultAsset: evm.AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: evm.DefaultDecimals,
		},
	},
	"megaeth": {
		ChainID: big.NewInt(4326),
		DefaultAsset: evm.AssetInfo{
			Address:  "0xFAfDdbb3FC7688494971a79cc65DCa3EF82079E7",
			Name:     "MegaUSD",
			Version:  "1",
			Decimals: 18,
		},
	},
	"monad": {
		ChainID: big.NewInt(143),
		DefaultAsset: evm.AssetInfo{
			Address:  "0x754704Bc059F8C67012fEd69BC8A327a5aafb603",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: evm.DefaultDecimals,
		},
	},
}

// Networks is the list of every v1 network name the chain-id bridge
// recognizes, not just the ones with a configured default asset.
var Networks []string

func init() {
	Networks = chainid.V1Names()
}
