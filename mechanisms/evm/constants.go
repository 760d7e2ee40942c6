package evm

import (
	"math/big"
	"os"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"

	// Permit2 function names
	FunctionSettle = "settle"
	FunctionPermit = "permit"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// ERC-6492 magic value (last 32 bytes of wrapped signature).
	// bytes32(uint256(keccak256("erc6492.invalid.signature")) - 1)
	ERC6492MagicValue = "0x6492649264926492649264926492649264926492649264926492649264926492"

	// EIP-1271 magic value (returned by isValidSignature on success)
	EIP1271MagicValue = "0x1626ba7e"

	// Permit2DeadlineBuffer is the single 6-second grace period shared by
	// assert_time, assert_permit2_time, and assert_permit2_witness_time, per
	// the bounded-clock-skew budget the spec requires every time predicate
	// to honor identically.
	Permit2DeadlineBuffer = 6

	// permit2ProxyEnvVar overrides x402ExactPermit2ProxyAddress at startup.
	permit2ProxyEnvVar = "X402_EXACT_PERMIT2_PROXY_ADDRESS"
)

var (
	// PERMIT2Address is the canonical Uniswap Permit2 contract address.
	// Same address on all EVM chains via CREATE2 deployment.
	PERMIT2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

	// Multicall3Address is the canonical Multicall3 deployment address (the
	// alloy/foundry default), used to compose validate-then-transfer and
	// validate-then-settle as one atomic simulated/submitted call.
	Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

	// EIP6492ValidatorAddress is the UniversalSigValidator deployment used to
	// evaluate isValidSigWithSideEffects for counterfactual wallets.
	EIP6492ValidatorAddress = "0xdAcD51A54883eb67D95FAEb2BBfdC4a9a6BD2a3B"

	// x402ExactPermit2ProxyAddress is the contract that enforces witness.to ==
	// pay_to on-chain for the Permit2Witness authorization family. Overridable
	// via X402_EXACT_PERMIT2_PROXY_ADDRESS so operators can point at their own
	// deployment.
	x402ExactPermit2ProxyAddress = "0xB6FD384A0626BfeF85f3dBaf5223Dd964684B09E"
)

// X402ExactPermit2ProxyAddress returns the configured x402 Permit2 proxy
// address, honoring X402_EXACT_PERMIT2_PROXY_ADDRESS when set.
func X402ExactPermit2ProxyAddress() string {
	if v := os.Getenv(permit2ProxyEnvVar); v != "" {
		return v
	}
	return x402ExactPermit2ProxyAddress
}

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// NetworkConfigs holds default per-chain asset info for legacy v1 clients
	// that omit an explicit asset. Keyed by both CAIP-2 id and legacy v1 name.
	//
	// Default Asset Selection Policy:
	// - Each chain has the right to determine its own default stablecoin
	// - If the chain has officially endorsed a stablecoin, that asset should be used
	// - If no official stance exists, the chain team should make the selection
	NetworkConfigs = map[string]NetworkConfig{
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"base": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"base-sepolia": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}

	// EIP-3009 ABI for transferWithAuthorization with v,r,s (EOA signatures)
	TransferWithAuthorizationVRSABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// EIP-3009 ABI for transferWithAuthorization with bytes signature (smart wallets, EIP-1271/6492)
	TransferWithAuthorizationBytesABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "signature", "type": "bytes"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20AllowanceABI for checking Permit2 approval
	ERC20AllowanceABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20NameABI and ERC20VersionABI back the EIP-712 domain-discovery calls
	// the provider makes when a requirements asset doesn't carry name/version in Extra.
	ERC20NameABI = []byte(`[
		{"inputs": [], "name": "name", "outputs": [{"name": "", "type": "string"}], "stateMutability": "view", "type": "function"}
	]`)
	ERC20VersionABI = []byte(`[
		{"inputs": [], "name": "version", "outputs": [{"name": "", "type": "string"}], "stateMutability": "view", "type": "function"}
	]`)

	// Permit2AllowanceTransferABI covers permit(owner, PermitSingle, signature)
	// for the AllowanceTransfer family.
	Permit2AllowanceTransferABI = []byte(`[
		{
			"type": "function",
			"name": "permit",
			"inputs": [
				{"name": "owner", "type": "address"},
				{
					"name": "permitSingle",
					"type": "tuple",
					"components": [
						{
							"name": "details",
							"type": "tuple",
							"components": [
								{"name": "token", "type": "address"},
								{"name": "amount", "type": "uint160"},
								{"name": "expiration", "type": "uint48"},
								{"name": "nonce", "type": "uint48"}
							]
						},
						{"name": "spender", "type": "address"},
						{"name": "sigDeadline", "type": "uint256"}
					]
				},
				{"name": "signature", "type": "bytes"}
			],
			"outputs": [],
			"stateMutability": "nonpayable"
		},
		{
			"type": "function",
			"name": "transferFrom",
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint160"},
				{"name": "token", "type": "address"}
			],
			"outputs": [],
			"stateMutability": "nonpayable"
		}
	]`)

	// ERC20TransferFromABI backs the Permit2 dry-run settlement simulation call.
	ERC20TransferFromABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transferFrom",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// X402ExactPermit2ProxySettleABI for calling settle on the x402 Permit2 proxy
	X402ExactPermit2ProxySettleABI = []byte(`[
		{
			"type": "function",
			"name": "settle",
			"inputs": [
				{
					"name": "permit",
					"type": "tuple",
					"components": [
						{
							"name": "permitted",
							"type": "tuple",
							"components": [
								{"name": "token", "type": "address"},
								{"name": "amount", "type": "uint256"}
							]
						},
						{"name": "nonce", "type": "uint256"},
						{"name": "deadline", "type": "uint256"}
					]
				},
				{"name": "owner", "type": "address"},
				{
					"name": "witness",
					"type": "tuple",
					"components": [
						{"name": "to", "type": "address"},
						{"name": "validAfter", "type": "uint256"},
						{"name": "extra", "type": "bytes"}
					]
				},
				{"name": "signature", "type": "bytes"}
			],
			"outputs": [],
			"stateMutability": "nonpayable"
		}
	]`)

	// Multicall3ABI covers aggregate3, the sole mechanism for composing
	// side-effectful EIP-6492 validation with the sibling transfer/settle call
	// as one atomic unit, both in simulation and in real submission.
	Multicall3ABI = []byte(`[
		{
			"type": "function",
			"name": "aggregate3",
			"inputs": [
				{
					"name": "calls",
					"type": "tuple[]",
					"components": [
						{"name": "target", "type": "address"},
						{"name": "allowFailure", "type": "bool"},
						{"name": "callData", "type": "bytes"}
					]
				}
			],
			"outputs": [
				{
					"name": "returnData",
					"type": "tuple[]",
					"components": [
						{"name": "success", "type": "bool"},
						{"name": "returnData", "type": "bytes"}
					]
				}
			],
			"stateMutability": "payable"
		}
	]`)

	// UniversalSigValidatorABI covers isValidSigWithSideEffects, which is
	// permitted to deploy a counterfactual wallet as a side effect of
	// evaluating its EIP-6492 wrapped signature.
	UniversalSigValidatorABI = []byte(`[
		{
			"type": "function",
			"name": "isValidSigWithSideEffects",
			"inputs": [
				{"name": "signer", "type": "address"},
				{"name": "hash", "type": "bytes32"},
				{"name": "signature", "type": "bytes"}
			],
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable"
		}
	]`)

	// EIP712DomainTypes defines the standard EIP-712 domain type for Permit2's
	// SignatureTransfer family. Permit2 uses name + chainId + verifyingContract
	// (no version field).
	EIP712DomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// EIP712DomainTypesWithVersion is the AllowanceTransfer family's domain —
	// identical to EIP712DomainTypes but with a version field, matching
	// Permit2's on-chain DOMAIN_SEPARATOR for permit().
	EIP712DomainTypesWithVersion = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// Permit2WitnessTypes defines the EIP-712 types for Permit2 SignatureTransfer
	// with witness. Field order MUST match the on-chain Permit2 contract.
	Permit2WitnessTypes = map[string][]TypedDataField{
		"PermitWitnessTransferFrom": {
			{Name: "permitted", Type: "TokenPermissions"},
			{Name: "spender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "witness", Type: "Witness"},
		},
		"TokenPermissions": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
		"Witness": {
			{Name: "to", Type: "address"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "extra", Type: "bytes"},
		},
	}

	// Permit2AllowanceTypes defines the EIP-712 types for Permit2 AllowanceTransfer's PermitSingle.
	Permit2AllowanceTypes = map[string][]TypedDataField{
		"PermitSingle": {
			{Name: "details", Type: "PermitDetails"},
			{Name: "spender", Type: "address"},
			{Name: "sigDeadline", Type: "uint256"},
		},
		"PermitDetails": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint160"},
			{Name: "expiration", Type: "uint48"},
			{Name: "nonce", Type: "uint48"},
		},
	}
)

// GetPermit2EIP712Types returns the complete EIP-712 types map for Permit2
// SignatureTransfer (witness) signing.
func GetPermit2EIP712Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain":              EIP712DomainTypes,
		"PermitWitnessTransferFrom": Permit2WitnessTypes["PermitWitnessTransferFrom"],
		"TokenPermissions":          Permit2WitnessTypes["TokenPermissions"],
		"Witness":                   Permit2WitnessTypes["Witness"],
	}
}

// GetPermit2AllowanceEIP712Types returns the complete EIP-712 types map for
// Permit2 AllowanceTransfer (PermitSingle) signing.
func GetPermit2AllowanceEIP712Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain":  EIP712DomainTypesWithVersion,
		"PermitSingle":  Permit2AllowanceTypes["PermitSingle"],
		"PermitDetails": Permit2AllowanceTypes["PermitDetails"],
	}
}
