package evm

import (
	"context"
	"fmt"
	"math/big"
)

// ExactEIP3009Authorization represents the EIP-3009 TransferWithAuthorization data
type ExactEIP3009Authorization struct {
	From        string `json:"from"`        // Ethereum address (hex)
	To          string `json:"to"`          // Ethereum address (hex)
	Value       string `json:"value"`       // Amount in wei as string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as string
	ValidBefore string `json:"validBefore"` // Unix timestamp as string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// ExactEIP3009Payload represents the exact payment payload for EVM networks
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature,omitempty"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// Permit2TokenPermissions represents the permitted token and amount for Permit2
// SignatureTransfer. Part of the PermitWitnessTransferFrom message that gets signed.
type Permit2TokenPermissions struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Permit2Witness is the destination-binding witness enforced on-chain by the
// x402 Permit2 proxy and included in the EIP-712 signature.
type Permit2Witness struct {
	To         string `json:"to"`
	ValidAfter string `json:"validAfter"`
	Extra      string `json:"extra"`
}

// Permit2Authorization maps to Permit2's PermitWitnessTransferFrom struct.
type Permit2Authorization struct {
	From      string                  `json:"from"`
	Permitted Permit2TokenPermissions `json:"permitted"`
	Spender   string                  `json:"spender"`
	Nonce     string                  `json:"nonce"`
	Deadline  string                  `json:"deadline"`
	Witness   Permit2Witness          `json:"witness"`
}

// ExactPermit2Payload is the Permit2 SignatureTransfer payment payload sent by clients.
type ExactPermit2Payload struct {
	Signature            string               `json:"signature"`
	Permit2Authorization Permit2Authorization `json:"permit2Authorization"`
}

// PermitDetails is the token/amount/expiry/nonce tuple inside a Permit2 PermitSingle.
type PermitDetails struct {
	Token      string `json:"token"`
	Amount     string `json:"amount"`     // coerced to uint160
	Expiration string `json:"expiration"` // coerced to uint48
	Nonce      string `json:"nonce"`      // coerced to uint48
}

// PermitSingleAuthorization maps to Permit2's AllowanceTransfer PermitSingle struct.
type PermitSingleAuthorization struct {
	Details     PermitDetails `json:"details"`
	Spender     string        `json:"spender"`
	SigDeadline string        `json:"sigDeadline"`
}

// ExactPermit2AllowancePayload is the Permit2 AllowanceTransfer payment payload.
type ExactPermit2AllowancePayload struct {
	Owner        string                    `json:"owner"`
	Signature    string                    `json:"signature"`
	PermitSingle PermitSingleAuthorization `json:"permitSingle"`
}

// ToMap converts an ExactPermit2Payload to a map for JSON marshaling.
func (p *ExactPermit2Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"permit2Authorization": map[string]interface{}{
			"from": p.Permit2Authorization.From,
			"permitted": map[string]interface{}{
				"token":  p.Permit2Authorization.Permitted.Token,
				"amount": p.Permit2Authorization.Permitted.Amount,
			},
			"spender":  p.Permit2Authorization.Spender,
			"nonce":    p.Permit2Authorization.Nonce,
			"deadline": p.Permit2Authorization.Deadline,
			"witness": map[string]interface{}{
				"to":         p.Permit2Authorization.Witness.To,
				"validAfter": p.Permit2Authorization.Witness.ValidAfter,
				"extra":      p.Permit2Authorization.Witness.Extra,
			},
		},
	}
}

// Permit2PayloadFromMap creates an ExactPermit2Payload from a map.
func Permit2PayloadFromMap(data map[string]interface{}) (*ExactPermit2Payload, error) {
	payload := &ExactPermit2Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	auth, ok := data["permit2Authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization field")
	}

	if from, ok := auth["from"].(string); ok {
		payload.Permit2Authorization.From = from
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.from field")
	}
	if spender, ok := auth["spender"].(string); ok {
		payload.Permit2Authorization.Spender = spender
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.spender field")
	}
	if nonce, ok := auth["nonce"].(string); ok {
		payload.Permit2Authorization.Nonce = nonce
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.nonce field")
	}
	if deadline, ok := auth["deadline"].(string); ok {
		payload.Permit2Authorization.Deadline = deadline
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.deadline field")
	}

	permitted, ok := auth["permitted"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted field")
	}
	if token, ok := permitted["token"].(string); ok {
		payload.Permit2Authorization.Permitted.Token = token
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted.token field")
	}
	if amount, ok := permitted["amount"].(string); ok {
		payload.Permit2Authorization.Permitted.Amount = amount
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted.amount field")
	}

	witness, ok := auth["witness"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness field")
	}
	if to, ok := witness["to"].(string); ok {
		payload.Permit2Authorization.Witness.To = to
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness.to field")
	}
	if validAfter, ok := witness["validAfter"].(string); ok {
		payload.Permit2Authorization.Witness.ValidAfter = validAfter
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness.validAfter field")
	}
	if extra, ok := witness["extra"].(string); ok {
		payload.Permit2Authorization.Witness.Extra = extra
	} else {
		payload.Permit2Authorization.Witness.Extra = "0x"
	}

	return payload, nil
}

// Permit2AllowancePayloadFromMap creates an ExactPermit2AllowancePayload from a map.
func Permit2AllowancePayloadFromMap(data map[string]interface{}) (*ExactPermit2AllowancePayload, error) {
	payload := &ExactPermit2AllowancePayload{}

	if owner, ok := data["owner"].(string); ok {
		payload.Owner = owner
	} else {
		return nil, fmt.Errorf("missing or invalid owner field")
	}
	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	} else {
		return nil, fmt.Errorf("missing or invalid signature field")
	}

	permitSingle, ok := data["permitSingle"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permitSingle field")
	}
	if spender, ok := permitSingle["spender"].(string); ok {
		payload.PermitSingle.Spender = spender
	} else {
		return nil, fmt.Errorf("missing or invalid permitSingle.spender field")
	}
	if sigDeadline, ok := permitSingle["sigDeadline"].(string); ok {
		payload.PermitSingle.SigDeadline = sigDeadline
	} else {
		return nil, fmt.Errorf("missing or invalid permitSingle.sigDeadline field")
	}

	details, ok := permitSingle["details"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permitSingle.details field")
	}
	if token, ok := details["token"].(string); ok {
		payload.PermitSingle.Details.Token = token
	} else {
		return nil, fmt.Errorf("missing or invalid permitSingle.details.token field")
	}
	if amount, ok := details["amount"].(string); ok {
		payload.PermitSingle.Details.Amount = amount
	} else {
		return nil, fmt.Errorf("missing or invalid permitSingle.details.amount field")
	}
	if expiration, ok := details["expiration"].(string); ok {
		payload.PermitSingle.Details.Expiration = expiration
	} else {
		return nil, fmt.Errorf("missing or invalid permitSingle.details.expiration field")
	}
	if nonce, ok := details["nonce"].(string); ok {
		payload.PermitSingle.Details.Nonce = nonce
	} else {
		return nil, fmt.Errorf("missing or invalid permitSingle.details.nonce field")
	}

	return payload, nil
}

// IsPermit2WitnessPayload checks if a payload map is a Permit2 SignatureTransfer payload.
func IsPermit2WitnessPayload(data map[string]interface{}) bool {
	_, ok := data["permit2Authorization"]
	return ok
}

// IsPermit2AllowancePayload checks if a payload map is a Permit2 AllowanceTransfer payload.
func IsPermit2AllowancePayload(data map[string]interface{}) bool {
	_, ok := data["permitSingle"]
	return ok
}

// IsEIP3009Payload checks if a payload map is an EIP-3009 payload.
func IsEIP3009Payload(data map[string]interface{}) bool {
	_, ok := data["authorization"]
	return ok
}

// MetaTx is an unsigned call the Provider submits or dry-runs on behalf of one
// of its own signer addresses. From is honored only by Call (an eth_call may
// impersonate any address); SendTransaction/SendTransactionFrom always sign
// from a key the provider actually holds and ignore it.
type MetaTx struct {
	To    string
	Data  []byte
	Value *big.Int
	From  string
}

// Call3 is one entry in a Multicall3 aggregate3 batch.
type Call3 struct {
	Target       string
	AllowFailure bool
	CallData     []byte
}

// Call3Result is aggregate3's per-entry outcome.
type Call3Result struct {
	Success    bool
	ReturnData []byte
}

// Provider is the sole capability interface that talks to the outside
// network (C5). Verifier and Settler are built only against this interface
// so tests can drive them against a deterministic fake.
type Provider interface {
	// GetAddresses returns every address this facilitator can sign from.
	GetAddresses() []string

	// ChainID returns the chain id of the connected network.
	ChainID(ctx context.Context) (*big.Int, error)

	// SendTransaction submits tx from the provider's default signer and
	// waits for a receipt.
	SendTransaction(ctx context.Context, tx MetaTx) (*TransactionReceipt, error)

	// SendTransactionFrom submits tx from a specific one of GetAddresses()
	// and waits for a receipt.
	SendTransactionFrom(ctx context.Context, tx MetaTx, signer string) (*TransactionReceipt, error)

	// GetCode returns the bytecode at address; empty for an EOA or undeployed contract.
	GetCode(ctx context.Context, address string) ([]byte, error)

	// Call performs a read-only eth_call against tx, without submitting it.
	Call(ctx context.Context, tx MetaTx) ([]byte, error)

	// Aggregate3 simulates a Multicall3 aggregate3 batch as a read-only
	// eth_call (nothing is submitted), returning one Call3Result per entry.
	Aggregate3(ctx context.Context, calls []Call3) ([]Call3Result, error)

	// BalanceOf reads an ERC-20 balance.
	BalanceOf(ctx context.Context, token string, account string) (*big.Int, error)

	// Allowance reads an ERC-20 allowance.
	Allowance(ctx context.Context, token string, owner string, spender string) (*big.Int, error)

	// Name reads an ERC-20 token's EIP-712 domain name.
	Name(ctx context.Context, token string) (string, error)

	// Version reads an ERC-20 token's EIP-712 domain version.
	Version(ctx context.Context, token string) (string, error)
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version,omitempty"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// ToMap converts an ExactEIP3009Payload to a map for JSON marshaling
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

// PayloadFromMap creates an ExactEIP3009Payload from a map
func PayloadFromMap(data map[string]interface{}) (*ExactEIP3009Payload, error) {
	payload := &ExactEIP3009Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	if auth, ok := data["authorization"].(map[string]interface{}); ok {
		if from, ok := auth["from"].(string); ok {
			payload.Authorization.From = from
		}
		if to, ok := auth["to"].(string); ok {
			payload.Authorization.To = to
		}
		if value, ok := auth["value"].(string); ok {
			payload.Authorization.Value = value
		}
		if validAfter, ok := auth["validAfter"].(string); ok {
			payload.Authorization.ValidAfter = validAfter
		}
		if validBefore, ok := auth["validBefore"].(string); ok {
			payload.Authorization.ValidBefore = validBefore
		}
		if nonce, ok := auth["nonce"].(string); ok {
			payload.Authorization.Nonce = nonce
		}
	}

	return payload, nil
}

// PaymentContextKind distinguishes PaymentContext's three variants.
type PaymentContextKind int

const (
	ContextEip3009 PaymentContextKind = iota
	ContextPermit2
	ContextPermit2Witness
)

// PaymentContext is C6's output: the one authorization family selected for a
// request, bound to its target contract and fully-built EIP-712 domain.
// Created per request, consumed by Verifier or Settler, never persisted.
type PaymentContext struct {
	Kind     PaymentContextKind
	Contract string // token address (Eip3009/Permit2) or proxy address (Permit2Witness)
	Domain   TypedDataDomain

	// PayTo is the settlement recipient from the originating requirements.
	// EIP-3009 and Permit2Witness also bind a recipient inside the signed
	// data itself (checked against this in the Validator); Permit2
	// AllowanceTransfer's PermitSingle has no such field, so PayTo is the
	// only place the Verifier/Settler can read it from.
	PayTo string

	Eip3009        *ExactEIP3009Payload
	Permit2        *ExactPermit2AllowancePayload
	Permit2Witness *ExactPermit2Payload

	Signature StructuredSignature
}

// SignatureKind distinguishes StructuredSignature's three variants.
type SignatureKind int

const (
	SignatureEOA SignatureKind = iota
	SignatureEIP1271
	SignatureEIP6492
)

// StructuredSignature is C2's output: a raw signature classified into one of
// three formats, exposing the EIP-6492 inner payload when wrapped.
type StructuredSignature struct {
	Kind SignatureKind

	// EOA
	R [32]byte
	S [32]byte
	V uint8

	// EIP1271 / EIP6492 inner
	Inner []byte

	// EIP6492 only: Factory, FactoryCalldata. Original holds the signature
	// bytes as received and is set for every kind.
	Factory         string
	FactoryCalldata []byte
	Original        []byte
}
