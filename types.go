package x402

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tzapac/tzapac-x402-permit2/chainid"
)

// Protocol version identifiers, as carried in PaymentPayload.X402Version.
const (
	ProtocolVersionV1 = 1
	ProtocolVersion   = 2
)

// Network is a blockchain network identifier as carried on the wire. V2
// requests use CAIP-2 form ("eip155:42793"); v1 requests use a well-known
// name ("etherlink"). Use ResolveChainId to turn either into a chainid.ChainId.
type Network string

// Parse splits a CAIP-2 network into its namespace and reference components.
// It is only meaningful for v2 (CAIP-2) network strings.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// ResolveChainId turns this network string into a chainid.ChainId, accepting
// either CAIP-2 form or a v1 well-known name.
func (n Network) ResolveChainId() (chainid.ChainId, error) {
	if strings.Contains(string(n), ":") {
		return chainid.Parse(string(n))
	}
	return chainid.FromV1Name(string(n))
}

// Match reports whether this network matches a registered pattern network,
// supporting "namespace:*" wildcards in either direction. Nothing in this
// module calls it; the registry matches on chainid.ChainIdPattern instead.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	nStr, patternStr := string(n), string(pattern)
	if strings.HasSuffix(patternStr, ":*") {
		return strings.HasPrefix(nStr, strings.TrimSuffix(patternStr, "*"))
	}
	if strings.HasSuffix(nStr, ":*") {
		return strings.HasPrefix(patternStr, strings.TrimSuffix(nStr, "*"))
	}
	return false
}

// AssetAmount represents an amount of a specific asset.
type AssetAmount struct {
	Asset  string                 `json:"asset"`
	Amount string                 `json:"amount"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequirements defines what payment is acceptable for a resource.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`                      // v2 field
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"` // v1 compatibility field
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// RequiredAmount returns the exact amount this requirement demands, preferring
// the v1 MaxAmountRequired field when present (v1 requests never set Amount).
func (r PaymentRequirements) RequiredAmount() string {
	if r.MaxAmountRequired != "" {
		return r.MaxAmountRequired
	}
	return r.Amount
}

// PartialPaymentPayload contains the minimal payment data from mechanism clients.
type PartialPaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
}

// PaymentPayload contains the signed payment authorization from a client. The
// Payload map holds exactly one of the three authorization families (ERC-3009
// authorization, Permit2 AllowanceTransfer permitSingle, or Permit2 witness
// SignatureTransfer) and is unmarshaled further by the owning mechanism.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`          // v2: scheme/network in accepted
	Scheme      string                 `json:"scheme,omitempty"`  // v1: scheme at top level
	Network     string                 `json:"network,omitempty"` // v1: network at top level
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// EffectiveScheme returns the scheme this payload names, regardless of version.
func (p PaymentPayload) EffectiveScheme() string {
	if p.Scheme != "" {
		return p.Scheme
	}
	return p.Accepted.Scheme
}

// EffectiveNetwork returns the network this payload names, regardless of version.
func (p PaymentPayload) EffectiveNetwork() Network {
	if p.Network != "" {
		return Network(p.Network)
	}
	return p.Accepted.Network
}

// ResourceInfo describes the resource being accessed.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// PaymentRequired is the 402 response sent to clients.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyRequest contains the payment to verify.
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse contains the verification result.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest contains the payment to settle.
type SettleRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse contains the settlement result.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// SupportedKind represents a single supported payment configuration.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports.
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Signers    map[string][]string `json:"signers,omitempty"`
	Extensions []string            `json:"extensions"`
}

// DeepEqual performs deep equality check on payment requirements via JSON normalization.
func DeepEqual(a, b interface{}) bool {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}

	var aNorm, bNorm interface{}
	if err := json.Unmarshal(aJSON, &aNorm); err != nil {
		return false
	}
	if err := json.Unmarshal(bJSON, &bNorm); err != nil {
		return false
	}

	aNormJSON, _ := json.Marshal(aNorm)
	bNormJSON, _ := json.Marshal(bNorm)
	return string(aNormJSON) == string(bNormJSON)
}
