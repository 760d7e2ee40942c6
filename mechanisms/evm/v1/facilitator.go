package v1

import (
	"context"
	"encoding/json"
	"fmt"

	x402 "github.com/tzapac/tzapac-x402-permit2"
	"github.com/tzapac/tzapac-x402-permit2/mechanisms/evm"
)

// Facilitator adapts evm.ExactEvmFacilitator for v1 legacy clients: the v1
// API lets a request omit asset entirely, relying on the network's
// configured default stablecoin. This wraps the v2 facilitator and fills in
// requirements.asset/extra.name/extra.version from GetAssetInfo before
// delegating, so the v2 validator never sees a blank asset.
type Facilitator struct {
	inner   *evm.ExactEvmFacilitator
	network string
}

// NewFacilitator builds a v1-compatible facilitator for one connected chain,
// addressed by its legacy network name (e.g. "base-sepolia").
func NewFacilitator(ctx context.Context, provider evm.Provider, network string) (*Facilitator, error) {
	inner, err := evm.NewExactEvmFacilitator(ctx, provider, x402.Network(network), x402.ProtocolVersionV1)
	if err != nil {
		return nil, err
	}
	return &Facilitator{inner: inner, network: network}, nil
}

// Scheme implements x402.SchemeNetworkFacilitator.
func (f *Facilitator) Scheme() string { return f.inner.Scheme() }

// Supported implements x402.SchemeNetworkFacilitator.
func (f *Facilitator) Supported() []x402.SupportedKind { return f.inner.Supported() }

// Signers implements the registry's SignerLister optional interface.
func (f *Facilitator) Signers() []string { return f.inner.Signers() }

// Verify implements x402.SchemeNetworkFacilitator.
func (f *Facilitator) Verify(ctx context.Context, version int, payloadBytes, requirementsBytes []byte) (x402.VerifyResponse, error) {
	filled, err := f.fillDefaultAsset(requirementsBytes)
	if err != nil {
		return x402.VerifyResponse{}, err
	}
	return f.inner.Verify(ctx, version, payloadBytes, filled)
}

// Settle implements x402.SchemeNetworkFacilitator.
func (f *Facilitator) Settle(ctx context.Context, version int, payloadBytes, requirementsBytes []byte) (x402.SettleResponse, error) {
	filled, err := f.fillDefaultAsset(requirementsBytes)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	return f.inner.Settle(ctx, version, payloadBytes, filled)
}

// fillDefaultAsset resolves requirements.asset (and extra.name/extra.version,
// unless the caller already set them) from this network's default asset
// whenever the caller left asset blank.
func (f *Facilitator) fillDefaultAsset(requirementsBytes []byte) ([]byte, error) {
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid payment requirements: %v", err))
	}
	if requirements.Asset != "" {
		return requirementsBytes, nil
	}

	info, err := GetAssetInfo(f.network, "")
	if err != nil {
		return nil, x402.InvalidFormat(fmt.Sprintf("no asset specified and no default for network %s: %v", f.network, err))
	}
	requirements.Asset = info.Address
	if requirements.Extra == nil {
		requirements.Extra = map[string]interface{}{}
	}
	if _, ok := requirements.Extra["name"]; !ok {
		requirements.Extra["name"] = info.Name
	}
	if _, ok := requirements.Extra["version"]; !ok {
		requirements.Extra["version"] = info.Version
	}

	filled, err := json.Marshal(requirements)
	if err != nil {
		return nil, x402.InvalidFormat(err.Error())
	}
	return filled, nil
}
