package evm

import (
	"context"
	"encoding/json"
	"fmt"

	x402 "github.com/tzapac/tzapac-x402-permit2"
)

// ExactEvmFacilitator wires the Pre-flight Validator (C6), Verifier (C7), and
// Settler (C8) behind the root package's SchemeNetworkFacilitator interface
// (C10), for one connected chain. The registry matches requests to the right
// instance by chain id pattern (v2) or legacy network name (v1); this type
// does not itself care which — it is handed an already-resolved chain id and
// a provider already dialed to that chain.
type ExactEvmFacilitator struct {
	provider Provider
	chainID  string // decimal chain reference, e.g. "84532"
	network  x402.Network
	version  int
}

// NewExactEvmFacilitator builds a facilitator instance for one connected
// chain. network is the value this instance advertises in Supported(); it
// may be a CAIP-2 id ("eip155:84532") or a v1 well-known name ("base-sepolia")
// depending on whether the caller registers it via RegisterScheme or
// RegisterSchemeV1.
func NewExactEvmFacilitator(ctx context.Context, provider Provider, network x402.Network, version int) (*ExactEvmFacilitator, error) {
	chainID, err := provider.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: resolve connected chain id: %w", err)
	}
	return &ExactEvmFacilitator{provider: provider, chainID: chainID.String(), network: network, version: version}, nil
}

// Scheme implements x402.SchemeNetworkFacilitator.
func (f *ExactEvmFacilitator) Scheme() string { return SchemeExact }

// Supported implements x402.SchemeNetworkFacilitator.
func (f *ExactEvmFacilitator) Supported() []x402.SupportedKind {
	return []x402.SupportedKind{{X402Version: f.version, Scheme: SchemeExact, Network: f.network}}
}

// Signers implements the registry's SignerLister optional interface,
// advertising the provider's settlement addresses via supported() (spec.md §4.9).
func (f *ExactEvmFacilitator) Signers() []string {
	return f.provider.GetAddresses()
}

// Verify implements x402.SchemeNetworkFacilitator: it decodes the wire bytes,
// runs BuildPaymentContext (C6), then Verify (C7). A failed check surfaces
// its *x402.PaymentError verbatim rather than folding it into InvalidReason,
// matching spec.md §7's "surfaced verbatim" propagation policy.
func (f *ExactEvmFacilitator) Verify(ctx context.Context, version int, payloadBytes, requirementsBytes []byte) (x402.VerifyResponse, error) {
	payload, requirements, rawPayload, err := f.decode(payloadBytes, requirementsBytes)
	if err != nil {
		return x402.VerifyResponse{}, err
	}

	branch, payer, err := f.buildContext(ctx, payload, requirements, rawPayload)
	if err != nil {
		return x402.VerifyResponse{}, err
	}

	if _, err := Verify(ctx, f.provider, branch.Context); err != nil {
		return x402.VerifyResponse{}, err
	}
	return x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle implements x402.SchemeNetworkFacilitator: it re-validates (the
// validator is re-run rather than trusting a prior /verify call, since the
// two are independent RPCs that may race a changed on-chain balance or
// allowance) then executes the Settler (C8).
func (f *ExactEvmFacilitator) Settle(ctx context.Context, version int, payloadBytes, requirementsBytes []byte) (x402.SettleResponse, error) {
	payload, requirements, rawPayload, err := f.decode(payloadBytes, requirementsBytes)
	if err != nil {
		return x402.SettleResponse{}, err
	}

	branch, payer, err := f.buildContext(ctx, payload, requirements, rawPayload)
	if err != nil {
		return x402.SettleResponse{Network: f.network}, err
	}

	spender := ""
	if branch.Context.Kind == ContextPermit2 {
		spender = branch.Context.Permit2.PermitSingle.Spender
	}

	receipt, err := Settle(ctx, f.provider, branch.Context, spender)
	if err != nil {
		resp := x402.SettleResponse{Success: false, ErrorReason: err.Error(), Payer: payer, Network: f.network}
		if receipt != nil {
			resp.Transaction = receipt.TxHash
		}
		return resp, err
	}
	return x402.SettleResponse{Success: true, Payer: payer, Transaction: receipt.TxHash, Network: f.network}, nil
}

// decode unmarshals the wire envelopes and confirms both sides agree on the
// connected chain before any further work is done.
func (f *ExactEvmFacilitator) decode(payloadBytes, requirementsBytes []byte) (x402.PaymentPayload, x402.PaymentRequirements, map[string]interface{}, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return x402.PaymentPayload{}, x402.PaymentRequirements{}, nil, x402.InvalidFormat(fmt.Sprintf("invalid payment payload: %v", err))
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return x402.PaymentPayload{}, x402.PaymentRequirements{}, nil, x402.InvalidFormat(fmt.Sprintf("invalid payment requirements: %v", err))
	}
	if payload.Payload == nil {
		return x402.PaymentPayload{}, x402.PaymentRequirements{}, nil, x402.InvalidFormat("payment payload carries no authorization data")
	}
	return payload, requirements, payload.Payload, nil
}

func (f *ExactEvmFacilitator) buildContext(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, rawPayload map[string]interface{}) (*ValidatedBranch, string, error) {
	payloadChain, err := payload.EffectiveNetwork().ResolveChainId()
	if err != nil {
		return nil, "", x402.UnsupportedChain(err.Error())
	}
	requirementsChain, err := requirements.Network.ResolveChainId()
	if err != nil {
		return nil, "", x402.UnsupportedChain(err.Error())
	}

	providerChainID, err := f.provider.ChainID(ctx)
	if err != nil {
		return nil, "", x402.OnchainFailure(fmt.Sprintf("chain_id: %v", err))
	}

	branch, err := BuildPaymentContext(ctx, f.provider, providerChainID, payloadChain, requirementsChain, rawPayload, requirements, f.provider.GetAddresses())
	if err != nil {
		return nil, "", err
	}
	return branch, branch.Payer, nil
}
