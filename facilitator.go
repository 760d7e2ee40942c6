package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tzapac/tzapac-x402-permit2/chainid"
)

// ComplianceGate screens a payer/payee address before any RPC cost is paid.
// compliance.Gate implements this; kept as a narrow local interface so the
// registry never imports the compliance package directly.
type ComplianceGate interface {
	Check(ctx context.Context, address string) error
}

// schemeEntry binds one registered mechanism to the chain pattern it answers for.
type schemeEntry struct {
	pattern     chainid.ChainIdPattern
	scheme      string
	facilitator SchemeNetworkFacilitator
}

// x402Facilitator is the scheme registry (C10): it routes a verify/settle
// request to the mechanism registered for its (version, scheme, chain id)
// tuple, running the compliance gate and lifecycle hooks around dispatch.
type x402Facilitator struct {
	mu sync.RWMutex

	// version -> registered entries, matched in registration order
	schemes map[int][]schemeEntry

	extensions []string

	compliance ComplianceGate

	settlements *SettlementCache

	beforeVerify []FacilitatorBeforeVerifyHook
	afterVerify  []FacilitatorAfterVerifyHook
	onVerifyFail []FacilitatorOnVerifyFailureHook
	beforeSettle []FacilitatorBeforeSettleHook
	afterSettle  []FacilitatorAfterSettleHook
	onSettleFail []FacilitatorOnSettleFailureHook
}

// Newx402Facilitator creates a new scheme registry with a 5-minute settlement
// idempotency window.
func Newx402Facilitator() *x402Facilitator {
	return &x402Facilitator{
		schemes:     make(map[int][]schemeEntry),
		extensions:  []string{},
		settlements: NewSettlementCache(5 * time.Minute),
	}
}

// WithCompliance attaches a compliance gate. Every verify and settle call
// screens the payer (and, for settle, the recipient) through it first.
func (f *x402Facilitator) WithCompliance(gate ComplianceGate) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compliance = gate
	return f
}

// RegisterScheme registers a mechanism for protocol v2, matched against chain
// ids resolved from the request's CAIP-2 network string.
func (f *x402Facilitator) RegisterScheme(pattern chainid.ChainIdPattern, facilitator SchemeNetworkFacilitator) *x402Facilitator {
	return f.registerScheme(ProtocolVersion, pattern, facilitator)
}

// RegisterSchemeV1 registers a mechanism for protocol v1, matched against
// chain ids resolved from the request's well-known network name.
func (f *x402Facilitator) RegisterSchemeV1(pattern chainid.ChainIdPattern, facilitator SchemeNetworkFacilitator) *x402Facilitator {
	return f.registerScheme(ProtocolVersionV1, pattern, facilitator)
}

func (f *x402Facilitator) registerScheme(version int, pattern chainid.ChainIdPattern, facilitator SchemeNetworkFacilitator) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.schemes[version] = append(f.schemes[version], schemeEntry{
		pattern:     pattern,
		scheme:      facilitator.Scheme(),
		facilitator: facilitator,
	})
	return f
}

// RegisterExtension registers a protocol extension name advertised in /supported.
func (f *x402Facilitator) RegisterExtension(extension string) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}
	f.extensions = append(f.extensions, extension)
	return f
}

// OnBeforeVerify registers a hook run before every verify dispatch.
func (f *x402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerify = append(f.beforeVerify, hook)
	return f
}

// OnAfterVerify registers a hook run after a successful verify dispatch.
func (f *x402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerify = append(f.afterVerify, hook)
	return f
}

// OnVerifyFailure registers a hook run when verify dispatch returns an error.
func (f *x402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFail = append(f.onVerifyFail, hook)
	return f
}

// OnBeforeSettle registers a hook run before every settle dispatch.
func (f *x402Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettle = append(f.beforeSettle, hook)
	return f
}

// OnAfterSettle registers a hook run after a successful settle dispatch.
func (f *x402Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettle = append(f.afterSettle, hook)
	return f
}

// OnSettleFailure registers a hook run when settle dispatch returns an error.
func (f *x402Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *x402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFail = append(f.onSettleFail, hook)
	return f
}

// detectVersion distinguishes a v1 payload (top-level scheme/network) from a
// v2 payload (scheme/network nested under accepted) when X402Version is absent
// or ambiguous; the explicit field, when present, always wins.
func detectVersion(payload PaymentPayload) int {
	if payload.X402Version == ProtocolVersionV1 || payload.X402Version == ProtocolVersion {
		return payload.X402Version
	}
	if payload.Scheme != "" || payload.Network != "" {
		return ProtocolVersionV1
	}
	return ProtocolVersion
}

// resolveChainId picks the network string to resolve: requirements take
// precedence since they are the facilitator's own source of truth for what
// it is being asked to verify/settle against.
func resolveChainId(requirements PaymentRequirements, payload PaymentPayload) (chainid.ChainId, error) {
	network := requirements.Network
	if network == "" {
		network = payload.EffectiveNetwork()
	}
	return network.ResolveChainId()
}

func (f *x402Facilitator) lookup(version int, scheme string, id chainid.ChainId) SchemeNetworkFacilitator {
	for _, entry := range f.schemes[version] {
		if entry.scheme == scheme && entry.pattern.Matches(id) {
			return entry.facilitator
		}
	}
	return nil
}

// Verify checks if a payment is valid without executing it.
func (f *x402Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	start := time.Now()
	hookCtx := FacilitatorVerifyContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           start,
	}

	f.mu.RLock()
	beforeHooks := append([]FacilitatorBeforeVerifyHook(nil), f.beforeVerify...)
	afterHooks := append([]FacilitatorAfterVerifyHook(nil), f.afterVerify...)
	failHooks := append([]FacilitatorOnVerifyFailureHook(nil), f.onVerifyFail...)
	compliance := f.compliance
	f.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return f.failVerify(hookCtx, failHooks, err, start)
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	if compliance != nil {
		if err := compliance.Check(ctx, payerAddress(payload)); err != nil {
			return f.failVerify(hookCtx, failHooks, err, start)
		}
	}

	resp, err := f.dispatchVerify(ctx, payload, requirements)
	if err != nil {
		return f.failVerify(hookCtx, failHooks, err, start)
	}

	resultCtx := FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: resp, Duration: time.Since(start)}
	for _, hook := range afterHooks {
		_ = hook(resultCtx)
	}
	return resp, nil
}

func (f *x402Facilitator) failVerify(hookCtx FacilitatorVerifyContext, hooks []FacilitatorOnVerifyFailureHook, err error, start time.Time) (VerifyResponse, error) {
	failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: err, Duration: time.Since(start)}
	for _, hook := range hooks {
		recovered, hookErr := hook(failureCtx)
		if hookErr == nil && recovered != nil && recovered.Recovered {
			return recovered.Result, nil
		}
	}
	return VerifyResponse{IsValid: false, InvalidReason: err.Error()}, err
}

func (f *x402Facilitator) dispatchVerify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	version := detectVersion(payload)

	id, err := resolveChainId(requirements, payload)
	if err != nil {
		return VerifyResponse{}, UnsupportedChain(err.Error())
	}

	scheme := requirements.Scheme
	if scheme == "" {
		scheme = payload.EffectiveScheme()
	}

	f.mu.RLock()
	facilitator := f.lookup(version, scheme, id)
	f.mu.RUnlock()
	if facilitator == nil {
		return VerifyResponse{}, UnsupportedScheme(fmt.Sprintf("no facilitator for scheme %q on chain %q (x402 v%d)", scheme, id, version))
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return VerifyResponse{}, InvalidFormat(err.Error())
	}
	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return VerifyResponse{}, InvalidFormat(err.Error())
	}

	return facilitator.Verify(ctx, version, payloadBytes, requirementsBytes)
}

// Settle executes a payment on-chain, idempotent per unique payload via the
// settlement cache.
func (f *x402Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	start := time.Now()
	hookCtx := FacilitatorSettleContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           start,
	}

	f.mu.RLock()
	beforeHooks := append([]FacilitatorBeforeSettleHook(nil), f.beforeSettle...)
	afterHooks := append([]FacilitatorAfterSettleHook(nil), f.afterSettle...)
	failHooks := append([]FacilitatorOnSettleFailureHook(nil), f.onSettleFail...)
	compliance := f.compliance
	f.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return f.failSettle(hookCtx, failHooks, err, start)
		}
		if result != nil && result.Abort {
			return SettleResponse{Success: false, ErrorReason: result.Reason, Network: payload.EffectiveNetwork()}, nil
		}
	}

	if compliance != nil {
		if err := compliance.Check(ctx, payerAddress(payload)); err != nil {
			return f.failSettle(hookCtx, failHooks, err, start)
		}
		if err := compliance.Check(ctx, requirements.PayTo); err != nil {
			return f.failSettle(hookCtx, failHooks, err, start)
		}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return f.failSettle(hookCtx, failHooks, InvalidFormat(err.Error()), start)
	}
	key := GenerateSettlementKey(payloadBytes)

	var done chan struct{}
	for done == nil {
		status, cached, ch := f.settlements.CheckAndMark(key)
		switch status {
		case StatusCached:
			return *cached, nil
		case StatusInFlight:
			result, err := f.settlements.WaitForResult(ctx, key, ch)
			if err != nil {
				return f.failSettle(hookCtx, failHooks, err, start)
			}
			if result != nil {
				return *result, nil
			}
			// the in-flight attempt failed without caching; check again and
			// retry here once this call holds the in-flight mark
		default:
			done = ch
		}
	}

	resp, err := f.dispatchSettle(ctx, version(payload), payload, requirements, payloadBytes)
	if err != nil {
		f.settlements.Fail(key, done)
		return f.failSettle(hookCtx, failHooks, err, start)
	}
	f.settlements.Complete(key, &resp, done)

	resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: resp, Duration: time.Since(start)}
	for _, hook := range afterHooks {
		_ = hook(resultCtx)
	}
	return resp, nil
}

func (f *x402Facilitator) failSettle(hookCtx FacilitatorSettleContext, hooks []FacilitatorOnSettleFailureHook, err error, start time.Time) (SettleResponse, error) {
	failureCtx := FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Error: err, Duration: time.Since(start)}
	for _, hook := range hooks {
		recovered, hookErr := hook(failureCtx)
		if hookErr == nil && recovered != nil && recovered.Recovered {
			return recovered.Result, nil
		}
	}
	return SettleResponse{Success: false, ErrorReason: err.Error(), Network: hookCtx.PaymentPayload.EffectiveNetwork()}, err
}

func version(payload PaymentPayload) int {
	return detectVersion(payload)
}

func (f *x402Facilitator) dispatchSettle(ctx context.Context, version int, payload PaymentPayload, requirements PaymentRequirements, payloadBytes []byte) (SettleResponse, error) {
	id, err := resolveChainId(requirements, payload)
	if err != nil {
		return SettleResponse{}, UnsupportedChain(err.Error())
	}

	scheme := requirements.Scheme
	if scheme == "" {
		scheme = payload.EffectiveScheme()
	}

	f.mu.RLock()
	facilitator := f.lookup(version, scheme, id)
	f.mu.RUnlock()
	if facilitator == nil {
		return SettleResponse{}, UnsupportedScheme(fmt.Sprintf("no facilitator for scheme %q on chain %q (x402 v%d)", scheme, id, version))
	}

	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return SettleResponse{}, InvalidFormat(err.Error())
	}

	return facilitator.Settle(ctx, version, payloadBytes, requirementsBytes)
}

// SignerLister is an optional interface a SchemeNetworkFacilitator may
// implement to expose the on-chain addresses it signs settlements from.
// GetSupported aggregates these into SupportedResponse.Signers per
// spec.md §4.9; mechanisms that hold no signing key simply omit it.
type SignerLister interface {
	Signers() []string
}

// GetSupported returns the payment kinds this facilitator supports, plus the
// signer addresses advertised by each registered chain.
func (f *x402Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	response := SupportedResponse{
		Kinds:      []SupportedKind{},
		Extensions: f.extensions,
	}

	signers := map[string][]string{}
	for version, entries := range f.schemes {
		for _, entry := range entries {
			response.Kinds = append(response.Kinds, SupportedKind{
				X402Version: version,
				Scheme:      entry.scheme,
				Network:     Network(entry.pattern.String()),
				Extra:       map[string]interface{}{},
			})

			if lister, ok := entry.facilitator.(SignerLister); ok {
				key := entry.pattern.String()
				if _, seen := signers[key]; !seen {
					signers[key] = lister.Signers()
				}
			}
		}
	}
	if len(signers) > 0 {
		response.Signers = signers
	}

	return response
}

// payerAddress extracts the signing party's address from a payment payload
// for compliance screening, regardless of authorization family.
func payerAddress(payload PaymentPayload) string {
	if payload.Payload == nil {
		return ""
	}
	if from, ok := payload.Payload["from"].(string); ok {
		return from
	}
	if auth, ok := payload.Payload["authorization"].(map[string]interface{}); ok {
		if from, ok := auth["from"].(string); ok {
			return from
		}
	}
	if owner, ok := payload.Payload["owner"].(string); ok {
		return owner
	}
	if auth, ok := payload.Payload["permit2Authorization"].(map[string]interface{}); ok {
		if from, ok := auth["from"].(string); ok {
			return from
		}
	}
	return ""
}

// LocalFacilitatorClient wraps a local facilitator to implement FacilitatorClient,
// for in-process use by a resource server that embeds its own facilitator.
type LocalFacilitatorClient struct {
	facilitator *x402Facilitator
}

// NewLocalFacilitatorClient creates a facilitator client backed by a local facilitator.
func NewLocalFacilitatorClient(facilitator *x402Facilitator) *LocalFacilitatorClient {
	return &LocalFacilitatorClient{facilitator: facilitator}
}

// Verify implements FacilitatorClient.
func (c *LocalFacilitatorClient) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (VerifyResponse, error) {
	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return VerifyResponse{IsValid: false}, err
	}
	var requirements PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return VerifyResponse{IsValid: false}, err
	}
	return c.facilitator.Verify(ctx, payload, requirements)
}

// Settle implements FacilitatorClient.
func (c *LocalFacilitatorClient) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (SettleResponse, error) {
	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return SettleResponse{Success: false}, err
	}
	var requirements PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return SettleResponse{Success: false}, err
	}
	return c.facilitator.Settle(ctx, payload, requirements)
}

// GetSupported implements FacilitatorClient.
func (c *LocalFacilitatorClient) GetSupported(ctx context.Context) (SupportedResponse, error) {
	return c.facilitator.GetSupported(), nil
}
