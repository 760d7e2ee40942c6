package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/tzapac/tzapac-x402-permit2"
	"github.com/tzapac/tzapac-x402-permit2/chainid"
)

// maxUint160 and maxUint48 bound the Permit2 AllowanceTransfer numeric fields
// per spec.md §4.5's "bounded numeric coercions".
var (
	maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	maxUint48  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1))
)

// ValidatedBranch carries the payer address alongside the PaymentContext the
// validator produced, since a branch's payer field differs (authorization.from,
// owner, or permit2Authorization.from).
type ValidatedBranch struct {
	Context *PaymentContext
	Payer   string
}

// BuildPaymentContext is the Pre-flight Validator (C6). Given the connected
// provider's chain id, the payload and requirements chain references, the raw
// payload map, and the resolved requirements, it selects one of the three
// authorization branches, runs every per-branch check spec.md §4.5 names, and
// returns the PaymentContext the Verifier/Settler then execute. Every failure
// is a *x402.PaymentError from the stable taxonomy; nothing here wraps or
// translates it further up the call stack.
func BuildPaymentContext(
	ctx context.Context,
	provider Provider,
	providerChainID *big.Int,
	payloadChain chainid.ChainId,
	requirementsChain chainid.ChainId,
	payload map[string]interface{},
	requirements x402.PaymentRequirements,
	allowedSpenders []string,
) (*ValidatedBranch, error) {
	if payloadChain != requirementsChain {
		return nil, x402.ChainIdMismatch(fmt.Sprintf("payload chain %s does not match requirements chain %s", payloadChain, requirementsChain))
	}
	if providerChainID == nil || providerChainID.String() != requirementsChain.Reference {
		return nil, x402.ChainIdMismatch(fmt.Sprintf("connected provider chain %s does not match requirements chain %s", providerChainID, requirementsChain))
	}

	switch {
	case IsPermit2WitnessPayload(payload):
		return validatePermit2Witness(ctx, provider, requirementsChain.String(), payload, requirements)
	case IsPermit2AllowancePayload(payload):
		return validatePermit2Allowance(ctx, provider, requirementsChain.String(), payload, requirements, allowedSpenders)
	case IsEIP3009Payload(payload):
		return validateEip3009(ctx, provider, requirementsChain.String(), payload, requirements)
	default:
		return nil, x402.InvalidFormat("missing authorization: payload carries none of authorization, permit2, or permit2_authorization")
	}
}

// assertTime enforces the 6-second grace shared by all three time predicates:
// validBefore (or deadline) must still be at least 6 seconds out, and
// validAfter (when present) must not be in the future.
func assertTime(validAfter, validBefore int64) error {
	now := time.Now().Unix()
	if validBefore < now+Permit2DeadlineBuffer {
		return x402.Expired(fmt.Sprintf("valid_before %d is within the %ds grace window of now (%d)", validBefore, Permit2DeadlineBuffer, now))
	}
	if validAfter > now {
		return x402.Early(fmt.Sprintf("valid_after %d is still in the future (now %d)", validAfter, now))
	}
	return nil
}

func assertUpperBound(label string, deadline int64) error {
	now := time.Now().Unix()
	if deadline < now+Permit2DeadlineBuffer {
		return x402.Expired(fmt.Sprintf("%s %d is within the %ds grace window of now (%d)", label, deadline, Permit2DeadlineBuffer, now))
	}
	return nil
}

func parseUnixSeconds(field, value string) (int64, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return 0, x402.InvalidFormat(fmt.Sprintf("invalid %s: %q", field, value))
	}
	return n.Int64(), nil
}

func parseBoundedAmount(field, value string, max *big.Int) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid %s: %q", field, value))
	}
	if n.Cmp(max) > 0 {
		return nil, x402.InvalidFormat(fmt.Sprintf("%s exceeds uint%d: %s", field, max.BitLen(), value))
	}
	return n, nil
}

func validateEip3009(ctx context.Context, provider Provider, chainRef string, payload map[string]interface{}, requirements x402.PaymentRequirements) (*ValidatedBranch, error) {
	evmPayload, err := PayloadFromMap(payload)
	if err != nil {
		return nil, x402.InvalidFormat(err.Error())
	}
	auth := evmPayload.Authorization

	if !sameAddress(auth.To, requirements.PayTo) {
		return nil, x402.RecipientMismatch(fmt.Sprintf("authorization.to %s does not match pay_to %s", auth.To, requirements.PayTo))
	}

	validAfter, err := parseUnixSeconds("validAfter", auth.ValidAfter)
	if err != nil {
		return nil, err
	}
	validBefore, err := parseUnixSeconds("validBefore", auth.ValidBefore)
	if err != nil {
		return nil, err
	}
	if err := assertTime(validAfter, validBefore); err != nil {
		return nil, err
	}

	tokenName, tokenVersion, err := resolveTokenDomain(ctx, provider, requirements)
	if err != nil {
		return nil, err
	}
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainRefToBigInt(chainRef),
		VerifyingContract: requirements.Asset,
	}

	required, ok := new(big.Int).SetString(requirements.RequiredAmount(), 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid max_amount_required: %s", requirements.RequiredAmount()))
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid authorization.value: %s", auth.Value))
	}
	if value.Cmp(required) != 0 {
		return nil, x402.InvalidPaymentAmount(fmt.Sprintf("authorization.value %s does not exactly equal max_amount_required %s", value, required))
	}

	balance, err := provider.BalanceOf(ctx, requirements.Asset, auth.From)
	if err != nil {
		return nil, x402.OnchainFailure(fmt.Sprintf("balance_of(%s): %v", auth.From, err))
	}
	if balance.Cmp(required) < 0 {
		return nil, x402.InsufficientFunds(fmt.Sprintf("balance %s is below required %s", balance, required))
	}

	if evmPayload.Signature == "" {
		return nil, x402.InvalidFormat("missing signature")
	}

	return &ValidatedBranch{
		Payer: auth.From,
		Context: &PaymentContext{
			Kind:     ContextEip3009,
			Contract: requirements.Asset,
			Domain:   domain,
			PayTo:    requirements.PayTo,
			Eip3009:  evmPayload,
		},
	}, nil
}

func validatePermit2Allowance(ctx context.Context, provider Provider, chainRef string, payload map[string]interface{}, requirements x402.PaymentRequirements, allowedSpenders []string) (*ValidatedBranch, error) {
	evmPayload, err := Permit2AllowancePayloadFromMap(payload)
	if err != nil {
		return nil, x402.InvalidFormat(err.Error())
	}
	details := evmPayload.PermitSingle.Details

	if !sameAddress(details.Token, requirements.Asset) {
		return nil, x402.AssetMismatch(fmt.Sprintf("details.token %s does not match requirements asset %s", details.Token, requirements.Asset))
	}
	if len(allowedSpenders) > 0 && !addressIn(evmPayload.PermitSingle.Spender, allowedSpenders) {
		return nil, x402.RecipientMismatch(fmt.Sprintf("permit_single.spender %s is not an allowed spender", evmPayload.PermitSingle.Spender))
	}

	sigDeadline, err := parseUnixSeconds("sigDeadline", evmPayload.PermitSingle.SigDeadline)
	if err != nil {
		return nil, err
	}
	expiration, err := parseUnixSeconds("expiration", details.Expiration)
	if err != nil {
		return nil, err
	}
	if err := assertUpperBound("sig_deadline", sigDeadline); err != nil {
		return nil, err
	}
	if err := assertUpperBound("expiration", expiration); err != nil {
		return nil, err
	}

	amount, err := parseBoundedAmount("details.amount", details.Amount, maxUint160)
	if err != nil {
		return nil, err
	}
	if _, err := parseBoundedAmount("details.expiration", details.Expiration, maxUint48); err != nil {
		return nil, err
	}
	if _, err := parseBoundedAmount("details.nonce", details.Nonce, maxUint48); err != nil {
		return nil, err
	}

	required, ok := new(big.Int).SetString(requirements.RequiredAmount(), 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid max_amount_required: %s", requirements.RequiredAmount()))
	}
	if amount.Cmp(required) != 0 {
		return nil, x402.InvalidPaymentAmount(fmt.Sprintf("details.amount %s does not exactly equal max_amount_required %s", amount, required))
	}

	balance, err := provider.BalanceOf(ctx, requirements.Asset, evmPayload.Owner)
	if err != nil {
		return nil, x402.OnchainFailure(fmt.Sprintf("balance_of(%s): %v", evmPayload.Owner, err))
	}
	if balance.Cmp(required) < 0 {
		return nil, x402.InsufficientFunds(fmt.Sprintf("balance %s is below required %s", balance, required))
	}

	domain := TypedDataDomain{
		Name:              "Permit2",
		Version:           "1",
		ChainID:           chainRefToBigInt(chainRef),
		VerifyingContract: PERMIT2Address,
	}

	return &ValidatedBranch{
		Payer: evmPayload.Owner,
		Context: &PaymentContext{
			Kind:     ContextPermit2,
			Contract: requirements.Asset,
			Domain:   domain,
			PayTo:    requirements.PayTo,
			Permit2:  evmPayload,
		},
	}, nil
}

func validatePermit2Witness(ctx context.Context, provider Provider, chainRef string, payload map[string]interface{}, requirements x402.PaymentRequirements) (*ValidatedBranch, error) {
	evmPayload, err := Permit2PayloadFromMap(payload)
	if err != nil {
		return nil, x402.InvalidFormat(err.Error())
	}
	auth := evmPayload.Permit2Authorization

	if !sameAddress(auth.Permitted.Token, requirements.Asset) {
		return nil, x402.AssetMismatch(fmt.Sprintf("permitted.token %s does not match requirements asset %s", auth.Permitted.Token, requirements.Asset))
	}
	configuredProxy := X402ExactPermit2ProxyAddress()
	if !sameAddress(auth.Spender, configuredProxy) {
		return nil, x402.InvalidFormat(fmt.Sprintf("permit2Authorization.spender %s does not match the configured x402 Permit2 proxy %s", auth.Spender, configuredProxy))
	}
	if !sameAddress(auth.Witness.To, requirements.PayTo) {
		return nil, x402.RecipientMismatch(fmt.Sprintf("witness.to %s does not match pay_to %s", auth.Witness.To, requirements.PayTo))
	}

	required, ok := new(big.Int).SetString(requirements.RequiredAmount(), 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid max_amount_required: %s", requirements.RequiredAmount()))
	}
	amount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid permitted.amount: %s", auth.Permitted.Amount))
	}
	if amount.Cmp(required) != 0 {
		return nil, x402.InvalidPaymentAmount(fmt.Sprintf("permitted.amount %s does not exactly equal max_amount_required %s", amount, required))
	}

	deadline, err := parseUnixSeconds("deadline", auth.Deadline)
	if err != nil {
		return nil, err
	}
	validAfter, err := parseUnixSeconds("witness.validAfter", auth.Witness.ValidAfter)
	if err != nil {
		return nil, err
	}
	if err := assertTime(validAfter, deadline); err != nil {
		return nil, err
	}

	balance, err := provider.BalanceOf(ctx, requirements.Asset, auth.From)
	if err != nil {
		return nil, x402.OnchainFailure(fmt.Sprintf("balance_of(%s): %v", auth.From, err))
	}
	if balance.Cmp(amount) < 0 {
		return nil, x402.InsufficientFunds(fmt.Sprintf("balance %s is below required %s", balance, amount))
	}
	allowance, err := provider.Allowance(ctx, requirements.Asset, auth.From, PERMIT2Address)
	if err != nil {
		return nil, x402.OnchainFailure(fmt.Sprintf("allowance(%s, PERMIT2): %v", auth.From, err))
	}
	if allowance.Cmp(amount) < 0 {
		return nil, x402.TransactionSimulation(fmt.Sprintf("allowance insufficient: %s < %s", allowance, amount))
	}

	domain := TypedDataDomain{
		Name:              "Permit2",
		ChainID:           chainRefToBigInt(chainRef),
		VerifyingContract: PERMIT2Address,
	}

	return &ValidatedBranch{
		Payer: auth.From,
		Context: &PaymentContext{
			Kind:           ContextPermit2Witness,
			Contract:       configuredProxy,
			Domain:         domain,
			PayTo:          requirements.PayTo,
			Permit2Witness: evmPayload,
		},
	}, nil
}

// resolveTokenDomain resolves an ERC-3009 token's EIP-712 domain name/version,
// preferring requirements.Extra overrides and falling back to live on-chain
// name()/version() reads, matching the teacher's facilitator.go precedence.
func resolveTokenDomain(ctx context.Context, provider Provider, requirements x402.PaymentRequirements) (name, version string, err error) {
	if requirements.Extra != nil {
		if v, ok := requirements.Extra["name"].(string); ok {
			name = v
		}
		if v, ok := requirements.Extra["version"].(string); ok {
			version = v
		}
	}
	if name == "" {
		name, err = provider.Name(ctx, requirements.Asset)
		if err != nil {
			return "", "", x402.OnchainFailure(fmt.Sprintf("name(%s): %v", requirements.Asset, err))
		}
	}
	if version == "" {
		version, err = provider.Version(ctx, requirements.Asset)
		if err != nil {
			return "", "", x402.OnchainFailure(fmt.Sprintf("version(%s): %v", requirements.Asset, err))
		}
	}
	return name, version, nil
}

func chainRefToBigInt(ref string) *big.Int {
	n, ok := new(big.Int).SetString(ref, 10)
	if !ok {
		return nil
	}
	return n
}

// sameAddress compares two hex addresses by their canonical common.Address
// form, independent of case or a missing "0x" prefix.
func sameAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

func addressIn(addr string, list []string) bool {
	for _, a := range list {
		if sameAddress(addr, a) {
			return true
		}
	}
	return false
}
