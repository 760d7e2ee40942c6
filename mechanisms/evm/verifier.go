package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/tzapac/tzapac-x402-permit2"
)

var (
	transferVRSABI      abi.ABI
	transferBytesABI    abi.ABI
	universalValidator  abi.ABI
	permit2AllowanceABI abi.ABI
	permit2ProxySettle  abi.ABI
	erc20TransferFrom   abi.ABI
)

func init() {
	mustParse := func(dst *abi.ABI, raw []byte, label string) {
		parsed, err := abi.JSON(strings.NewReader(string(raw)))
		if err != nil {
			panic(fmt.Sprintf("evm: invalid %s ABI: %v", label, err))
		}
		*dst = parsed
	}
	mustParse(&transferVRSABI, TransferWithAuthorizationVRSABI, "transferWithAuthorization(v,r,s)")
	mustParse(&transferBytesABI, TransferWithAuthorizationBytesABI, "transferWithAuthorization(bytes)")
	mustParse(&universalValidator, UniversalSigValidatorABI, "UniversalSigValidator")
	mustParse(&permit2AllowanceABI, Permit2AllowanceTransferABI, "Permit2 AllowanceTransfer")
	mustParse(&permit2ProxySettle, X402ExactPermit2ProxySettleABI, "x402 Permit2 proxy settle")
	mustParse(&erc20TransferFrom, ERC20TransferFromABI, "ERC20 transferFrom")
}

// Verify is the Verifier (C7): it classifies the context's raw signature
// against its EIP-712 digest, then simulates (never mines) the settlement
// path spec.md §4.6 names for that (authorization family, signature format)
// combination. It returns the payer address for audit/telemetry.
func Verify(ctx context.Context, provider Provider, pc *PaymentContext) (string, error) {
	digest, payer, rawSigHex, err := digestAndPayer(pc)
	if err != nil {
		return "", err
	}
	rawSig, err := HexToBytes(rawSigHex)
	if err != nil {
		return "", x402.InvalidFormat(fmt.Sprintf("invalid signature: %v", err))
	}
	var digest32 [32]byte
	copy(digest32[:], digest)

	payerAddr := common.HexToAddress(payer)
	sig, err := ClassifySignature(rawSig, payerAddr, digest32)
	if err != nil {
		return "", x402.InvalidSignature(err.Error())
	}
	pc.Signature = sig

	switch pc.Kind {
	case ContextEip3009:
		err = verifyEip3009(ctx, provider, pc, digest32, payerAddr)
	case ContextPermit2:
		err = verifyPermit2Allowance(ctx, provider, pc, payerAddr)
	case ContextPermit2Witness:
		err = verifyPermit2Witness(ctx, provider, pc, digest32, payerAddr)
	default:
		err = x402.InvalidFormat("unknown payment context kind")
	}
	if err != nil {
		return "", err
	}
	return payer, nil
}

// digestAndPayer computes the branch-specific EIP-712 signing hash, the
// payer address, and the raw (hex) signature for pc.
func digestAndPayer(pc *PaymentContext) (digest []byte, payer string, signatureHex string, err error) {
	switch pc.Kind {
	case ContextEip3009:
		digest, err = HashEIP3009Authorization(pc.Eip3009.Authorization, pc.Domain.ChainID, pc.Contract, pc.Domain.Name, pc.Domain.Version)
		return digest, pc.Eip3009.Authorization.From, pc.Eip3009.Signature, err
	case ContextPermit2:
		digest, err = HashPermit2SingleAuthorization(pc.Permit2.PermitSingle, pc.Domain.ChainID)
		return digest, pc.Permit2.Owner, pc.Permit2.Signature, err
	case ContextPermit2Witness:
		digest, err = HashPermit2Authorization(pc.Permit2Witness.Permit2Authorization, pc.Domain.ChainID)
		return digest, pc.Permit2Witness.Permit2Authorization.From, pc.Permit2Witness.Signature, err
	default:
		return nil, "", "", x402.InvalidFormat("unknown payment context kind")
	}
}

func verifyEip3009(ctx context.Context, provider Provider, pc *PaymentContext, digest [32]byte, payerAddr common.Address) error {
	auth := pc.Eip3009.Authorization
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonce, err := HexToBytes(auth.Nonce)
	if err != nil {
		return x402.InvalidFormat(fmt.Sprintf("invalid nonce: %v", err))
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonce)

	switch pc.Signature.Kind {
	case SignatureEIP6492:
		validateCalldata, err := universalValidator.Pack("isValidSigWithSideEffects", payerAddr, digest, pc.Signature.Original)
		if err != nil {
			return x402.InvalidFormat(fmt.Sprintf("encode isValidSigWithSideEffects: %v", err))
		}
		transferCalldata, err := transferBytesABI.Pack("transferWithAuthorization",
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), value, validAfter, validBefore, nonce32, pc.Signature.Inner)
		if err != nil {
			return x402.InvalidFormat(fmt.Sprintf("encode transferWithAuthorization: %v", err))
		}

		results, err := provider.Aggregate3(ctx, []Call3{
			{Target: EIP6492ValidatorAddress, AllowFailure: true, CallData: validateCalldata},
			{Target: pc.Contract, AllowFailure: true, CallData: transferCalldata},
		})
		if err != nil {
			return x402.TransactionSimulation(fmt.Sprintf("aggregate3: %v", err))
		}
		if len(results) != 2 {
			return x402.TransactionSimulation("aggregate3 returned an unexpected number of results")
		}
		if !results[0].Success {
			return x402.InvalidSignature("chain reported signature to be invalid")
		}
		valid, err := decodeBool(universalValidator, "isValidSigWithSideEffects", results[0].ReturnData)
		if err != nil || !valid {
			return x402.InvalidSignature("chain reported signature to be invalid")
		}
		if !results[1].Success {
			return x402.TransactionSimulation("transferWithAuthorization simulation reverted")
		}
		return nil

	case SignatureEIP1271:
		data, err := transferBytesABI.Pack("transferWithAuthorization",
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), value, validAfter, validBefore, nonce32, pc.Signature.Inner)
		if err != nil {
			return x402.InvalidFormat(fmt.Sprintf("encode transferWithAuthorization: %v", err))
		}
		if _, err := provider.Call(ctx, MetaTx{To: pc.Contract, Data: data}); err != nil {
			return x402.TransactionSimulation(fmt.Sprintf("transferWithAuthorization: %v", err))
		}
		return nil

	default: // SignatureEOA
		v := 27 + pc.Signature.V
		r := pc.Signature.R
		s := pc.Signature.S
		data, err := transferVRSABI.Pack("transferWithAuthorization",
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), value, validAfter, validBefore, nonce32,
			uint8(v), r, s)
		if err != nil {
			return x402.InvalidFormat(fmt.Sprintf("encode transferWithAuthorization: %v", err))
		}
		if _, err := provider.Call(ctx, MetaTx{To: pc.Contract, Data: data}); err != nil {
			return x402.TransactionSimulation(fmt.Sprintf("transferWithAuthorization: %v", err))
		}
		return nil
	}
}

func verifyPermit2Allowance(ctx context.Context, provider Provider, pc *PaymentContext, payerAddr common.Address) error {
	p := pc.Permit2
	permitSingleTuple, err := permitSingleToTuple(p.PermitSingle)
	if err != nil {
		return err
	}

	permitCalldata, err := permit2AllowanceABI.Pack("permit", payerAddr, permitSingleTuple, pc.Signature.Original)
	if err != nil {
		return x402.InvalidFormat(fmt.Sprintf("encode permit: %v", err))
	}
	if _, err := provider.Call(ctx, MetaTx{To: PERMIT2Address, Data: permitCalldata}); err != nil {
		return x402.InvalidSignature(fmt.Sprintf("permit2 permit simulation: %v", err))
	}

	amount, _ := new(big.Int).SetString(p.PermitSingle.Details.Amount, 10)
	allowance, err := provider.Allowance(ctx, p.PermitSingle.Details.Token, p.Owner, PERMIT2Address)
	if err != nil {
		return x402.TransactionSimulation(fmt.Sprintf("allowance(%s, PERMIT2): %v", p.Owner, err))
	}
	if allowance.Cmp(amount) < 0 {
		return x402.TransactionSimulation("permit2 ERC20 allowance is insufficient")
	}

	transferCalldata, err := erc20TransferFrom.Pack("transferFrom", payerAddr, common.HexToAddress(pc.PayTo), amount)
	if err != nil {
		return x402.InvalidFormat(fmt.Sprintf("encode transferFrom: %v", err))
	}
	if _, err := provider.Call(ctx, MetaTx{To: p.PermitSingle.Details.Token, From: PERMIT2Address, Data: transferCalldata}); err != nil {
		return x402.TransactionSimulation(fmt.Sprintf("transferFrom dry-run: %v", err))
	}
	return nil
}

func verifyPermit2Witness(ctx context.Context, provider Provider, pc *PaymentContext, digest [32]byte, payerAddr common.Address) error {
	auth := pc.Permit2Witness.Permit2Authorization
	permitTuple, witnessTuple, err := permit2WitnessTuples(auth)
	if err != nil {
		return err
	}

	switch pc.Signature.Kind {
	case SignatureEIP6492:
		validateCalldata, err := universalValidator.Pack("isValidSigWithSideEffects", payerAddr, digest, pc.Signature.Original)
		if err != nil {
			return x402.InvalidFormat(fmt.Sprintf("encode isValidSigWithSideEffects: %v", err))
		}
		settleCalldata, err := permit2ProxySettle.Pack("settle", permitTuple, payerAddr, witnessTuple, pc.Signature.Inner)
		if err != nil {
			return x402.InvalidFormat(fmt.Sprintf("encode settle: %v", err))
		}
		results, err := provider.Aggregate3(ctx, []Call3{
			{Target: EIP6492ValidatorAddress, AllowFailure: true, CallData: validateCalldata},
			{Target: pc.Contract, AllowFailure: true, CallData: settleCalldata},
		})
		if err != nil {
			return x402.TransactionSimulation(fmt.Sprintf("aggregate3: %v", err))
		}
		if len(results) != 2 {
			return x402.TransactionSimulation("aggregate3 returned an unexpected number of results")
		}
		if !results[0].Success {
			return x402.InvalidSignature("chain reported signature to be invalid")
		}
		valid, err := decodeBool(universalValidator, "isValidSigWithSideEffects", results[0].ReturnData)
		if err != nil || !valid {
			return x402.InvalidSignature("chain reported signature to be invalid")
		}
		if !results[1].Success {
			return x402.TransactionSimulation("proxy settle simulation reverted")
		}
		return nil

	default:
		data, err := permit2ProxySettle.Pack("settle", permitTuple, payerAddr, witnessTuple, pc.Signature.Original)
		if err != nil {
			return x402.InvalidFormat(fmt.Sprintf("encode settle: %v", err))
		}
		if _, err := provider.Call(ctx, MetaTx{To: pc.Contract, Data: data}); err != nil {
			return x402.TransactionSimulation(fmt.Sprintf("proxy settle: %v", err))
		}
		return nil
	}
}

// permit2PermitDetails and permit2PermitSingle mirror
// Permit2AllowanceTransferABI's nested tuple shape; permit2TokenPermissions,
// permit2WitnessPermit, and permit2WitnessData mirror
// X402ExactPermit2ProxySettleABI's. go-ethereum's abi.Pack accepts any struct
// whose exported fields line up positionally with a tuple component.
type permit2PermitDetails struct {
	Token      common.Address
	Amount     *big.Int
	Expiration *big.Int
	Nonce      *big.Int
}

type permit2PermitSingle struct {
	Details     permit2PermitDetails
	Spender     common.Address
	SigDeadline *big.Int
}

type permit2TokenPermissions struct {
	Token  common.Address
	Amount *big.Int
}

type permit2WitnessPermit struct {
	Permitted permit2TokenPermissions
	Nonce     *big.Int
	Deadline  *big.Int
}

type permit2WitnessData struct {
	To         common.Address
	ValidAfter *big.Int
	Extra      []byte
}

// permitSingleToTuple ABI-encodes a PermitSingleAuthorization's nested tuple
// shape for Permit2AllowanceTransferABI's permit().
func permitSingleToTuple(p PermitSingleAuthorization) (interface{}, error) {
	amount, ok := new(big.Int).SetString(p.Details.Amount, 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid details.amount: %s", p.Details.Amount))
	}
	expiration, ok := new(big.Int).SetString(p.Details.Expiration, 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid details.expiration: %s", p.Details.Expiration))
	}
	nonce, ok := new(big.Int).SetString(p.Details.Nonce, 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid details.nonce: %s", p.Details.Nonce))
	}
	sigDeadline, ok := new(big.Int).SetString(p.SigDeadline, 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid sigDeadline: %s", p.SigDeadline))
	}

	return permit2PermitSingle{
		Details: permit2PermitDetails{
			Token:      common.HexToAddress(p.Details.Token),
			Amount:     amount,
			Expiration: expiration,
			Nonce:      nonce,
		},
		Spender:     common.HexToAddress(p.Spender),
		SigDeadline: sigDeadline,
	}, nil
}

// permit2WitnessTuples ABI-encodes the (permit, witness) tuples
// X402ExactPermit2ProxySettleABI's settle() expects.
func permit2WitnessTuples(auth Permit2Authorization) (permit interface{}, witness interface{}, err error) {
	amount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return nil, nil, x402.InvalidFormat(fmt.Sprintf("invalid permitted.amount: %s", auth.Permitted.Amount))
	}
	nonce, ok := new(big.Int).SetString(auth.Nonce, 10)
	if !ok {
		return nil, nil, x402.InvalidFormat(fmt.Sprintf("invalid nonce: %s", auth.Nonce))
	}
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return nil, nil, x402.InvalidFormat(fmt.Sprintf("invalid deadline: %s", auth.Deadline))
	}
	validAfter, ok := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	if !ok {
		return nil, nil, x402.InvalidFormat(fmt.Sprintf("invalid witness.validAfter: %s", auth.Witness.ValidAfter))
	}
	extra, err := HexToBytes(auth.Witness.Extra)
	if err != nil {
		return nil, nil, x402.InvalidFormat(fmt.Sprintf("invalid witness.extra: %v", err))
	}

	return permit2WitnessPermit{
			Permitted: permit2TokenPermissions{Token: common.HexToAddress(auth.Permitted.Token), Amount: amount},
			Nonce:     nonce,
			Deadline:  deadline,
		}, permit2WitnessData{
			To:         common.HexToAddress(auth.Witness.To),
			ValidAfter: validAfter,
			Extra:      extra,
		}, nil
}

func decodeBool(contractABI abi.ABI, method string, data []byte) (bool, error) {
	values, err := contractABI.Unpack(method, data)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("evm: unexpected %s return shape", method)
	}
	b, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("evm: %s did not return a bool", method)
	}
	return b, nil
}
