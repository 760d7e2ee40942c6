package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/tzapac/tzapac-x402-permit2"
)

// Settle is the Settler (C8): it re-derives the same EIP-712 digest and
// signature classification the Verifier used, then submits the real,
// gas-paying transaction for pc's authorization family. Unlike Verify, these
// calls are mined, not simulated — a revert here is reported as
// TransactionReverted(tx_hash), not a pre-flight error code.
//
// spender is the facilitator-owned signer address that must submit the
// Permit2 AllowanceTransfer branch's two meta-transactions (validator.go
// enforces it is one of the registered signers upstream); it is ignored by
// the other two branches, which always submit from the provider's default
// signer.
func Settle(ctx context.Context, provider Provider, pc *PaymentContext, spender string) (*TransactionReceipt, error) {
	digest, payer, rawSigHex, err := digestAndPayer(pc)
	if err != nil {
		return nil, err
	}
	rawSig, err := HexToBytes(rawSigHex)
	if err != nil {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid signature: %v", err))
	}
	var digest32 [32]byte
	copy(digest32[:], digest)

	payerAddr := common.HexToAddress(payer)
	sig, err := ClassifySignature(rawSig, payerAddr, digest32)
	if err != nil {
		return nil, x402.InvalidSignature(err.Error())
	}
	pc.Signature = sig

	switch pc.Kind {
	case ContextEip3009:
		return settleEip3009(ctx, provider, pc, payerAddr)
	case ContextPermit2:
		return settlePermit2Allowance(ctx, provider, pc, spender)
	case ContextPermit2Witness:
		return settlePermit2Witness(ctx, provider, pc, payerAddr)
	default:
		return nil, x402.InvalidFormat("unknown payment context kind")
	}
}

func settleEip3009(ctx context.Context, provider Provider, pc *PaymentContext, payerAddr common.Address) (*TransactionReceipt, error) {
	auth := pc.Eip3009.Authorization
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonce, err := HexToBytes(auth.Nonce)
	if err != nil {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid nonce: %v", err))
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonce)

	switch pc.Signature.Kind {
	case SignatureEIP6492:
		code, err := provider.GetCode(ctx, payerAddr.Hex())
		if err != nil {
			return nil, x402.OnchainFailure(fmt.Sprintf("get_code(%s): %v", payerAddr.Hex(), err))
		}
		transferCalldata, err := transferBytesABI.Pack("transferWithAuthorization",
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), value, validAfter, validBefore, nonce32, pc.Signature.Inner)
		if err != nil {
			return nil, x402.InvalidFormat(fmt.Sprintf("encode transferWithAuthorization: %v", err))
		}

		if len(code) > 0 {
			// Wallet already deployed: submit the inner-signature transfer directly.
			return mustSucceed(provider.SendTransaction(ctx, MetaTx{To: pc.Contract, Data: transferCalldata}))
		}

		// Counterfactual wallet: deploy it and transfer atomically. The
		// deployment call is allowed to fail (it may race a concurrent
		// deployer); the transfer must not.
		batch := []Call3{
			{Target: pc.Signature.Factory, AllowFailure: true, CallData: pc.Signature.FactoryCalldata},
			{Target: pc.Contract, AllowFailure: false, CallData: transferCalldata},
		}
		aggCalldata, err := EncodeAggregate3(batch)
		if err != nil {
			return nil, x402.InvalidFormat(fmt.Sprintf("encode aggregate3: %v", err))
		}
		return mustSucceed(provider.SendTransaction(ctx, MetaTx{To: Multicall3Address, Data: aggCalldata}))

	case SignatureEIP1271:
		data, err := transferBytesABI.Pack("transferWithAuthorization",
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), value, validAfter, validBefore, nonce32, pc.Signature.Inner)
		if err != nil {
			return nil, x402.InvalidFormat(fmt.Sprintf("encode transferWithAuthorization: %v", err))
		}
		return mustSucceed(provider.SendTransaction(ctx, MetaTx{To: pc.Contract, Data: data}))

	default: // SignatureEOA
		v := 27 + pc.Signature.V
		data, err := transferVRSABI.Pack("transferWithAuthorization",
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), value, validAfter, validBefore, nonce32,
			uint8(v), pc.Signature.R, pc.Signature.S)
		if err != nil {
			return nil, x402.InvalidFormat(fmt.Sprintf("encode transferWithAuthorization: %v", err))
		}
		return mustSucceed(provider.SendTransaction(ctx, MetaTx{To: pc.Contract, Data: data}))
	}
}

// settlePermit2Allowance submits permit() then transferFrom() as two
// sequential meta-transactions from spender, aborting with the first
// transaction's hash if it reverts rather than attempting the second.
func settlePermit2Allowance(ctx context.Context, provider Provider, pc *PaymentContext, spender string) (*TransactionReceipt, error) {
	p := pc.Permit2
	permitSingleTuple, err := permitSingleToTuple(p.PermitSingle)
	if err != nil {
		return nil, err
	}
	owner := common.HexToAddress(p.Owner)

	permitCalldata, err := permit2AllowanceABI.Pack("permit", owner, permitSingleTuple, pc.Signature.Original)
	if err != nil {
		return nil, x402.InvalidFormat(fmt.Sprintf("encode permit: %v", err))
	}
	permitReceipt, err := provider.SendTransactionFrom(ctx, MetaTx{To: PERMIT2Address, Data: permitCalldata}, spender)
	if err != nil {
		return nil, x402.OnchainFailure(fmt.Sprintf("permit2 permit: %v", err))
	}
	if permitReceipt.Status != TxStatusSuccess {
		return permitReceipt, x402.TransactionReverted(permitReceipt.TxHash)
	}

	amount, ok := new(big.Int).SetString(p.PermitSingle.Details.Amount, 10)
	if !ok {
		return nil, x402.InvalidFormat(fmt.Sprintf("invalid details.amount: %s", p.PermitSingle.Details.Amount))
	}
	transferCalldata, err := permit2AllowanceABI.Pack("transferFrom", owner, common.HexToAddress(pc.PayTo), amount, common.HexToAddress(p.PermitSingle.Details.Token))
	if err != nil {
		return nil, x402.InvalidFormat(fmt.Sprintf("encode transferFrom: %v", err))
	}
	return mustSucceed(provider.SendTransactionFrom(ctx, MetaTx{To: PERMIT2Address, Data: transferCalldata}, spender))
}

// settlePermit2Witness submits proxy.settle(...) with the raw signature
// unconditionally — the proxy itself validates EOA/EIP-1271/EIP-6492
// signatures on-chain, so the Settler does not branch on signature kind the
// way the Verifier's simulation does.
func settlePermit2Witness(ctx context.Context, provider Provider, pc *PaymentContext, payerAddr common.Address) (*TransactionReceipt, error) {
	auth := pc.Permit2Witness.Permit2Authorization
	permitTuple, witnessTuple, err := permit2WitnessTuples(auth)
	if err != nil {
		return nil, err
	}
	data, err := permit2ProxySettle.Pack("settle", permitTuple, payerAddr, witnessTuple, pc.Signature.Original)
	if err != nil {
		return nil, x402.InvalidFormat(fmt.Sprintf("encode settle: %v", err))
	}
	return mustSucceed(provider.SendTransaction(ctx, MetaTx{To: pc.Contract, Data: data}))
}

// mustSucceed translates a mined-but-reverted receipt into TransactionReverted,
// the one error shape Settle (never Verify) can return.
func mustSucceed(receipt *TransactionReceipt, err error) (*TransactionReceipt, error) {
	if err != nil {
		return nil, x402.OnchainFailure(err.Error())
	}
	if receipt.Status != TxStatusSuccess {
		return receipt, x402.TransactionReverted(receipt.TxHash)
	}
	return receipt, nil
}
