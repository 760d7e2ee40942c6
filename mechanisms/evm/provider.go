package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// multicall3ABI and the ERC-20 read ABIs are parsed once at init for reuse
// across every call the provider makes.
var (
	multicall3ContractABI abi.ABI
	erc20AllowanceABI     abi.ABI
	erc20BalanceOfABI     abi.ABI
	erc20NameABI          abi.ABI
	erc20VersionABI       abi.ABI
)

func init() {
	var err error
	multicall3ContractABI, err = abi.JSON(strings.NewReader(string(Multicall3ABI)))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid Multicall3 ABI: %v", err))
	}
	erc20AllowanceABI, err = abi.JSON(strings.NewReader(string(ERC20AllowanceABI)))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid ERC20 allowance ABI: %v", err))
	}
	erc20BalanceOfABI, err = abi.JSON(strings.NewReader(string(ERC20BalanceOfABI)))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid ERC20 balanceOf ABI: %v", err))
	}
	erc20NameABI, err = abi.JSON(strings.NewReader(string(ERC20NameABI)))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid ERC20 name ABI: %v", err))
	}
	erc20VersionABI, err = abi.JSON(strings.NewReader(string(ERC20VersionABI)))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid ERC20 version ABI: %v", err))
	}
}

// EthClientProvider is the ethclient-backed Provider (C5) implementation: the
// sole component in this package that talks to the outside network. It holds
// one or more signer private keys: SendTransaction always signs with the first
// registered one, and SendTransactionFrom signs with the one it is given.
type EthClientProvider struct {
	client  *ethclient.Client
	chainID *big.Int
	nonces  *NonceManager

	addresses  []string
	privateKey map[string]*ecdsa.PrivateKey

	confirmations uint64
	gasLimit      uint64
}

// pendingNonceAtAdapter adapts ethclient.Client to PendingNonceReader, since
// the client's method takes a common.Address rather than a string.
type pendingNonceAtAdapter struct{ client *ethclient.Client }

func (a pendingNonceAtAdapter) PendingNonceAt(ctx context.Context, signer string) (uint64, error) {
	return a.client.PendingNonceAt(ctx, common.HexToAddress(signer))
}

// NewEthClientProvider dials rpcURL and registers the given private keys (hex,
// no 0x prefix required) as available signers, in the order supplied.
func NewEthClientProvider(ctx context.Context, rpcURL string, privateKeysHex []string, confirmations uint64) (*EthClientProvider, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: fetch chain id: %w", err)
	}

	p := &EthClientProvider{
		client:        client,
		chainID:       chainID,
		nonces:        NewNonceManager(pendingNonceAtAdapter{client}),
		privateKey:    make(map[string]*ecdsa.PrivateKey),
		confirmations: confirmations,
		gasLimit:      300000,
	}

	for _, hexKey := range privateKeysHex {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("evm: invalid private key: %w", err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
		p.addresses = append(p.addresses, addr)
		p.privateKey[addr] = key
	}
	if len(p.addresses) == 0 {
		return nil, fmt.Errorf("evm: at least one signer private key is required")
	}
	return p, nil
}

// GetAddresses implements Provider.
func (p *EthClientProvider) GetAddresses() []string {
	out := make([]string, len(p.addresses))
	copy(out, p.addresses)
	return out
}

// ChainID implements Provider.
func (p *EthClientProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.chainID, nil
}

// SendTransaction implements Provider, signing from the first registered address.
func (p *EthClientProvider) SendTransaction(ctx context.Context, tx MetaTx) (*TransactionReceipt, error) {
	return p.SendTransactionFrom(ctx, tx, p.addresses[0])
}

// SendTransactionFrom implements Provider: it reserves a nonce via the
// nonce manager, signs with the named signer's key, submits, and waits for
// confirmations. On "nonce too low"/"already known" it reconciles once and
// retries a single time.
func (p *EthClientProvider) SendTransactionFrom(ctx context.Context, tx MetaTx, signer string) (*TransactionReceipt, error) {
	key, ok := p.privateKey[signer]
	if !ok {
		return nil, fmt.Errorf("evm: unknown signer %s", signer)
	}

	receipt, err := p.trySend(ctx, tx, signer, key)
	if err != nil && isNonceConflict(err) {
		if rerr := p.nonces.Reconcile(ctx, signer); rerr != nil {
			return nil, fmt.Errorf("evm: reconcile after %q: %w", err, rerr)
		}
		receipt, err = p.trySend(ctx, tx, signer, key)
	}
	return receipt, err
}

func (p *EthClientProvider) trySend(ctx context.Context, tx MetaTx, signer string, key *ecdsa.PrivateKey) (*TransactionReceipt, error) {
	nonce, err := p.nonces.Reserve(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("evm: reserve nonce: %w", err)
	}

	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		p.nonces.Release(signer, nonce, OutcomeDropped)
		return nil, fmt.Errorf("evm: suggest gas price: %w", err)
	}

	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := common.HexToAddress(tx.To)
	rawTx := types.NewTransaction(nonce, to, value, p.gasLimit, gasPrice, tx.Data)

	signedTx, err := types.SignTx(rawTx, types.LatestSignerForChainID(p.chainID), key)
	if err != nil {
		p.nonces.Release(signer, nonce, OutcomeDropped)
		return nil, fmt.Errorf("evm: sign transaction: %w", err)
	}

	if err := p.client.SendTransaction(ctx, signedTx); err != nil {
		p.nonces.Release(signer, nonce, OutcomeDropped)
		return nil, err
	}

	receipt, err := waitMined(ctx, p.client, signedTx.Hash(), p.confirmations)
	if err != nil {
		p.nonces.Release(signer, nonce, OutcomeDropped)
		return nil, fmt.Errorf("evm: await receipt: %w", err)
	}
	p.nonces.Release(signer, nonce, OutcomeMined)

	return &TransactionReceipt{
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber.Uint64(),
		TxHash:      signedTx.Hash().Hex(),
	}, nil
}

func isNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "already known")
}

// waitMinedMaxAttempts and waitMinedPollInterval bound the receipt poll at
// roughly one minute, matching the teacher's 30-second polling loop
// (e2e/facilitators/go/main.go's WaitForTransactionReceipt) scaled up for
// confirmations beyond the first.
const (
	waitMinedMaxAttempts  = 60
	waitMinedPollInterval = 1 * time.Second
)

// waitMined polls for a transaction's receipt, then for the requested number
// of confirmations past the block it was mined in, sleeping between polls
// instead of spin-polling the RPC.
func waitMined(ctx context.Context, client *ethclient.Client, hash common.Hash, confirmations uint64) (*types.Receipt, error) {
	var receipt *types.Receipt
	for attempt := 0; attempt < waitMinedMaxAttempts; attempt++ {
		r, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			receipt = r
			break
		}
		if err != ethereum.NotFound {
			return nil, err
		}
		if err := sleepOrDone(ctx, waitMinedPollInterval); err != nil {
			return nil, err
		}
	}
	if receipt == nil {
		return nil, fmt.Errorf("transaction receipt not found after %d attempts", waitMinedMaxAttempts)
	}
	if confirmations <= 1 {
		return receipt, nil
	}

	target := receipt.BlockNumber.Uint64() + confirmations - 1
	for attempt := 0; attempt < waitMinedMaxAttempts; attempt++ {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		if head >= target {
			return receipt, nil
		}
		if err := sleepOrDone(ctx, waitMinedPollInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("transaction %s not confirmed after %d attempts", hash.Hex(), waitMinedMaxAttempts)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetCode implements Provider.
func (p *EthClientProvider) GetCode(ctx context.Context, address string) ([]byte, error) {
	return p.client.CodeAt(ctx, common.HexToAddress(address), nil)
}

// Call implements Provider: a read-only eth_call against the latest state.
func (p *EthClientProvider) Call(ctx context.Context, tx MetaTx) ([]byte, error) {
	msg := ethereum.CallMsg{
		To:   addressPtr(tx.To),
		Data: tx.Data,
	}
	if tx.Value != nil {
		msg.Value = tx.Value
	}
	if tx.From != "" {
		msg.From = common.HexToAddress(tx.From)
	}
	return p.client.CallContract(ctx, msg, nil)
}

func addressPtr(s string) *common.Address {
	addr := common.HexToAddress(s)
	return &addr
}

// Aggregate3 implements Provider: simulates a Multicall3 aggregate3 batch via
// eth_call (never mined), returning one Call3Result per entry. This is the
// simulation path used by the Verifier (C7); real atomic submission goes
// through SendTransaction with calldata built by EncodeAggregate3.
func (p *EthClientProvider) Aggregate3(ctx context.Context, calls []Call3) ([]Call3Result, error) {
	data, err := EncodeAggregate3(calls)
	if err != nil {
		return nil, err
	}
	out, err := p.Call(ctx, MetaTx{To: Multicall3Address, Data: data})
	if err != nil {
		return nil, err
	}
	return DecodeAggregate3Result(out)
}

// EncodeAggregate3 ABI-encodes a Multicall3.aggregate3(calls) call.
func EncodeAggregate3(calls []Call3) ([]byte, error) {
	type call3Tuple struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	tuples := make([]call3Tuple, len(calls))
	for i, c := range calls {
		tuples[i] = call3Tuple{
			Target:       common.HexToAddress(c.Target),
			AllowFailure: c.AllowFailure,
			CallData:     c.CallData,
		}
	}
	return multicall3ContractABI.Pack("aggregate3", tuples)
}

// DecodeAggregate3Result decodes aggregate3's return data into Call3Results.
func DecodeAggregate3Result(data []byte) ([]Call3Result, error) {
	values, err := multicall3ContractABI.Unpack("aggregate3", data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("evm: unexpected aggregate3 return shape")
	}

	raw, ok := values[0].([]struct {
		Success    bool   `json:"success"`
		ReturnData []byte `json:"returnData"`
	})
	if !ok {
		return nil, fmt.Errorf("evm: cannot decode aggregate3 result of type %T", values[0])
	}
	out := make([]Call3Result, len(raw))
	for i, r := range raw {
		out[i] = Call3Result{Success: r.Success, ReturnData: r.ReturnData}
	}
	return out, nil
}

// BalanceOf implements Provider.
func (p *EthClientProvider) BalanceOf(ctx context.Context, token string, account string) (*big.Int, error) {
	data, err := erc20BalanceOfABI.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, err
	}
	out, err := p.Call(ctx, MetaTx{To: token, Data: data})
	if err != nil {
		return nil, err
	}
	values, err := erc20BalanceOfABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// Allowance implements Provider.
func (p *EthClientProvider) Allowance(ctx context.Context, token string, owner string, spender string) (*big.Int, error) {
	data, err := erc20AllowanceABI.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	out, err := p.Call(ctx, MetaTx{To: token, Data: data})
	if err != nil {
		return nil, err
	}
	values, err := erc20AllowanceABI.Unpack("allowance", out)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// Name implements Provider.
func (p *EthClientProvider) Name(ctx context.Context, token string) (string, error) {
	data, err := erc20NameABI.Pack("name")
	if err != nil {
		return "", err
	}
	out, err := p.Call(ctx, MetaTx{To: token, Data: data})
	if err != nil {
		return "", err
	}
	values, err := erc20NameABI.Unpack("name", out)
	if err != nil {
		return "", err
	}
	return values[0].(string), nil
}

// Version implements Provider.
func (p *EthClientProvider) Version(ctx context.Context, token string) (string, error) {
	data, err := erc20VersionABI.Pack("version")
	if err != nil {
		return "", err
	}
	out, err := p.Call(ctx, MetaTx{To: token, Data: data})
	if err != nil {
		return "", err
	}
	values, err := erc20VersionABI.Unpack("version", out)
	if err != nil {
		return "", err
	}
	return values[0].(string), nil
}
