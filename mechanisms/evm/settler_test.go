package evm

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/tzapac/tzapac-x402-permit2"
)

// settleScript is a scripted Provider for settler tests: each
// SendTransaction/SendTransactionFrom call pops the next canned receipt off
// its queue.
type settleScript struct {
	receipts []*TransactionReceipt
	errs     []error
	code     []byte
	sent     []MetaTx
}

func (s *settleScript) GetAddresses() []string                       { return nil }
func (s *settleScript) ChainID(ctx context.Context) (*big.Int, error) { return nil, nil }
func (s *settleScript) next() (*TransactionReceipt, error) {
	if len(s.receipts) == 0 {
		return &TransactionReceipt{Status: TxStatusSuccess}, nil
	}
	r := s.receipts[0]
	s.receipts = s.receipts[1:]
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	return r, err
}
func (s *settleScript) SendTransaction(ctx context.Context, tx MetaTx) (*TransactionReceipt, error) {
	s.sent = append(s.sent, tx)
	return s.next()
}
func (s *settleScript) SendTransactionFrom(ctx context.Context, tx MetaTx, signer string) (*TransactionReceipt, error) {
	s.sent = append(s.sent, tx)
	return s.next()
}
func (s *settleScript) GetCode(ctx context.Context, address string) ([]byte, error) { return s.code, nil }
func (s *settleScript) Call(ctx context.Context, tx MetaTx) ([]byte, error)          { return nil, nil }
func (s *settleScript) Aggregate3(ctx context.Context, calls []Call3) ([]Call3Result, error) {
	return nil, nil
}
func (s *settleScript) BalanceOf(ctx context.Context, token, account string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *settleScript) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *settleScript) Name(ctx context.Context, token string) (string, error)    { return "USDC", nil }
func (s *settleScript) Version(ctx context.Context, token string) (string, error) { return "2", nil }

func TestSettleEip3009EOASuccess(t *testing.T) {
	pc, _ := eip3009Context(t)
	provider := &settleScript{}

	receipt, err := Settle(context.Background(), provider, pc, "")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if receipt.Status != TxStatusSuccess {
		t.Fatalf("expected success receipt")
	}
	if len(provider.sent) != 1 {
		t.Fatalf("expected exactly one submitted transaction, got %d", len(provider.sent))
	}
	if provider.sent[0].To != pc.Contract {
		t.Fatalf("expected transfer sent to the token contract, got %s", provider.sent[0].To)
	}
}

func TestSettleEip3009RevertedReceipt(t *testing.T) {
	pc, _ := eip3009Context(t)
	provider := &settleScript{receipts: []*TransactionReceipt{{Status: TxStatusFailed, TxHash: "0xabc"}}}

	_, err := Settle(context.Background(), provider, pc, "")
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeTransactionReverted {
		t.Fatalf("expected transaction_reverted, got %v", err)
	}
}

func TestSettlePermit2WitnessSuccess(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)

	auth := Permit2Authorization{
		From:      payer.Hex(),
		Permitted: Permit2TokenPermissions{Token: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Amount: "1000000"},
		Spender:   X402ExactPermit2ProxyAddress(),
		Nonce:     "1",
		Deadline:  "99999999999",
		Witness:   Permit2Witness{To: "0x2222222222222222222222222222222222222222", ValidAfter: "0", Extra: "0x"},
	}
	digest, err := HashPermit2Authorization(auth, big.NewInt(84532))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	var digest32 [32]byte
	copy(digest32[:], digest)
	sig, err := crypto.Sign(digest32[:], key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	pc := &PaymentContext{
		Kind:     ContextPermit2Witness,
		Contract: X402ExactPermit2ProxyAddress(),
		PayTo:    auth.Witness.To,
		Domain: TypedDataDomain{
			Name:              "Permit2",
			ChainID:           big.NewInt(84532),
			VerifyingContract: PERMIT2Address,
		},
		Permit2Witness: &ExactPermit2Payload{
			Signature:            "0x" + hex.EncodeToString(sig),
			Permit2Authorization: auth,
		},
	}

	provider := &settleScript{}
	receipt, err := Settle(context.Background(), provider, pc, "")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if receipt.Status != TxStatusSuccess {
		t.Fatalf("expected success receipt")
	}
	if len(provider.sent) != 1 || provider.sent[0].To != pc.Contract {
		t.Fatalf("expected settle() sent to the proxy contract")
	}
}

func TestSettlePermit2AllowanceAbortsOnPermitRevert(t *testing.T) {
	owner := "0x1111111111111111111111111111111111111111"
	spender := "0x3333333333333333333333333333333333333333"
	token := "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

	pc := &PaymentContext{
		Kind:     ContextPermit2,
		Contract: token,
		PayTo:    "0x2222222222222222222222222222222222222222",
		Domain: TypedDataDomain{
			Name:              "Permit2",
			Version:           "1",
			ChainID:           big.NewInt(84532),
			VerifyingContract: PERMIT2Address,
		},
		Permit2: &ExactPermit2AllowancePayload{
			Owner:     owner,
			Signature: "0x" + hex.EncodeToString(make([]byte, 65)),
			PermitSingle: PermitSingleAuthorization{
				Details:     PermitDetails{Token: token, Amount: "1000000", Expiration: "99999999999", Nonce: "1"},
				Spender:     spender,
				SigDeadline: "99999999999",
			},
		},
	}
	pc.Signature.Original = make([]byte, 65)

	provider := &settleScript{receipts: []*TransactionReceipt{{Status: TxStatusFailed, TxHash: "0xdef"}}}
	_, err := settlePermit2Allowance(context.Background(), provider, pc, spender)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeTransactionReverted {
		t.Fatalf("expected transaction_reverted on permit() failure, got %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("expected transferFrom to be skipped after permit() reverted, got %d sends", len(provider.sent))
	}
}
