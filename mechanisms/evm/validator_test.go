package evm

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	x402 "github.com/tzapac/tzapac-x402-permit2"
	"github.com/tzapac/tzapac-x402-permit2/chainid"
)

// mockProvider is a test double for Provider: every RPC-backed method is
// driven by a fixed in-memory table rather than a live chain.
type mockProvider struct {
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	names      map[string]string
	versions   map[string]string
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
		names:      make(map[string]string),
		versions:   make(map[string]string),
	}
}

func (m *mockProvider) GetAddresses() []string                   { return nil }
func (m *mockProvider) ChainID(ctx context.Context) (*big.Int, error) { return nil, nil }
func (m *mockProvider) SendTransaction(ctx context.Context, tx MetaTx) (*TransactionReceipt, error) {
	return nil, nil
}
func (m *mockProvider) SendTransactionFrom(ctx context.Context, tx MetaTx, signer string) (*TransactionReceipt, error) {
	return nil, nil
}
func (m *mockProvider) GetCode(ctx context.Context, address string) ([]byte, error) { return nil, nil }
func (m *mockProvider) Call(ctx context.Context, tx MetaTx) ([]byte, error)          { return nil, nil }
func (m *mockProvider) Aggregate3(ctx context.Context, calls []Call3) ([]Call3Result, error) {
	return nil, nil
}
func (m *mockProvider) BalanceOf(ctx context.Context, token, account string) (*big.Int, error) {
	if b, ok := m.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}
func (m *mockProvider) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	if a, ok := m.allowances[owner]; ok {
		return a, nil
	}
	return big.NewInt(0), nil
}
func (m *mockProvider) Name(ctx context.Context, token string) (string, error) {
	return m.names[token], nil
}
func (m *mockProvider) Version(ctx context.Context, token string) (string, error) {
	return m.versions[token], nil
}

const testChainRef = "84532"

func testChainID() chainid.ChainId {
	id, _ := chainid.New("eip155", testChainRef)
	return id
}

func baseRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:  "exact",
		Network: "eip155:84532",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "1000000",
		PayTo:   "0x2222222222222222222222222222222222222222",
	}
}

func TestBuildPaymentContextEip3009Valid(t *testing.T) {
	provider := newMockProvider()
	requirements := baseRequirements()
	from := "0x1111111111111111111111111111111111111111"
	provider.balances[from] = big.NewInt(5_000_000)
	provider.names[requirements.Asset] = "USDC"
	provider.versions[requirements.Asset] = "2"

	now := time.Now().Unix()
	payload := map[string]interface{}{
		"signature": "0xdeadbeef",
		"authorization": map[string]interface{}{
			"from":        from,
			"to":          requirements.PayTo,
			"value":       "1000000",
			"validAfter":  fmt.Sprintf("%d", now-10),
			"validBefore": fmt.Sprintf("%d", now+3600),
			"nonce":       "0x00",
		},
	}

	result, err := BuildPaymentContext(context.Background(), provider, chainRefToBigInt(testChainRef), testChainID(), testChainID(), payload, requirements, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Context.Kind != ContextEip3009 {
		t.Fatalf("expected ContextEip3009, got %v", result.Context.Kind)
	}
	if result.Payer != from {
		t.Fatalf("expected payer %s, got %s", from, result.Payer)
	}
}

func TestBuildPaymentContextEip3009WrongAmount(t *testing.T) {
	provider := newMockProvider()
	requirements := baseRequirements()
	from := "0x1111111111111111111111111111111111111111"
	provider.balances[from] = big.NewInt(5_000_000)

	now := time.Now().Unix()
	payload := map[string]interface{}{
		"signature": "0xdeadbeef",
		"authorization": map[string]interface{}{
			"from":        from,
			"to":          requirements.PayTo,
			"value":       "999999", // one below required
			"validAfter":  fmt.Sprintf("%d", now-10),
			"validBefore": fmt.Sprintf("%d", now+3600),
			"nonce":       "0x00",
		},
	}

	_, err := BuildPaymentContext(context.Background(), provider, chainRefToBigInt(testChainRef), testChainID(), testChainID(), payload, requirements, nil)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeInvalidPaymentAmount {
		t.Fatalf("expected invalid_payment_amount, got %v", err)
	}
}

func TestBuildPaymentContextEip3009ExpiredWithinGrace(t *testing.T) {
	provider := newMockProvider()
	requirements := baseRequirements()
	from := "0x1111111111111111111111111111111111111111"
	provider.balances[from] = big.NewInt(5_000_000)

	now := time.Now().Unix()
	payload := map[string]interface{}{
		"signature": "0xdeadbeef",
		"authorization": map[string]interface{}{
			"from":        from,
			"to":          requirements.PayTo,
			"value":       "1000000",
			"validAfter":  fmt.Sprintf("%d", now-10),
			"validBefore": fmt.Sprintf("%d", now+3), // inside the 6s grace window
			"nonce":       "0x00",
		},
	}

	_, err := BuildPaymentContext(context.Background(), provider, chainRefToBigInt(testChainRef), testChainID(), testChainID(), payload, requirements, nil)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestBuildPaymentContextEip3009RecipientMismatch(t *testing.T) {
	provider := newMockProvider()
	requirements := baseRequirements()
	from := "0x1111111111111111111111111111111111111111"
	provider.balances[from] = big.NewInt(5_000_000)

	now := time.Now().Unix()
	payload := map[string]interface{}{
		"signature": "0xdeadbeef",
		"authorization": map[string]interface{}{
			"from":        from,
			"to":          "0x9999999999999999999999999999999999999999",
			"value":       "1000000",
			"validAfter":  fmt.Sprintf("%d", now-10),
			"validBefore": fmt.Sprintf("%d", now+3600),
			"nonce":       "0x00",
		},
	}

	_, err := BuildPaymentContext(context.Background(), provider, chainRefToBigInt(testChainRef), testChainID(), testChainID(), payload, requirements, nil)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeRecipientMismatch {
		t.Fatalf("expected recipient_mismatch, got %v", err)
	}
}

func TestBuildPaymentContextPermit2WitnessRequiresConfiguredProxy(t *testing.T) {
	provider := newMockProvider()
	requirements := baseRequirements()
	from := "0x1111111111111111111111111111111111111111"
	provider.balances[from] = big.NewInt(5_000_000)
	provider.allowances[from] = big.NewInt(5_000_000)

	now := time.Now().Unix()
	payload := map[string]interface{}{
		"signature": "0xdeadbeef",
		"permit2Authorization": map[string]interface{}{
			"from": from,
			"permitted": map[string]interface{}{
				"token":  requirements.Asset,
				"amount": "1000000",
			},
			"spender":  "0x3333333333333333333333333333333333333333", // not the configured proxy
			"nonce":    "1",
			"deadline": fmt.Sprintf("%d", now+3600),
			"witness": map[string]interface{}{
				"to":         requirements.PayTo,
				"validAfter": fmt.Sprintf("%d", now-10),
				"extra":      "0x",
			},
		},
	}

	_, err := BuildPaymentContext(context.Background(), provider, chainRefToBigInt(testChainRef), testChainID(), testChainID(), payload, requirements, nil)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeInvalidFormat {
		t.Fatalf("expected invalid_format for wrong spender, got %v", err)
	}
}

func TestBuildPaymentContextPermit2WitnessValid(t *testing.T) {
	provider := newMockProvider()
	requirements := baseRequirements()
	from := "0x1111111111111111111111111111111111111111"
	provider.balances[from] = big.NewInt(5_000_000)
	provider.allowances[from] = big.NewInt(5_000_000)

	now := time.Now().Unix()
	payload := map[string]interface{}{
		"signature": "0xdeadbeef",
		"permit2Authorization": map[string]interface{}{
			"from": from,
			"permitted": map[string]interface{}{
				"token":  requirements.Asset,
				"amount": "1000000",
			},
			"spender":  X402ExactPermit2ProxyAddress(),
			"nonce":    "1",
			"deadline": fmt.Sprintf("%d", now+3600),
			"witness": map[string]interface{}{
				"to":         requirements.PayTo,
				"validAfter": fmt.Sprintf("%d", now-10),
				"extra":      "0x",
			},
		},
	}

	result, err := BuildPaymentContext(context.Background(), provider, chainRefToBigInt(testChainRef), testChainID(), testChainID(), payload, requirements, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Context.Kind != ContextPermit2Witness {
		t.Fatalf("expected ContextPermit2Witness, got %v", result.Context.Kind)
	}
}

func TestBuildPaymentContextPermit2AllowanceAmountOverflow(t *testing.T) {
	provider := newMockProvider()
	requirements := baseRequirements()
	owner := "0x1111111111111111111111111111111111111111"
	provider.balances[owner] = new(big.Int).Lsh(big.NewInt(1), 200)

	now := time.Now().Unix()
	tooBig := new(big.Int).Lsh(big.NewInt(1), 170).String() // exceeds uint160

	payload := map[string]interface{}{
		"owner":     owner,
		"signature": "0xdeadbeef",
		"permitSingle": map[string]interface{}{
			"spender":     "0x3333333333333333333333333333333333333333",
			"sigDeadline": fmt.Sprintf("%d", now+3600),
			"details": map[string]interface{}{
				"token":      requirements.Asset,
				"amount":     tooBig,
				"expiration": fmt.Sprintf("%d", now+3600),
				"nonce":      "1",
			},
		},
	}

	_, err := BuildPaymentContext(context.Background(), provider, chainRefToBigInt(testChainRef), testChainID(), testChainID(), payload, requirements, nil)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeInvalidFormat {
		t.Fatalf("expected invalid_format for uint160 overflow, got %v", err)
	}
}

func TestBuildPaymentContextChainMismatch(t *testing.T) {
	provider := newMockProvider()
	requirements := baseRequirements()
	wrongChain, _ := chainid.New("eip155", "8453")

	_, err := BuildPaymentContext(context.Background(), provider, chainRefToBigInt(testChainRef), wrongChain, testChainID(), map[string]interface{}{}, requirements, nil)
	perr, ok := err.(*x402.PaymentError)
	if !ok || perr.Code != x402.CodeChainIdMismatch {
		t.Fatalf("expected chain_id_mismatch, got %v", err)
	}
}
