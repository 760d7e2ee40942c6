package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestEncodeDecodeAggregate3RoundTrip(t *testing.T) {
	calls := []Call3{
		{Target: "0x1111111111111111111111111111111111111111", AllowFailure: true, CallData: []byte{0x01, 0x02}},
		{Target: "0x2222222222222222222222222222222222222222", AllowFailure: false, CallData: []byte{0x03}},
	}
	data, err := EncodeAggregate3(calls)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty calldata")
	}

	// aggregate3's return type is the same tuple shape whether it comes back
	// from a real node or is hand-built here, so pack a result directly
	// through the same ABI to exercise the decode path without a live RPC.
	type result = struct {
		Success    bool
		ReturnData []byte
	}
	decoded, err := DecodeAggregate3Result(mustEncodeAggregate3Results(t, []result{
		{Success: true, ReturnData: []byte{0xaa}},
		{Success: false, ReturnData: nil},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 || !decoded[0].Success || decoded[1].Success {
		t.Fatalf("unexpected decode result: %+v", decoded)
	}
}

func mustEncodeAggregate3Results(t *testing.T, results []struct {
	Success    bool
	ReturnData []byte
}) []byte {
	t.Helper()
	out, err := multicall3ContractABI.Methods["aggregate3"].Outputs.Pack(results)
	if err != nil {
		t.Fatalf("pack aggregate3 results fixture: %v", err)
	}
	return out
}

func TestIsNonceConflict(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errString("nonce too low"), true},
		{errString("already known"), true},
		{errString("NONCE TOO LOW"), true},
		{errString("insufficient funds"), false},
	}
	for _, c := range cases {
		if got := isNonceConflict(c.err); got != c.want {
			t.Errorf("isNonceConflict(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestEthClientProviderGetAddressesReturnsCopy(t *testing.T) {
	p := &EthClientProvider{addresses: []string{"0xAAA", "0xBBB"}}
	addrs := p.GetAddresses()
	addrs[0] = "mutated"
	if p.addresses[0] != "0xAAA" {
		t.Fatalf("GetAddresses must return a copy, internal state was mutated: %v", p.addresses)
	}
}

func TestEthClientProviderChainIDReturnsConfigured(t *testing.T) {
	p := &EthClientProvider{chainID: big.NewInt(84532)}
	id, err := p.ChainID(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Cmp(big.NewInt(84532)) != 0 {
		t.Fatalf("unexpected chain id: %s", id)
	}
}

func TestAddressPtr(t *testing.T) {
	addr := "0x1111111111111111111111111111111111111111"
	ptr := addressPtr(addr)
	if ptr == nil || ptr.Hex() != common.HexToAddress(addr).Hex() {
		t.Fatalf("unexpected address pointer: %+v", ptr)
	}
}
