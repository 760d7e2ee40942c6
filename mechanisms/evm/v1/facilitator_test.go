package v1

import (
	"encoding/json"
	"testing"

	x402 "github.com/tzapac/tzapac-x402-permit2"
)

func TestFillDefaultAssetUsesNetworkDefault(t *testing.T) {
	f := &Facilitator{network: "base-sepolia"}
	requirements := x402.PaymentRequirements{Scheme: "exact", Network: "base-sepolia", Amount: "1000000"}
	in, err := json.Marshal(requirements)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out, err := f.fillDefaultAsset(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var filled x402.PaymentRequirements
	if err := json.Unmarshal(out, &filled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if filled.Asset != "0x036CbD53842c5426634e7929541eC2318f3dCF7e" {
		t.Fatalf("unexpected default asset: %q", filled.Asset)
	}
	if filled.Extra["name"] != "USDC" || filled.Extra["version"] != "2" {
		t.Fatalf("unexpected extra: %+v", filled.Extra)
	}
}

func TestFillDefaultAssetPreservesExplicitAsset(t *testing.T) {
	f := &Facilitator{network: "base-sepolia"}
	requirements := x402.PaymentRequirements{
		Scheme: "exact", Network: "base-sepolia", Amount: "1000000",
		Asset: "0x1111111111111111111111111111111111111111",
	}
	in, err := json.Marshal(requirements)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out, err := f.fillDefaultAsset(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var filled x402.PaymentRequirements
	if err := json.Unmarshal(out, &filled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if filled.Asset != requirements.Asset {
		t.Fatalf("expected explicit asset to be preserved, got %q", filled.Asset)
	}
	if filled.Extra != nil {
		t.Fatalf("expected no extra to be synthesized when asset was explicit, got %+v", filled.Extra)
	}
}

func TestFillDefaultAssetErrorsWhenNetworkHasNoDefault(t *testing.T) {
	f := &Facilitator{network: "ethereum"}
	requirements := x402.PaymentRequirements{Scheme: "exact", Network: "ethereum", Amount: "1000000"}
	in, err := json.Marshal(requirements)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, err := f.fillDefaultAsset(in); err == nil {
		t.Fatal("expected an error when the network has no default asset and none was specified")
	}
}

func TestFillDefaultAssetDoesNotOverrideExplicitExtra(t *testing.T) {
	f := &Facilitator{network: "base-sepolia"}
	requirements := x402.PaymentRequirements{
		Scheme: "exact", Network: "base-sepolia", Amount: "1000000",
		Extra: map[string]interface{}{"name": "Custom USDC"},
	}
	in, err := json.Marshal(requirements)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out, err := f.fillDefaultAsset(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var filled x402.PaymentRequirements
	if err := json.Unmarshal(out, &filled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if filled.Extra["name"] != "Custom USDC" {
		t.Fatalf("expected caller-provided name to be preserved, got %+v", filled.Extra)
	}
	if filled.Extra["version"] != "2" {
		t.Fatalf("expected missing version to still be filled in, got %+v", filled.Extra)
	}
}
