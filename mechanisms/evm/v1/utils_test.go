package v1

import "testing"

func TestGetEvmChainId(t *testing.T) {
	id, err := GetEvmChainId("base-sepolia")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "84532" {
		t.Fatalf("got chain id %s, want 84532", id)
	}

	if _, err := GetEvmChainId("not-a-real-network"); err == nil {
		t.Fatal("expected error for unknown v1 network")
	}
}

func TestGetNetworkConfig(t *testing.T) {
	config, err := GetNetworkConfig("base-sepolia")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.DefaultAsset.Address != "0x036CbD53842c5426634e7929541eC2318f3dCF7e" {
		t.Fatalf("unexpected default asset: %+v", config.DefaultAsset)
	}

	if _, err := GetNetworkConfig("ethereum"); err == nil {
		t.Fatal("expected error for a v1 network with no configured default asset")
	}
}

func TestGetAssetInfoDefaultsToNetworkStablecoin(t *testing.T) {
	info, err := GetAssetInfo("base-sepolia", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Address != "0x036CbD53842c5426634e7929541eC2318f3dCF7e" || info.Name != "USDC" {
		t.Fatalf("unexpected default asset info: %+v", info)
	}

	if _, err := GetAssetInfo("ethereum", ""); err == nil {
		t.Fatal("expected error when no default asset is configured and none was specified")
	}
}

func TestGetAssetInfoExplicitAddressOverridesDefault(t *testing.T) {
	other := "0x1111111111111111111111111111111111111111"
	info, err := GetAssetInfo("base-sepolia", other)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "Unknown Token" {
		t.Fatalf("expected an unknown, non-default token, got %+v", info)
	}

	info, err = GetAssetInfo("base-sepolia", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "USDC" {
		t.Fatalf("expected the network's own default asset to be recognized, got %+v", info)
	}
}
