package chainid

import "fmt"

// v1Networks maps the x402 v1 protocol's well-known network names to the
// CAIP-2 chain id they denote. V2 requests carry the CAIP-2 id directly;
// v1 requests carry one of these names, and the registry bridges through
// this table before pattern matching.
var v1Networks = map[string]ChainId{
	"ethereum":           {"eip155", "1"},
	"sepolia":            {"eip155", "11155111"},
	"abstract":           {"eip155", "2741"},
	"abstract-testnet":   {"eip155", "11124"},
	"base":               {"eip155", "8453"},
	"base-sepolia":       {"eip155", "84532"},
	"avalanche":          {"eip155", "43114"},
	"avalanche-fuji":     {"eip155", "43113"},
	"iotex":              {"eip155", "4689"},
	"sei":                {"eip155", "1329"},
	"sei-testnet":        {"eip155", "1328"},
	"polygon":            {"eip155", "137"},
	"polygon-amoy":       {"eip155", "80002"},
	"peaq":               {"eip155", "3338"},
	"story":              {"eip155", "1514"},
	"educhain":           {"eip155", "41923"},
	"skale-base-sepolia": {"eip155", "324705682"},
	"megaeth":            {"eip155", "4326"},
	"monad":              {"eip155", "143"},
	"etherlink":          {"eip155", "42793"},
}

// FromV1Name resolves a v1 network name to its CAIP-2 ChainId.
func FromV1Name(name string) (ChainId, error) {
	id, ok := v1Networks[name]
	if !ok {
		return ChainId{}, fmt.Errorf("chainid: unknown v1 network name %q", name)
	}
	return id, nil
}

// V1Names returns every registered v1 network name, for use by supported()
// responses and registration loops.
func V1Names() []string {
	names := make([]string, 0, len(v1Networks))
	for name := range v1Networks {
		names = append(names, name)
	}
	return names
}
