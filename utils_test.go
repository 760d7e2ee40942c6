package x402

import "testing"

func TestValidatePaymentPayload(t *testing.T) {
	valid := PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{"from": "0x1111111111111111111111111111111111111111"},
		Accepted:    PaymentRequirements{Scheme: "exact", Network: "eip155:84532"},
	}
	if err := ValidatePaymentPayload(valid); err != nil {
		t.Fatalf("unexpected error for a well-formed payload: %v", err)
	}

	cases := []struct {
		name    string
		payload PaymentPayload
	}{
		{"bad version", PaymentPayload{X402Version: 3, Accepted: valid.Accepted, Payload: valid.Payload}},
		{"missing scheme", PaymentPayload{X402Version: 2, Accepted: PaymentRequirements{Network: "eip155:84532"}, Payload: valid.Payload}},
		{"missing network", PaymentPayload{X402Version: 2, Accepted: PaymentRequirements{Scheme: "exact"}, Payload: valid.Payload}},
		{"missing payload", PaymentPayload{X402Version: 2, Accepted: valid.Accepted}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := ValidatePaymentPayload(c.payload); err == nil {
				t.Fatalf("expected an error for %s", c.name)
			}
		})
	}
}
