package x402

import "context"

// SchemeNetworkFacilitator is implemented by facilitator-side payment mechanisms.
// This interface is used by facilitators who verify and settle payments.
type SchemeNetworkFacilitator interface {
	// Scheme returns the payment scheme identifier (e.g., "exact").
	Scheme() string

	// Verify checks if a payment is valid without executing it.
	// Receives version + raw bytes, mechanisms unmarshal to version-specific types.
	Verify(ctx context.Context, version int, payloadBytes []byte, requirementsBytes []byte) (VerifyResponse, error)

	// Settle executes the payment on-chain.
	// Receives version + raw bytes, mechanisms unmarshal to version-specific types.
	Settle(ctx context.Context, version int, payloadBytes []byte, requirementsBytes []byte) (SettleResponse, error)

	// Supported lists the (version, network, extra) tuples this mechanism instance advertises.
	Supported() []SupportedKind
}

// FacilitatorClient is the interface services use to interact with facilitators,
// version-agnostically over raw bytes.
type FacilitatorClient interface {
	Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (VerifyResponse, error)
	Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
