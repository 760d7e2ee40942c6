package x402

import "fmt"

// PaymentError is the stable error shape surfaced across verify/settle. Code
// is one of the taxonomy identifiers below; Message carries the human-readable
// detail. Details is free-form context (e.g. a reverted tx hash).
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Taxonomy of stable error-code identifiers. These are surfaced verbatim to
// callers (never wrapped or translated) for anything user-caused; only
// transient transport errors from the RPC layer are retried locally.
const (
	CodeInvalidFormat        = "invalid_format"
	CodeUnsupportedScheme    = "unsupported_scheme"
	CodeUnsupportedChain     = "unsupported_chain"
	CodeChainIdMismatch      = "chain_id_mismatch"
	CodeAssetMismatch        = "asset_mismatch"
	CodeRecipientMismatch    = "recipient_mismatch"
	CodeInvalidPaymentAmount = "invalid_payment_amount"
	CodeEarly                = "early"
	CodeExpired              = "expired"
	CodeInvalidSignature     = "invalid_signature"
	CodeInsufficientFunds    = "insufficient_funds"
	CodeTransactionSimulation = "transaction_simulation"
	CodeOnchainFailure       = "onchain_failure"
	CodeComplianceFailed     = "compliance_failed"
	CodeTransactionReverted  = "transaction_reverted"
)

// NewPaymentError builds a PaymentError for the given taxonomy code.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: message, Details: details}
}

// InvalidFormat reports a malformed payload, missing field, or numeric overflow.
func InvalidFormat(msg string) *PaymentError { return NewPaymentError(CodeInvalidFormat, msg, nil) }

// UnsupportedScheme reports that no facilitator is registered for the requested scheme.
func UnsupportedScheme(msg string) *PaymentError {
	return NewPaymentError(CodeUnsupportedScheme, msg, nil)
}

// UnsupportedChain reports that no facilitator is registered for the requested chain.
func UnsupportedChain(msg string) *PaymentError {
	return NewPaymentError(CodeUnsupportedChain, msg, nil)
}

// ChainIdMismatch reports that the provider, payload, and requirements chain ids disagree.
func ChainIdMismatch(msg string) *PaymentError {
	return NewPaymentError(CodeChainIdMismatch, msg, nil)
}

// AssetMismatch reports that the authorized token differs from the requirements' asset.
func AssetMismatch(msg string) *PaymentError { return NewPaymentError(CodeAssetMismatch, msg, nil) }

// RecipientMismatch reports that the authorized recipient differs from pay_to.
func RecipientMismatch(msg string) *PaymentError {
	return NewPaymentError(CodeRecipientMismatch, msg, nil)
}

// InvalidPaymentAmount reports that the authorized value is not exactly max_amount_required.
func InvalidPaymentAmount(msg string) *PaymentError {
	return NewPaymentError(CodeInvalidPaymentAmount, msg, nil)
}

// Early reports that valid_after is still in the future.
func Early(msg string) *PaymentError { return NewPaymentError(CodeEarly, msg, nil) }

// Expired reports that valid_before is within the grace window of now, or past.
func Expired(msg string) *PaymentError { return NewPaymentError(CodeExpired, msg, nil) }

// InvalidSignature reports a recovery failure or a false EIP-1271/6492 validator result.
func InvalidSignature(msg string) *PaymentError {
	return NewPaymentError(CodeInvalidSignature, msg, nil)
}

// InsufficientFunds reports that the payer's on-chain balance is below the required amount.
func InsufficientFunds(msg string) *PaymentError {
	return NewPaymentError(CodeInsufficientFunds, msg, nil)
}

// TransactionSimulation reports that the pre-settlement dry-run call reverted.
func TransactionSimulation(msg string) *PaymentError {
	return NewPaymentError(CodeTransactionSimulation, msg, nil)
}

// OnchainFailure reports a transport, pending-tx, or revert error encountered during settlement.
func OnchainFailure(msg string) *PaymentError { return NewPaymentError(CodeOnchainFailure, msg, nil) }

// ComplianceFailed reports a deny-list hit, allow-list miss, or remote-screening denial.
func ComplianceFailed(msg string) *PaymentError {
	return NewPaymentError(CodeComplianceFailed, msg, nil)
}

// TransactionReverted reports a mined transaction whose receipt status is false.
func TransactionReverted(txHash string) *PaymentError {
	return NewPaymentError(CodeTransactionReverted, "transaction reverted", map[string]interface{}{"transaction": txHash})
}
