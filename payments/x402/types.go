// Package x402 gates revenue-generating actions behind cryptographically
// verified payment proofs. Validation and settlement are delegated to an
// external facilitator service; nothing in this package ever soft-fails open.
package x402

// PaymentPayload is the decoded client payment proof carried in the
// X-PAYMENT header.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     ExactEVMProof `json:"payload"`
}

// ExactEVMProof is the scheme-specific proof body for exact EVM transfers.
type ExactEVMProof struct {
	Signature     string                 `json:"signature"`
	Authorization TransferAuthorization `json:"authorization"`
}

// TransferAuthorization mirrors the EIP-3009 authorization the client signed.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Requirements describes what a client must pay for one resource. The
// MaxTimeoutSeconds window bounds replay of the requirements themselves.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// VerifyResponse is the facilitator's answer to a verification request.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResponse is the facilitator's answer to a settlement request.
type SettleResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transaction,omitempty"`
	Network         string `json:"network,omitempty"`
	Error           string `json:"errorReason,omitempty"`
}

// VerificationResult is the discriminated outcome of VerifyTipPayment.
// Callers must branch on Verified before granting any resource.
type VerificationResult struct {
	Verified      bool
	Payer         string
	Payload       *PaymentPayload
	Requirements  Requirements
	InvalidReason string
}
