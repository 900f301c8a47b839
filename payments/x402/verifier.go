package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParsePaymentHeader decodes a client-supplied X-PAYMENT header. Malformed
// input returns nil rather than an error: the caller answers with payment
// requirements, not a server failure.
func ParsePaymentHeader(header string) *PaymentPayload {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	if payload.Scheme == "" || payload.Network == "" {
		return nil
	}
	return &payload
}

// VerifierConfig names the network, asset contract, and payee used to build
// payment requirements.
type VerifierConfig struct {
	Network           string
	AssetAddress      string
	PayTo             string
	MaxTimeoutSeconds int
	TokenDecimals     int
}

// Verifier composes header parsing, requirement construction, and
// facilitator calls into the single gate every tip must pass.
type Verifier struct {
	facilitator Facilitator
	cfg         VerifierConfig
}

// NewVerifier wires a verifier to its facilitator.
func NewVerifier(facilitator Facilitator, cfg VerifierConfig) (*Verifier, error) {
	if facilitator == nil {
		return nil, fmt.Errorf("x402: facilitator required")
	}
	if strings.TrimSpace(cfg.Network) == "" {
		return nil, fmt.Errorf("x402: network required")
	}
	if strings.TrimSpace(cfg.PayTo) == "" {
		return nil, fmt.Errorf("x402: payee address required")
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 300
	}
	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = 6
	}
	return &Verifier{facilitator: facilitator, cfg: cfg}, nil
}

// BuildRequirements describes what must be paid for one resource. The result
// is deterministic for a given resource and amount.
func (v *Verifier) BuildRequirements(resourceURL string, amountCents int64, description string) Requirements {
	units := amountCents
	for i := 2; i < v.cfg.TokenDecimals; i++ {
		units *= 10
	}
	return Requirements{
		Scheme:            "exact",
		Network:           v.cfg.Network,
		MaxAmountRequired: strconv.FormatInt(units, 10),
		Resource:          resourceURL,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             v.cfg.PayTo,
		MaxTimeoutSeconds: v.cfg.MaxTimeoutSeconds,
		Asset:             v.cfg.AssetAddress,
	}
}

// VerifyTipPayment parses the header and validates the proof with the
// facilitator. It never settles; settlement happens after the paid resource
// has been served.
func (v *Verifier) VerifyTipPayment(ctx context.Context, header, resourceURL string, amountCents int64, description string) (VerificationResult, error) {
	requirements := v.BuildRequirements(resourceURL, amountCents, description)
	payload := ParsePaymentHeader(header)
	if payload == nil {
		return VerificationResult{
			Requirements:  requirements,
			InvalidReason: "invalid or missing payment header",
		}, nil
	}
	resp, err := v.facilitator.Verify(ctx, *payload, requirements)
	if err != nil {
		return VerificationResult{Requirements: requirements}, err
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = "payment rejected by facilitator"
		}
		return VerificationResult{
			Payload:       payload,
			Requirements:  requirements,
			InvalidReason: reason,
		}, nil
	}
	return VerificationResult{
		Verified:     true,
		Payer:        resp.Payer,
		Payload:      payload,
		Requirements: requirements,
	}, nil
}

// Settle executes the on-chain transfer for a verified payment. Callers
// invoke this only after the paid resource has been provided; a failure here
// is surfaced to metrics and the caller, never retried inside this package.
func (v *Verifier) Settle(ctx context.Context, payload PaymentPayload, requirements Requirements) (SettleResponse, error) {
	return v.facilitator.Settle(ctx, payload, requirements)
}
