package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Facilitator validates and settles x402 payment proofs.
type Facilitator interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements Requirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements Requirements) (SettleResponse, error)
}

// FacilitatorClient talks to a remote facilitator over HTTP.
type FacilitatorClient struct {
	baseURL string
	client  *http.Client
}

// NewFacilitatorClient builds a client with a bounded request timeout.
func NewFacilitatorClient(baseURL string, timeout time.Duration) (*FacilitatorClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("x402: facilitator url required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FacilitatorClient{
		baseURL: trimmed,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type facilitatorRequest struct {
	X402Version  int            `json:"x402Version"`
	Payload      PaymentPayload `json:"paymentPayload"`
	Requirements Requirements   `json:"paymentRequirements"`
}

// Verify submits the proof for cryptographic and economic validation.
func (c *FacilitatorClient) Verify(ctx context.Context, payload PaymentPayload, requirements Requirements) (VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.post(ctx, "/verify", payload, requirements, &resp); err != nil {
		return VerifyResponse{}, err
	}
	return resp, nil
}

// Settle triggers the on-chain transfer for a verified proof.
func (c *FacilitatorClient) Settle(ctx context.Context, payload PaymentPayload, requirements Requirements) (SettleResponse, error) {
	var resp SettleResponse
	if err := c.post(ctx, "/settle", payload, requirements, &resp); err != nil {
		return SettleResponse{}, err
	}
	return resp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, payload PaymentPayload, requirements Requirements, out interface{}) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:  payload.X402Version,
		Payload:      payload,
		Requirements: requirements,
	})
	if err != nil {
		return fmt.Errorf("x402: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("x402: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("x402: facilitator unreachable: %w", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("x402: read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("x402: facilitator %s returned %d: %s", path, res.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("x402: decode response: %w", err)
	}
	return nil
}
