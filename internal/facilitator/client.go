// Package facilitator is a client for an x402 facilitator, the external
// service that verifies payment proofs and broadcasts their settlement.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stratafi/vault-engine/internal/x402"
)

// ErrRejected means the facilitator answered but refused the proof.
var ErrRejected = errors.New("facilitator rejected payment")

type request struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload `json:"paymentPayload"`
	PaymentRequirements x402.Requirements   `json:"paymentRequirements"`
}

type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// Client talks to one facilitator over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("facilitator %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	// 4xx bodies still carry the verify/settle verdict.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("facilitator %s: status %d: decode: %w", path, resp.StatusCode, err)
	}
	return nil
}

// Verify asks whether pl satisfies req without moving funds.
func (c *Client) Verify(ctx context.Context, pl x402.PaymentPayload, req x402.Requirements) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", request{X402Version: pl.X402Version, PaymentPayload: pl, PaymentRequirements: req}, &out); err != nil {
		return nil, err
	}
	if !out.IsValid {
		return &out, fmt.Errorf("%w: %s", ErrRejected, out.InvalidReason)
	}
	return &out, nil
}

// Settle submits the authorization on chain.
func (c *Client) Settle(ctx context.Context, pl x402.PaymentPayload, req x402.Requirements) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", request{X402Version: pl.X402Version, PaymentPayload: pl, PaymentRequirements: req}, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return &out, fmt.Errorf("%w: %s", ErrRejected, out.ErrorReason)
	}
	return &out, nil
}

// BaseURL returns the configured facilitator endpoint.
func (c *Client) BaseURL() string { return c.baseURL }
