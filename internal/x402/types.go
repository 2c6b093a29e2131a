// Package x402 implements the wire types of the x402 pay-per-request
// protocol: the 402 challenge, the X-PAYMENT proof and the settlement
// response header.
package x402

import (
	"encoding/base64"
	"encoding/json"
)

const (
	Version     = 1
	SchemeExact = "exact"

	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Requirements describes one accepted way to pay for a resource.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"` // token base units
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Extra             Extra  `json:"extra"`
}

// Extra carries the token's EIP-712 domain so clients can sign.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Challenge is the body of a 402 response.
type Challenge struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error,omitempty"`
	Accepts     []Requirements `json:"accepts"`

	// Human-readable price, for clients that only display it.
	Price    string `json:"price"`
	Currency string `json:"currency"`
	Decimals int32  `json:"decimals"`
	PayTo    string `json:"payTo"`
}

// Authorization is the EIP-3009 TransferWithAuthorization message as sent
// on the wire. Numeric fields are decimal strings.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// SettleResponse is returned base64-encoded in X-PAYMENT-RESPONSE.
type SettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// EncodeResponse renders r for the X-PAYMENT-RESPONSE header.
func EncodeResponse(r SettleResponse) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
