package x402

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDomain = Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
	}
	payTo = common.HexToAddress("0x2222222222222222222222222222222222222222")
	now   = time.Unix(1_760_000_000, 0)
)

func signedProof(t *testing.T) (*Proof, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	var nonce [32]byte
	nonce[31] = 7
	p := NewProof("base-sepolia", crypto.PubkeyToAddress(key.PublicKey), payTo,
		big.NewInt(100_000), big.NewInt(now.Unix()-60), big.NewInt(now.Unix()+300), nonce)
	require.NoError(t, p.Sign(key, testDomain))
	header, err := Encode(p.Payload)
	require.NoError(t, err)
	return p, header
}

func encodeRaw(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

func TestDecodeRoundTrip(t *testing.T) {
	orig, header := signedProof(t)

	got, err := Decode(header)
	require.NoError(t, err)
	assert.Equal(t, orig.From, got.From)
	assert.Equal(t, payTo, got.To)
	assert.Equal(t, 0, got.Value.Cmp(big.NewInt(100_000)))
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000007", got.ID())
	assert.NoError(t, got.VerifySignature(testDomain))
	assert.NoError(t, got.CheckWindow(now))
}

func TestDecodeRejects(t *testing.T) {
	good, _ := signedProof(t)

	mutate := func(f func(*PaymentPayload)) string {
		pl := good.Payload
		f(&pl)
		return encodeRaw(t, pl)
	}

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"empty", "", ErrMalformedProof},
		{"not base64", "%%%", ErrMalformedProof},
		{"not json", base64.StdEncoding.EncodeToString([]byte("nope")), ErrMalformedProof},
		{"no version", mutate(func(p *PaymentPayload) { p.X402Version = 0 }), ErrMalformedProof},
		{"future version", mutate(func(p *PaymentPayload) { p.X402Version = 2 }), ErrUnsupportedVersion},
		{"scheme", mutate(func(p *PaymentPayload) { p.Scheme = "upto" }), ErrMalformedProof},
		{"network", mutate(func(p *PaymentPayload) { p.Network = "" }), ErrMalformedProof},
		{"from", mutate(func(p *PaymentPayload) { p.Payload.Authorization.From = "0x12" }), ErrMalformedProof},
		{"value negative", mutate(func(p *PaymentPayload) { p.Payload.Authorization.Value = "-1" }), ErrMalformedProof},
		{"value zero", mutate(func(p *PaymentPayload) { p.Payload.Authorization.Value = "0" }), ErrMalformedProof},
		{"value hex", mutate(func(p *PaymentPayload) { p.Payload.Authorization.Value = "0x10" }), ErrMalformedProof},
		{"nonce short", mutate(func(p *PaymentPayload) { p.Payload.Authorization.Nonce = "0x01" }), ErrMalformedProof},
		{"signature short", mutate(func(p *PaymentPayload) { p.Payload.Signature = "0xabcd" }), ErrMalformedProof},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.header)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifySignatureDetectsTampering(t *testing.T) {
	p, _ := signedProof(t)

	tampered := *p
	tampered.Value = big.NewInt(1)
	assert.ErrorIs(t, tampered.VerifySignature(testDomain), ErrInvalidSignature)

	otherChain := testDomain
	otherChain.ChainID = big.NewInt(1)
	assert.ErrorIs(t, p.VerifySignature(otherChain), ErrInvalidSignature)

	claimed := *p
	claimed.From = common.HexToAddress("0x9999999999999999999999999999999999999999")
	assert.ErrorIs(t, claimed.VerifySignature(testDomain), ErrInvalidSignature)
}

func TestCheckWindow(t *testing.T) {
	p, _ := signedProof(t)
	assert.ErrorIs(t, p.CheckWindow(now.Add(-time.Hour)), ErrNotYetValid)
	assert.ErrorIs(t, p.CheckWindow(now.Add(300*time.Second)), ErrExpired)
	assert.NoError(t, p.CheckWindow(now.Add(299*time.Second)))
}

func TestEncodeResponse(t *testing.T) {
	h, err := EncodeResponse(SettleResponse{Success: true, Transaction: "0xabc", Network: "base", Payer: "0x1"})
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"transaction":"0xabc","network":"base","payer":"0x1"}`, string(raw))
}
