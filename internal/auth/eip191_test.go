package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHashMessage_PersonalSignPrefix(t *testing.T) {
	msg := []byte(`{"action":"withdraw"}`)
	want := crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n21"), msg)
	if got := HashMessage(msg); !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestSign_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey)
	msg := []byte("claim rewards from stable")

	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatal(err)
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("V = %d, want 27 or 28", v)
	}

	got, err := Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got != wallet {
		t.Errorf("recovered %s, want %s", got.Hex(), wallet.Hex())
	}

	for _, form := range []string{wallet.Hex(), strings.ToLower(wallet.Hex())} {
		if _, err := Verify(msg, sig, form); err != nil {
			t.Errorf("Verify(%s): %v", form, err)
		}
	}

	// Some wallets return the raw recovery id.
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	if got, err := Recover(msg, raw); err != nil || got != wallet {
		t.Errorf("raw V: got %s, %v", got.Hex(), err)
	}
}

func TestRecover_Malformed(t *testing.T) {
	key, _ := crypto.GenerateKey()
	msg := []byte("withdraw 10")
	good, _ := Sign(msg, key)

	badV := append([]byte(nil), good...)
	badV[64] = 29

	tests := []struct {
		name string
		sig  []byte
	}{
		{"short", good[:64]},
		{"long", append(append([]byte(nil), good...), 0)},
		{"recovery id", badV},
		{"zero", make([]byte, 65)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Recover(msg, tt.sig); !errors.Is(err, ErrBadSignature) {
				t.Fatalf("want ErrBadSignature, got %v", err)
			}
		})
	}
}

func TestVerify_Rejects(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	msg := []byte("withdraw 10 from stable")
	sig, _ := Sign(msg, key)
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	tests := []struct {
		name   string
		msg    []byte
		wallet string
	}{
		{"tampered message", []byte("withdraw 99 from stable"), wallet},
		{"other wallet", msg, crypto.PubkeyToAddress(other.PublicKey).Hex()},
		{"not an address", msg, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Verify(tt.msg, sig, tt.wallet); !errors.Is(err, ErrBadSignature) {
				t.Fatalf("want ErrBadSignature, got %v", err)
			}
		})
	}
}

// The signature covers the action and the vault id, so it cannot be moved
// to another operation or another vault.
func TestSignedRequest_MessageBindsActionAndResource(t *testing.T) {
	key, _ := crypto.GenerateKey()
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	req := SignedRequest{
		Action:     "withdraw",
		ExpiresAt:  1_772_000_000,
		Nonce:      "n-1",
		Payload:    json.RawMessage(`{"amount":"10"}`),
		ResourceID: "stable",
	}
	msg, err := req.Message()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action":"withdraw","expires_at":1772000000,"nonce":"n-1","payload":{"amount":"10"},"resource_id":"stable"}`
	if string(msg) != want {
		t.Fatalf("message:\n got %s\nwant %s", msg, want)
	}

	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(msg, sig, wallet); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	asClaim := req
	asClaim.Action = "claim"
	otherVault := req
	otherVault.ResourceID = "growth"
	for name, moved := range map[string]SignedRequest{"action": asClaim, "resource": otherVault} {
		m, _ := moved.Message()
		if _, err := Verify(m, sig, wallet); !errors.Is(err, ErrBadSignature) {
			t.Errorf("%s: signature verified for a different request", name)
		}
	}

	var back SignedRequest
	if err := json.Unmarshal(msg, &back); err != nil {
		t.Fatal(err)
	}
	if back.Action != req.Action || back.ResourceID != req.ResourceID || back.Nonce != req.Nonce {
		t.Errorf("decoded %+v", back)
	}
}
