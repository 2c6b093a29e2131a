package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported x402 version")
	ErrMalformedProof     = errors.New("malformed payment proof")
	ErrInvalidSignature   = errors.New("payment signature does not match payer")
	ErrNotYetValid        = errors.New("payment authorization not yet valid")
	ErrExpired            = errors.New("payment authorization expired")
)

// Proof is a schema-checked "exact" payment.
type Proof struct {
	Network     string
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte

	// Payload is the proof as received, forwarded verbatim to the facilitator.
	Payload PaymentPayload
}

// ID is the proof's idempotency key: its authorization nonce, which the
// token contract also refuses to use twice.
func (p *Proof) ID() string {
	return hexutil.Encode(p.Nonce[:])
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedProof, fmt.Sprintf(format, args...))
}

// Decode parses an X-PAYMENT header value.
func Decode(header string) (*Proof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, malformed("empty header")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(header); err != nil {
			return nil, malformed("not base64")
		}
	}

	var pl PaymentPayload
	if err := json.Unmarshal(raw, &pl); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	switch {
	case pl.X402Version == 0:
		return nil, malformed("missing x402Version")
	case pl.X402Version != Version:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, pl.X402Version)
	}
	return Parse(pl)
}

// Parse validates a decoded payload.
func Parse(pl PaymentPayload) (*Proof, error) {
	if pl.Scheme != SchemeExact {
		return nil, malformed("unsupported scheme %q", pl.Scheme)
	}
	if pl.Network == "" {
		return nil, malformed("missing network")
	}
	a := pl.Payload.Authorization

	p := &Proof{Network: pl.Network, Payload: pl}
	var err error
	if p.From, err = address("from", a.From); err != nil {
		return nil, err
	}
	if p.To, err = address("to", a.To); err != nil {
		return nil, err
	}
	if p.Value, err = uint256("value", a.Value); err != nil {
		return nil, err
	}
	if p.Value.Sign() == 0 {
		return nil, malformed("value must be positive")
	}
	if p.ValidAfter, err = uint256("validAfter", a.ValidAfter); err != nil {
		return nil, err
	}
	if p.ValidBefore, err = uint256("validBefore", a.ValidBefore); err != nil {
		return nil, err
	}

	nonce, err := hexutil.Decode(a.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, malformed("nonce must be 32 bytes of hex")
	}
	copy(p.Nonce[:], nonce)

	if p.Signature, err = hexutil.Decode(pl.Payload.Signature); err != nil || len(p.Signature) != 65 {
		return nil, malformed("signature must be 65 bytes of hex")
	}
	return p, nil
}

func address(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, malformed("%s is not an address", field)
	}
	return common.HexToAddress(s), nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func uint256(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, malformed("%s is not a uint256", field)
	}
	return v, nil
}

// CheckWindow verifies now falls inside (validAfter, validBefore).
func (p *Proof) CheckWindow(now time.Time) error {
	ts := big.NewInt(now.Unix())
	if ts.Cmp(p.ValidAfter) <= 0 {
		return ErrNotYetValid
	}
	if ts.Cmp(p.ValidBefore) >= 0 {
		return ErrExpired
	}
	return nil
}

// Encode renders the proof as an X-PAYMENT header value.
func Encode(pl PaymentPayload) (string, error) {
	b, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
