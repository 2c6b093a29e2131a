package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature covers every way a wallet signature can fail to verify.
var ErrBadSignature = errors.New("invalid wallet signature")

// HashMessage returns the personal_sign digest of msg:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg).
func HashMessage(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// Recover returns the wallet that signed msg. sig is R || S || V with V in
// {0,1} or {27,28}; wallets differ on which.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: %d bytes", ErrBadSignature, len(sig))
	}
	rsv := make([]byte, crypto.SignatureLength)
	copy(rsv, sig)
	switch v := rsv[crypto.RecoveryIDOffset]; v {
	case 0, 1:
	case 27, 28:
		rsv[crypto.RecoveryIDOffset] = v - 27
	default:
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrBadSignature, v)
	}

	pub, err := crypto.SigToPub(HashMessage(msg), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that wallet (hex, any case) signed msg and returns it.
func Verify(msg, sig []byte, wallet string) (common.Address, error) {
	if !common.IsHexAddress(wallet) {
		return common.Address{}, fmt.Errorf("%w: %q is not an address", ErrBadSignature, wallet)
	}
	got, err := Recover(msg, sig)
	if err != nil {
		return common.Address{}, err
	}
	if got != common.HexToAddress(wallet) {
		return common.Address{}, fmt.Errorf("%w: signed by %s", ErrBadSignature, got.Hex())
	}
	return got, nil
}

// Sign produces a wallet-style personal_sign signature (V in {27,28}).
func Sign(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(HashMessage(msg), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Message returns the bytes a wallet signs for r, which are also what goes
// base64-encoded into X-Signed-Message.
func (r SignedRequest) Message() ([]byte, error) {
	return json.Marshal(r)
}
