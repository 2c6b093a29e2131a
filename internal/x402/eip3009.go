package x402

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	transferTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// Domain is the token contract's EIP-712 domain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func (d Domain) separator() [32]byte {
	// abi.encode(bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.VerifyingContract.Bytes())
	return crypto.Keccak256Hash(encoded)
}

// Digest returns the EIP-712 hash the payer signs.
func (p *Proof) Digest(d Domain) [32]byte {
	encoded := make([]byte, 7*32)
	copy(encoded[0:32], transferTypeHash[:])
	copy(encoded[44:64], p.From.Bytes())
	copy(encoded[76:96], p.To.Bytes())
	p.Value.FillBytes(encoded[96:128])
	p.ValidAfter.FillBytes(encoded[128:160])
	p.ValidBefore.FillBytes(encoded[160:192])
	copy(encoded[192:224], p.Nonce[:])
	structHash := crypto.Keccak256Hash(encoded)

	sep := d.separator()
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Signer recovers the address that signed the authorization.
func (p *Proof) Signer(d Domain) (common.Address, error) {
	digest := p.Digest(d)
	sig := make([]byte, 65)
	copy(sig, p.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks the authorization was signed by From.
func (p *Proof) VerifySignature(d Domain) error {
	signer, err := p.Signer(d)
	if err != nil || signer != p.From {
		return ErrInvalidSignature
	}
	return nil
}

// Sign signs the authorization with key and stores the signature on both
// p and its wire payload. Used by clients and tests.
func (p *Proof) Sign(key *ecdsa.PrivateKey, d Domain) error {
	digest := p.Digest(d)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return err
	}
	sig[64] += 27
	p.Signature = sig
	p.Payload.Payload.Signature = hexutil.Encode(sig)
	return nil
}

// NewProof builds an unsigned exact-scheme proof with its wire payload.
func NewProof(network string, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) *Proof {
	return &Proof{
		Network:     network,
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
		Payload: PaymentPayload{
			X402Version: Version,
			Scheme:      SchemeExact,
			Network:     network,
			Payload: ExactPayload{
				Authorization: Authorization{
					From:        from.Hex(),
					To:          to.Hex(),
					Value:       value.String(),
					ValidAfter:  validAfter.String(),
					ValidBefore: validBefore.String(),
					Nonce:       hexutil.Encode(nonce[:]),
				},
			},
		},
	}
}
