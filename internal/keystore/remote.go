package keystore

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC methods of the key service. Requests and responses are
// google.protobuf.Struct so no generated stubs are needed on either side.
const (
	MethodGetAddress = "/keystore.v1.KeyService/GetAddress"
	MethodSignDigest = "/keystore.v1.KeyService/SignDigest"
)

// Dial opens a client connection to the key service. Transport security is
// expected to be provided by the deployment (local socket or mesh sidecar).
func Dial(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: grpc dial %s: %v", ErrUnavailable, target, err)
	}
	return conn, nil
}

// Remote signs through an external key service (HSM, MPC, enclave). The
// private key never enters this process.
type Remote struct {
	conn  grpc.ClientConnInterface
	keyID string
	addr  common.Address
}

// NewRemote asks the key service for keyID's address.
func NewRemote(ctx context.Context, conn grpc.ClientConnInterface, keyID string) (*Remote, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"key_id": keyID})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodGetAddress, req, resp); err != nil {
		return nil, fmt.Errorf("%w: GetAddress %s: %v", ErrUnavailable, keyID, err)
	}
	raw := resp.GetFields()["address"].GetStringValue()
	if !common.IsHexAddress(raw) {
		return nil, fmt.Errorf("%w: GetAddress %s returned %q", ErrUnavailable, keyID, raw)
	}
	return &Remote{conn: conn, keyID: keyID, addr: common.HexToAddress(raw)}, nil
}

func (r *Remote) Address() common.Address { return r.addr }

// SignTx sends the transaction's signing digest to the key service and
// attaches the returned 65-byte [R || S || V] signature. The signature is
// checked against the key's address before use.
func (r *Remote) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chainID)
	digest := signer.Hash(tx)

	req, err := structpb.NewStruct(map[string]interface{}{
		"key_id": r.keyID,
		"digest": hex.EncodeToString(digest[:]),
	})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, MethodSignDigest, req, resp); err != nil {
		return nil, fmt.Errorf("%w: SignDigest %s: %v", ErrUnavailable, r.keyID, err)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(resp.GetFields()["signature"].GetStringValue(), "0x"))
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: SignDigest %s: malformed signature", ErrUnavailable, r.keyID)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil || crypto.PubkeyToAddress(*pub) != r.addr {
		return nil, fmt.Errorf("%w: SignDigest %s: signature does not match %s", ErrUnavailable, r.keyID, r.addr.Hex())
	}
	return tx.WithSignature(signer, sig)
}
