package chain_test

// Exercises chain.Client against an in-process simulated EVM. No external
// node is needed.

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"

	"github.com/stratafi/vault-engine/internal/chain"
)

// Anvil's first default account.
const senderKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// The simulated backend always uses chain ID 1337.
var simChainID = big.NewInt(1337)

func simulatedClient(t *testing.T) (*chain.Client, *simulated.Backend, *bind.TransactOpts) {
	t.Helper()
	key, err := crypto.HexToECDSA(senderKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	balance := new(big.Int).Mul(big.NewInt(1000), big.NewInt(params.Ether))
	backend := simulated.NewBackend(types.GenesisAlloc{from: {Balance: balance}})
	t.Cleanup(func() { backend.Close() })

	auth, err := bind.NewKeyedTransactorWithChainID(key, simChainID)
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	c := chain.New(backend.Client(), chain.Options{
		// No token contract is deployed here.
		Token:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		ChainID:       simChainID,
		Confirmations: 2,
		PollInterval:  10 * time.Millisecond,
	})
	return c, backend, auth
}

// sendValue broadcasts a plain value transfer without mining it.
func sendValue(t *testing.T, backend *simulated.Backend, auth *bind.TransactOpts, to common.Address) common.Hash {
	t.Helper()
	ctx := context.Background()
	client := backend.Client()
	nonce, err := client.PendingNonceAt(ctx, auth.From)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   simChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(params.GWei),
		GasFeeCap: new(big.Int).Add(head.BaseFee, big.NewInt(2*params.GWei)),
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(params.GWei),
	})
	signed, err := auth.Signer(auth.From, tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send: %v", err)
	}
	return signed.Hash()
}

func TestSimulated_TransactionLifecycle(t *testing.T) {
	c, backend, auth := simulatedClient(t)
	ctx := context.Background()
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if _, err := c.GetTransaction(ctx, common.HexToHash("0x01")); !errors.Is(err, chain.ErrTxNotFound) {
		t.Fatalf("unknown hash: got %v want ErrTxNotFound", err)
	}

	hash := sendValue(t, backend, auth, to)

	st, err := c.GetTransaction(ctx, hash)
	if err != nil {
		t.Fatalf("pending lookup: %v", err)
	}
	if st.Confirmed {
		t.Fatal("unmined transaction reported confirmed")
	}

	backend.Commit()
	st, err = c.GetTransaction(ctx, hash)
	if err != nil {
		t.Fatalf("mined lookup: %v", err)
	}
	if st.Confirmed {
		t.Fatal("one block is not two confirmations")
	}

	backend.Commit()
	st, err = c.GetTransaction(ctx, hash)
	if err != nil {
		t.Fatalf("buried lookup: %v", err)
	}
	if !st.Confirmed || st.Failed {
		t.Fatalf("status: %+v", st)
	}
	if st.Sender != auth.From {
		t.Errorf("sender: got %s want %s", st.Sender.Hex(), auth.From.Hex())
	}
	if len(st.Transfers) != 0 || st.DeltaFor(to, c.Token()).Sign() != 0 {
		t.Error("a value transfer moves no tokens")
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	receipt, err := c.WaitConfirmed(wctx, hash)
	if err != nil {
		t.Fatalf("WaitConfirmed: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Errorf("receipt status %d", receipt.Status)
	}
}

func TestSimulated_WaitConfirmedHonoursContext(t *testing.T) {
	c, backend, auth := simulatedClient(t)
	hash := sendValue(t, backend, auth, common.HexToAddress("0x3333333333333333333333333333333333333333"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.WaitConfirmed(ctx, hash); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v want DeadlineExceeded", err)
	}
}

func TestSimulated_TokenWithoutCode(t *testing.T) {
	c, _, auth := simulatedClient(t)
	ctx := context.Background()

	if _, err := c.BalanceOf(ctx, auth.From); !errors.Is(err, bind.ErrNoCode) {
		t.Errorf("BalanceOf: got %v want ErrNoCode", err)
	}
	_, err := c.Transfer(ctx, auth.From, auth.Signer, common.HexToAddress("0x4444444444444444444444444444444444444444"), big.NewInt(1))
	if !errors.Is(err, bind.ErrNoCode) {
		t.Errorf("Transfer: got %v want ErrNoCode", err)
	}
}
