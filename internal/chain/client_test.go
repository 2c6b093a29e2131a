package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	testChainID = big.NewInt(8453)
	usdc        = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	otherToken  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	treasury    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeBackend implements the read side of Backend. Methods not overridden
// panic through the nil embedded interface.
type fakeBackend struct {
	bind.ContractBackend

	tx       *types.Transaction
	pending  bool
	receipt  *types.Receipt
	head     uint64
	block    bool // TransactionByHash blocks until ctx ends
	balances map[common.Address]*big.Int
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, _ common.Hash) (*types.Transaction, bool, error) {
	if f.block {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	if f.tx == nil {
		return nil, false, ethereum.NotFound
	}
	return f.tx, f.pending, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	args, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	bal := f.balances[args[0].(common.Address)]
	if bal == nil {
		bal = new(big.Int)
	}
	return erc20ABI.Methods["balanceOf"].Outputs.Pack(bal)
}

func signedTx(t *testing.T) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       60000,
		To:        &usdc,
		Value:     new(big.Int),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), key)
	if err != nil {
		t.Fatal(err)
	}
	return signed, crypto.PubkeyToAddress(key.PublicKey)
}

func transferLog(token, from, to common.Address, amount int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func newTestClient(b Backend, confs uint64) *Client {
	return New(b, Options{Token: usdc, ChainID: testChainID, Confirmations: confs, ReadTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})
}

func TestGetTransaction_NotFound(t *testing.T) {
	c := newTestClient(&fakeBackend{}, 1)
	_, err := c.GetTransaction(context.Background(), common.HexToHash("0x01"))
	if !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("want ErrTxNotFound, got %v", err)
	}
}

func TestGetTransaction_Pending(t *testing.T) {
	tx, sender := signedTx(t)
	c := newTestClient(&fakeBackend{tx: tx, pending: true}, 1)

	st, err := c.GetTransaction(context.Background(), tx.Hash())
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if st.Confirmed {
		t.Error("pending tx reported confirmed")
	}
	if st.Sender != sender {
		t.Errorf("sender: got %s want %s", st.Sender.Hex(), sender.Hex())
	}
}

func TestGetTransaction_NotDeepEnough(t *testing.T) {
	tx, _ := signedTx(t)
	b := &fakeBackend{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)},
		head:    101,
	}
	c := newTestClient(b, 3)

	st, err := c.GetTransaction(context.Background(), tx.Hash())
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if st.Confirmed {
		t.Error("2-deep tx reported confirmed with 3 confirmations required")
	}

	b.head = 102
	st, _ = c.GetTransaction(context.Background(), tx.Hash())
	if !st.Confirmed {
		t.Error("3-deep tx should be confirmed")
	}
}

func TestGetTransaction_ConfirmedDeltas(t *testing.T) {
	tx, sender := signedTx(t)
	b := &fakeBackend{
		tx: tx,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(50),
			Logs: []*types.Log{
				transferLog(usdc, sender, treasury, 100_000_000),
				transferLog(otherToken, treasury, sender, 5),
				{Address: usdc, Topics: []common.Hash{common.HexToHash("0xdead")}},
			},
		},
		head: 60,
	}
	c := newTestClient(b, 1)

	st, err := c.GetTransaction(context.Background(), tx.Hash())
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !st.Confirmed || st.Failed {
		t.Fatalf("want confirmed success, got %+v", st)
	}
	if len(st.Transfers) != 2 {
		t.Fatalf("transfers: got %d want 2", len(st.Transfers))
	}
	if got := st.DeltaFor(treasury, usdc); got.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("treasury usdc delta: got %s", got)
	}
	if got := st.DeltaFor(sender, usdc); got.Cmp(big.NewInt(-100_000_000)) != 0 {
		t.Errorf("sender usdc delta: got %s", got)
	}
	if got := st.DeltaFor(treasury, otherToken); got.Cmp(big.NewInt(-5)) != 0 {
		t.Errorf("treasury other-token delta: got %s", got)
	}
}

func TestGetTransaction_Reverted(t *testing.T) {
	tx, sender := signedTx(t)
	b := &fakeBackend{
		tx: tx,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(50),
			Logs:        []*types.Log{transferLog(usdc, sender, treasury, 1)},
		},
		head: 50,
	}
	st, err := newTestClient(b, 1).GetTransaction(context.Background(), tx.Hash())
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !st.Confirmed || !st.Failed {
		t.Fatalf("want confirmed failure, got %+v", st)
	}
	if len(st.Deltas) != 0 {
		t.Error("reverted tx must not report deltas")
	}
}

func TestGetTransaction_TimeoutIsUnconfirmed(t *testing.T) {
	c := newTestClient(&fakeBackend{block: true}, 1)
	st, err := c.GetTransaction(context.Background(), common.HexToHash("0x02"))
	if err != nil {
		t.Fatalf("timeout should not be an error, got %v", err)
	}
	if st.Confirmed {
		t.Error("timed-out read reported confirmed")
	}
}

func TestWaitConfirmed(t *testing.T) {
	b := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}, head: 10}
	c := newTestClient(b, 1)
	r, err := c.WaitConfirmed(context.Background(), common.HexToHash("0x03"))
	if err != nil {
		t.Fatalf("WaitConfirmed: %v", err)
	}
	if r.BlockNumber.Uint64() != 10 {
		t.Errorf("block: got %d", r.BlockNumber.Uint64())
	}

	b.receipt = nil
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.WaitConfirmed(ctx, common.HexToHash("0x04")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestBalanceOf(t *testing.T) {
	b := &fakeBackend{balances: map[common.Address]*big.Int{treasury: big.NewInt(1_234_567)}}
	bal, err := newTestClient(b, 1).BalanceOf(context.Background(), treasury)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if bal.Cmp(big.NewInt(1_234_567)) != 0 {
		t.Errorf("balance: got %s", bal)
	}
}

func TestNetDeltasCancel(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	deltas := netDeltas([]TokenTransfer{
		{Token: usdc, From: a, To: b, Amount: big.NewInt(5)},
		{Token: usdc, From: b, To: a, Amount: big.NewInt(5)},
	})
	if len(deltas) != 0 {
		t.Fatalf("round trip should net to nothing, got %+v", deltas)
	}
}

func TestUnits(t *testing.T) {
	got := ToBaseUnits(decimal.RequireFromString("12.3456789"), 6)
	if got.Cmp(big.NewInt(12_345_678)) != 0 {
		t.Errorf("ToBaseUnits: got %s", got)
	}
	if d := FromBaseUnits(big.NewInt(1_500_000), 6); !d.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("FromBaseUnits: got %s", d)
	}
}
