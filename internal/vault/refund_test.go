package vault

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/store"
)

// rejectedDeposit fills the vault with bob and returns a deposit from alice
// that was refused for capacity.
func rejectedDeposit(t *testing.T) (*fixture, string) {
	t.Helper()
	f := newFixture(t, "1000", "1000")
	f.deposit(t, bob, "900")
	sig := f.onChainDeposit(alice, "200")
	_, err := f.svc.Deposit(context.Background(), "stable", sig, alice.Hex(), d("200"))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	return f, strings.ToLower(sig)
}

func TestRefund_PaysSenderOnce(t *testing.T) {
	f, sig := rejectedDeposit(t)
	ctx := context.Background()

	rejected, err := f.svc.RejectedDeposits(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, sig, rejected[0].Signature)

	res, err := f.svc.Refund(ctx, strings.ToUpper(sig[:2])+sig[2:])
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(d("200")))

	f.tr.mu.Lock()
	require.NotEmpty(t, f.tr.payouts)
	assert.Equal(t, alice, f.tr.payouts[0].to)
	assert.True(t, f.tr.payouts[0].amount.Equal(d("200")), "refunds carry no fee")
	f.tr.mu.Unlock()

	dep, _ := f.store.FindTransaction(ctx, sig)
	assert.Equal(t, store.StatusRefunded, dep.Status)
	ref, err := f.store.FindTransaction(ctx, res.TxSignature)
	require.NoError(t, err)
	assert.Equal(t, store.TxRefund, ref.Type)
	assert.Equal(t, sig, ref.RelatedSignature)

	_, err = f.svc.Refund(ctx, sig)
	assert.ErrorIs(t, err, ErrNotRefundable)
	assert.Equal(t, 1, f.tr.count("net"))
	assert.True(t, f.tvl(t).Equal(d("900")), "refunds never touch the vault's TVL")

	rejected, _ = f.svc.RejectedDeposits(ctx, 0)
	assert.Empty(t, rejected)
}

func TestRefund_OnlyRejectedDeposits(t *testing.T) {
	f := newFixture(t, "100000", "100000")
	ctx := context.Background()
	sig := f.onChainDeposit(alice, "10")
	_, err := f.svc.Deposit(ctx, "stable", sig, alice.Hex(), d("10"))
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, sig)
	assert.ErrorIs(t, err, ErrNotRefundable)
	_, err = f.svc.Refund(ctx, "0x"+strings.Repeat("ef", 32))
	assert.ErrorIs(t, err, ErrNotRefundable)
	assert.Zero(t, f.tr.count("net"))
}

func TestRefund_FailedTransferStaysRefundable(t *testing.T) {
	f, sig := rejectedDeposit(t)
	ctx := context.Background()

	f.tr.err = assert.AnError
	_, err := f.svc.Refund(ctx, sig)
	require.ErrorIs(t, err, assert.AnError)

	dep, _ := f.store.FindTransaction(ctx, sig)
	assert.Equal(t, store.StatusRejected, dep.Status)
}

func TestRefund_RevertedPendingRefundIsQueuedAgain(t *testing.T) {
	f, sig := rejectedDeposit(t)
	ctx := context.Background()

	f.tr.pending = true
	res, err := f.svc.Refund(ctx, sig)
	require.ErrorIs(t, err, ErrDisbursementPending)
	require.NotNil(t, res)

	dep, _ := f.store.FindTransaction(ctx, sig)
	assert.Equal(t, store.StatusRefunded, dep.Status)

	h := common.HexToHash(res.TxSignature)
	f.chain.set(h, &chain.TxStatus{Hash: h, Confirmed: true, Failed: true})
	waiting, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, waiting)

	dep, _ = f.store.FindTransaction(ctx, sig)
	assert.Equal(t, store.StatusRejected, dep.Status)
	ref, _ := f.store.FindTransaction(ctx, res.TxSignature)
	assert.Equal(t, store.StatusFailed, ref.Status)

	f.tr.pending = false
	_, err = f.svc.Refund(ctx, sig)
	require.NoError(t, err)
}

func TestRefund_ConfirmedPendingRefund(t *testing.T) {
	f, sig := rejectedDeposit(t)
	ctx := context.Background()

	f.tr.pending = true
	res, err := f.svc.Refund(ctx, sig)
	require.ErrorIs(t, err, ErrDisbursementPending)

	h := common.HexToHash(res.TxSignature)
	f.chain.set(h, &chain.TxStatus{Hash: h, Confirmed: true})
	waiting, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, waiting)

	ref, _ := f.store.FindTransaction(ctx, res.TxSignature)
	assert.Equal(t, store.StatusConfirmed, ref.Status)
	dep, _ := f.store.FindTransaction(ctx, sig)
	assert.Equal(t, store.StatusRefunded, dep.Status)
}
