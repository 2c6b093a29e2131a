// Package treasury moves settlement tokens out of vault treasuries.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/accrual"
	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/keystore"
)

var (
	ErrSignerUnavailable   = errors.New("treasury signer unavailable")
	ErrTransferFailed      = errors.New("treasury transfer failed")
	ErrConfirmationTimeout = errors.New("treasury transfer not confirmed in time")
)

// PendingError reports a transfer that was broadcast but whose confirmation
// was not observed. The transfer may still land; callers must reconcile
// TxHash before paying again.
type PendingError struct {
	TxHash common.Hash
	Cause  error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transfer %s pending: %v", e.TxHash.Hex(), e.Cause)
}

func (e *PendingError) Is(target error) bool { return target == ErrConfirmationTimeout }

func (e *PendingError) Unwrap() error { return e.Cause }

// Result describes a completed disbursement. Amounts are in token units.
type Result struct {
	TxSignature    string
	FeeTxSignature string
	NetAmount      decimal.Decimal
	Fee            decimal.Decimal
	// FeeFailed is set when the recipient was paid but the fee leg did not
	// confirm. The fee stays in the treasury.
	FeeFailed bool
}

// tokenTransactor is the chain surface the treasury drives. *chain.Client
// satisfies it.
type tokenTransactor interface {
	Transfer(ctx context.Context, from common.Address, sign bind.SignerFn, to common.Address, amount *big.Int) (*types.Transaction, error)
	WaitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	ChainID() *big.Int
}

var _ tokenTransactor = (*chain.Client)(nil)

type Options struct {
	Decimals       int32
	ConfirmTimeout time.Duration
	// Addresses maps vault ID to treasury address for balance reads on
	// vaults that have no signer configured.
	Addresses map[string]common.Address
}

type Treasury struct {
	chain          tokenTransactor
	signers        map[string]keystore.Signer
	rewards        keystore.Signer
	addresses      map[string]common.Address
	decimals       int32
	confirmTimeout time.Duration
	log            *zap.Logger

	mu     sync.Mutex
	nonces map[common.Address]*sync.Mutex
}

func New(c tokenTransactor, keys *keystore.Set, o Options, log *zap.Logger) *Treasury {
	if o.ConfirmTimeout == 0 {
		o.ConfirmTimeout = 90 * time.Second
	}
	t := &Treasury{
		chain:          c,
		signers:        map[string]keystore.Signer{},
		addresses:      map[string]common.Address{},
		decimals:       o.Decimals,
		confirmTimeout: o.ConfirmTimeout,
		log:            log,
		nonces:         map[common.Address]*sync.Mutex{},
	}
	if keys != nil {
		for id, s := range keys.Vaults {
			t.signers[id] = s
		}
		t.rewards = keys.Rewards
	}
	for id, a := range o.Addresses {
		t.addresses[id] = a
	}
	return t
}

// SplitFee returns (fee, net) for a gross withdrawal. The fee is truncated
// to the token's precision so net+fee always equals gross exactly.
func SplitFee(gross, feePercent decimal.Decimal, decimals int32) (fee, net decimal.Decimal) {
	fee = accrual.TruncateToToken(gross.Mul(feePercent).Div(decimal.NewFromInt(100)), decimals)
	if fee.IsNegative() {
		fee = decimal.Zero
	}
	return fee, gross.Sub(fee)
}

func (t *Treasury) treasuryAddress(vaultID string) (common.Address, bool) {
	if s, ok := t.signers[vaultID]; ok {
		return s.Address(), true
	}
	a, ok := t.addresses[vaultID]
	return a, ok
}

// Balance returns the vault treasury's token balance.
func (t *Treasury) Balance(ctx context.Context, vaultID string) (decimal.Decimal, error) {
	addr, ok := t.treasuryAddress(vaultID)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no treasury for vault %s", ErrSignerUnavailable, vaultID)
	}
	bal, err := t.chain.BalanceOf(ctx, addr)
	if err != nil {
		return decimal.Zero, err
	}
	return chain.FromBaseUnits(bal, t.decimals), nil
}

// Disburse pays gross minus the withdrawal fee to recipient and the fee to
// feeRecipient, from the vault's treasury. The net leg is sent first; its
// confirmation decides the outcome.
func (t *Treasury) Disburse(
	ctx context.Context,
	vaultID string,
	recipient common.Address,
	gross, feePercent decimal.Decimal,
	feeRecipient common.Address,
) (*Result, error) {
	signer, ok := t.signers[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", ErrSignerUnavailable, vaultID)
	}
	fee, net := SplitFee(gross, feePercent, t.decimals)

	hash, err := t.transferAndWait(ctx, signer, recipient, net)
	if err != nil {
		return nil, err
	}
	res := &Result{TxSignature: hash.Hex(), NetAmount: net, Fee: fee}

	if fee.IsPositive() && feeRecipient != (common.Address{}) {
		feeHash, err := t.transferAndWait(ctx, signer, feeRecipient, fee)
		if err != nil {
			res.FeeFailed = true
			var pe *PendingError
			if errors.As(err, &pe) {
				res.FeeTxSignature = pe.TxHash.Hex()
			}
			t.log.Error("fee transfer failed",
				zap.String("vault", vaultID),
				zap.String("net_tx", res.TxSignature),
				zap.String("fee", fee.String()),
				zap.Error(err),
			)
		} else {
			res.FeeTxSignature = feeHash.Hex()
		}
	}

	t.log.Info("disbursed",
		zap.String("vault", vaultID),
		zap.String("recipient", recipient.Hex()),
		zap.String("net", net.String()),
		zap.String("fee", fee.String()),
		zap.String("tx", res.TxSignature),
	)
	return res, nil
}

// DisburseReward pays amount to recipient without a fee, from the dedicated
// rewards key when one is configured and the vault treasury otherwise.
func (t *Treasury) DisburseReward(ctx context.Context, vaultID string, recipient common.Address, amount decimal.Decimal) (*Result, error) {
	signer := t.rewards
	if signer == nil {
		s, ok := t.signers[vaultID]
		if !ok {
			return nil, fmt.Errorf("%w: vault %s", ErrSignerUnavailable, vaultID)
		}
		signer = s
	}

	hash, err := t.transferAndWait(ctx, signer, recipient, amount)
	if err != nil {
		return nil, err
	}
	t.log.Info("reward disbursed",
		zap.String("vault", vaultID),
		zap.String("recipient", recipient.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx", hash.Hex()),
	)
	return &Result{TxSignature: hash.Hex(), NetAmount: amount, Fee: decimal.Zero}, nil
}

func (t *Treasury) nonceLock(addr common.Address) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.nonces[addr]
	if !ok {
		l = &sync.Mutex{}
		t.nonces[addr] = l
	}
	return l
}

// transferAndWait broadcasts one token transfer and waits for it. Anything
// that goes wrong after broadcast is a *PendingError: the transfer is out of
// our hands and may still confirm.
func (t *Treasury) transferAndWait(ctx context.Context, signer keystore.Signer, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	units := chain.ToBaseUnits(amount, t.decimals)
	if units.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: amount %s below token precision", ErrTransferFailed, amount)
	}

	from := signer.Address()
	sign := func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
		if addr != from {
			return nil, bind.ErrNotAuthorized
		}
		return signer.SignTx(ctx, tx, t.chain.ChainID())
	}

	l := t.nonceLock(from)
	l.Lock()
	tx, err := t.chain.Transfer(ctx, from, sign, to, units)
	l.Unlock()
	if err != nil {
		if errors.Is(err, keystore.ErrUnavailable) {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
		}
		return common.Hash{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	wctx, cancel := context.WithTimeout(ctx, t.confirmTimeout)
	defer cancel()
	receipt, err := t.chain.WaitConfirmed(wctx, tx.Hash())
	if err != nil {
		return tx.Hash(), &PendingError{TxHash: tx.Hash(), Cause: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%w: %s reverted", ErrTransferFailed, tx.Hash().Hex())
	}
	return tx.Hash(), nil
}
