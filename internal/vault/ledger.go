package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/accrual"
	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/store"
	"github.com/stratafi/vault-engine/internal/treasury"
)

type DepositResult struct {
	TxSignature string          `json:"txSignature"`
	Amount      decimal.Decimal `json:"amount"`
}

type WithdrawResult struct {
	TxSignature    string          `json:"txSignature"`
	FeeTxSignature string          `json:"feeTxSignature,omitempty"`
	NetAmount      decimal.Decimal `json:"netAmount"`
	Fee            decimal.Decimal `json:"fee"`
	// FeePending is set when the fee transfer was broadcast but not yet
	// confirmed.
	FeePending bool `json:"feePending,omitempty"`
}

type ClaimResult struct {
	TxSignature string          `json:"txSignature"`
	Amount      decimal.Decimal `json:"amount"`
}

// replayed answers a signature that is already in the ledger with the
// outcome it got the first time.
func replayed(rec store.TxRecord) error {
	switch rec.Status {
	case store.StatusRejected, store.StatusRefunded:
		return fmt.Errorf("%w: deposit %s was refused for capacity", ErrCapacityExceeded, rec.Signature)
	default:
		return &DuplicateDepositError{Original: rec}
	}
}

// ── Deposit ───────────────────────────────────────────────────────────────────

// Deposit credits a user's on-chain transfer into the vault treasury. The
// whole amount that reached the treasury is credited, which may exceed
// expected. A deposit that would breach a cap is recorded as rejected so the
// signature cannot be reused and operators can refund it.
func (s *Service) Deposit(ctx context.Context, vaultID, txSignature, userAddress string, expected decimal.Decimal) (*DepositResult, error) {
	res, err := s.deposit(ctx, vaultID, txSignature, userAddress, expected)
	s.metrics.LedgerOp("deposit", outcome(err))
	return res, err
}

func (s *Service) deposit(ctx context.Context, vaultID, txSignature, userAddress string, expected decimal.Decimal) (*DepositResult, error) {
	if !txHashRe.MatchString(txSignature) {
		return nil, invalid("txSignature must be a 32-byte hex transaction hash")
	}
	user, err := normalizeAddress(userAddress)
	if err != nil {
		return nil, err
	}
	if err := s.checkAmount("expectedAmount", expected); err != nil {
		return nil, err
	}
	sig := strings.ToLower(txSignature)

	v, err := s.vault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	// Replays are answered without touching the chain.
	if rec, err := s.store.FindTransaction(ctx, sig); err == nil {
		return nil, replayed(rec)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	amount, err := s.verifyDeposit(ctx, v, sig, common.HexToAddress(user), expected)
	if err != nil {
		return nil, err
	}
	if err := s.settlePending(ctx, vaultID, user); err != nil {
		return nil, err
	}

	var (
		res     *DepositResult
		refusal error
	)
	err = s.store.WithPosition(ctx, vaultID, user, func(tx store.PositionTx) error {
		if rec, err := tx.FindTransaction(ctx, sig); err == nil {
			return replayed(rec)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := checkPending(ctx, tx); err != nil {
			return err
		}

		v := tx.Vault()
		p, exists := tx.Position()
		now := s.clock.Now()
		if !exists {
			p = store.Position{VaultID: vaultID, UserAddress: user, LastClaimAt: now, AccrualCheckpoint: now}
		}

		refuse := func(reason string) error {
			refusal = fmt.Errorf("%w: %s", ErrCapacityExceeded, reason)
			return tx.AppendTransaction(ctx, store.TxRecord{
				VaultID:     vaultID,
				UserAddress: user,
				Type:        store.TxDeposit,
				Status:      store.StatusRejected,
				Amount:      amount,
				Signature:   sig,
				CreatedAt:   now,
			})
		}
		if p.DepositAmount.Add(amount).GreaterThan(v.MaxPerUser) {
			return refuse("per-user limit reached")
		}
		if err := tx.AddTVL(ctx, amount); errors.Is(err, store.ErrCapacity) {
			return refuse("vault is full")
		} else if err != nil {
			return err
		}

		s.fold(&p, v, now)
		p.DepositAmount = p.DepositAmount.Add(amount)
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, store.TxRecord{
			VaultID:     vaultID,
			UserAddress: user,
			Type:        store.TxDeposit,
			Status:      store.StatusConfirmed,
			Amount:      amount,
			Signature:   sig,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		res = &DepositResult{TxSignature: sig, Amount: amount}
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Another position recorded the same signature first.
		if rec, ferr := s.store.FindTransaction(ctx, sig); ferr == nil {
			return nil, replayed(rec)
		}
	}
	if err != nil {
		return nil, err
	}
	if refusal != nil {
		s.log.Warn("deposit refused, awaiting refund",
			zap.String("vault", vaultID),
			zap.String("user", user),
			zap.String("tx", sig),
			zap.String("amount", amount.String()),
			zap.Error(refusal),
		)
		return nil, refusal
	}

	s.log.Info("deposit recorded",
		zap.String("vault", vaultID),
		zap.String("user", user),
		zap.String("tx", sig),
		zap.String("amount", amount.String()),
	)
	return res, nil
}

// verifyDeposit checks sig on chain and returns the amount the vault
// treasury received.
func (s *Service) verifyDeposit(ctx context.Context, v store.Vault, sig string, user common.Address, expected decimal.Decimal) (decimal.Decimal, error) {
	st, err := s.chain.GetTransaction(ctx, common.HexToHash(sig))
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		return decimal.Zero, ErrDepositNotFound
	case err != nil:
		return decimal.Zero, fmt.Errorf("read deposit %s: %w", sig, err)
	case !st.Confirmed:
		return decimal.Zero, ErrDepositUnconfirmed
	case st.Failed:
		return decimal.Zero, ErrDepositFailed
	}

	treasuryAddr := common.HexToAddress(v.TreasuryAddress)
	received := chain.FromBaseUnits(st.DeltaFor(treasuryAddr, s.opts.Token), s.opts.Decimals)
	if received.LessThan(expected) {
		return decimal.Zero, fmt.Errorf("%w: treasury received %s, expected %s", ErrInsufficientAmount, received, expected)
	}

	for _, t := range st.Transfers {
		if t.Token == s.opts.Token && t.To == treasuryAddr && t.From == user {
			return received, nil
		}
	}
	return decimal.Zero, ErrSenderMismatch
}

// ── Withdraw ──────────────────────────────────────────────────────────────────

// Withdraw pays amount minus the withdrawal fee back to the user. The
// position stays locked across the payout.
func (s *Service) Withdraw(ctx context.Context, vaultID, userAddress string, amount decimal.Decimal) (*WithdrawResult, error) {
	res, err := s.withdraw(ctx, vaultID, userAddress, amount)
	s.metrics.LedgerOp("withdraw", outcome(err))
	return res, err
}

func (s *Service) withdraw(ctx context.Context, vaultID, userAddress string, amount decimal.Decimal) (*WithdrawResult, error) {
	user, err := normalizeAddress(userAddress)
	if err != nil {
		return nil, err
	}
	if err := s.checkAmount("amount", amount); err != nil {
		return nil, err
	}
	if _, err := s.vault(ctx, vaultID); err != nil {
		return nil, err
	}

	// Once a transfer is broadcast it must be recorded even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)
	if err := s.settlePending(ctx, vaultID, user); err != nil {
		return nil, err
	}

	var (
		res     *WithdrawResult
		pending error
	)
	err = s.store.WithPosition(ctx, vaultID, user, func(tx store.PositionTx) error {
		if err := checkPending(ctx, tx); err != nil {
			return err
		}
		p, ok := tx.Position()
		if !ok {
			return ErrPositionNotFound
		}
		if amount.GreaterThan(p.DepositAmount) {
			return fmt.Errorf("%w: deposit is %s", ErrInsufficientBalance, p.DepositAmount)
		}

		v := tx.Vault()
		now := s.clock.Now()
		out, err := s.treasury.Disburse(ctx, vaultID, common.HexToAddress(user), amount, s.opts.FeePercent, s.opts.FeeRecipient)
		var pe *treasury.PendingError
		if errors.As(err, &pe) {
			fee, _ := treasury.SplitFee(amount, s.opts.FeePercent, s.opts.Decimals)
			pending = fmt.Errorf("%w: %s", ErrDisbursementPending, pe.TxHash.Hex())
			s.fold(&p, v, now)
			if err := tx.SavePosition(ctx, p); err != nil {
				return err
			}
			return tx.AppendTransaction(ctx, store.TxRecord{
				VaultID:     vaultID,
				UserAddress: user,
				Type:        store.TxWithdrawal,
				Status:      store.StatusPending,
				Amount:      amount,
				Fee:         fee,
				Signature:   strings.ToLower(pe.TxHash.Hex()),
				CreatedAt:   now,
			})
		}
		if err != nil {
			return err
		}

		rec := store.TxRecord{
			VaultID:     vaultID,
			UserAddress: user,
			Type:        store.TxWithdrawal,
			Status:      store.StatusConfirmed,
			Amount:      amount,
			Fee:         out.Fee,
			Signature:   strings.ToLower(out.TxSignature),
			CreatedAt:   now,
		}
		s.fold(&p, v, now)
		if err := s.applyWithdrawal(ctx, tx, p, v, rec, now); err != nil {
			s.log.Error("withdrawal paid but ledger update failed",
				zap.String("vault", vaultID),
				zap.String("user", user),
				zap.String("tx", out.TxSignature),
				zap.String("amount", amount.String()),
				zap.Error(err),
			)
			return err
		}
		if err := tx.AppendTransaction(ctx, rec); err != nil {
			return err
		}
		// A fee leg that timed out may still land; it is booked pending and
		// left to the reconciler.
		if out.Fee.IsPositive() && out.FeeTxSignature != "" {
			status := store.StatusConfirmed
			if out.FeeFailed {
				status = store.StatusPending
			}
			if err := tx.AppendTransaction(ctx, store.TxRecord{
				VaultID:          vaultID,
				UserAddress:      user,
				Type:             store.TxFee,
				Status:           status,
				Amount:           out.Fee,
				Signature:        strings.ToLower(out.FeeTxSignature),
				RelatedSignature: rec.Signature,
				CreatedAt:        now,
			}); err != nil {
				return err
			}
		}

		res = &WithdrawResult{
			TxSignature:    out.TxSignature,
			FeeTxSignature: out.FeeTxSignature,
			NetAmount:      out.NetAmount,
			Fee:            out.Fee,
			FeePending:     out.FeeFailed && out.FeeTxSignature != "",
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, pending
	}

	s.metrics.Disbursed(vaultID, "withdrawal", res.NetAmount.InexactFloat64())
	if res.FeeTxSignature != "" && !res.FeePending {
		s.metrics.Disbursed(vaultID, "fee", res.Fee.InexactFloat64())
	}
	s.log.Info("withdrawal recorded",
		zap.String("vault", vaultID),
		zap.String("user", user),
		zap.String("tx", res.TxSignature),
		zap.String("gross", amount.String()),
		zap.String("fee", res.Fee.String()),
	)
	return res, nil
}

// applyWithdrawal reduces principal and TVL by the gross amount. Accrual is
// folded on the new principal from the last checkpoint, which for a
// reconciled withdrawal is when it was broadcast.
func (s *Service) applyWithdrawal(ctx context.Context, tx store.PositionTx, p store.Position, v store.Vault, rec store.TxRecord, now time.Time) error {
	p.DepositAmount = p.DepositAmount.Sub(rec.Amount)
	s.fold(&p, v, now)
	if err := tx.SavePosition(ctx, p); err != nil {
		return err
	}
	return tx.AddTVL(ctx, rec.Amount.Neg())
}

// ── Claim ─────────────────────────────────────────────────────────────────────

// Claim pays out accrued rewards, fee-free. On any failure the accrual stays
// claimable.
func (s *Service) Claim(ctx context.Context, vaultID, userAddress string) (*ClaimResult, error) {
	res, err := s.claim(ctx, vaultID, userAddress)
	s.metrics.LedgerOp("claim", outcome(err))
	return res, err
}

func (s *Service) claim(ctx context.Context, vaultID, userAddress string) (*ClaimResult, error) {
	user, err := normalizeAddress(userAddress)
	if err != nil {
		return nil, err
	}
	if _, err := s.vault(ctx, vaultID); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.settlePending(ctx, vaultID, user); err != nil {
		return nil, err
	}

	var (
		res     *ClaimResult
		pending error
	)
	err = s.store.WithPosition(ctx, vaultID, user, func(tx store.PositionTx) error {
		if err := checkPending(ctx, tx); err != nil {
			return err
		}
		p, ok := tx.Position()
		if !ok {
			return ErrPositionNotFound
		}

		v := tx.Vault()
		now := s.clock.Now()
		s.fold(&p, v, now)
		owed := accrual.TruncateToToken(p.AccruedRewards, s.opts.Decimals)
		if owed.LessThan(s.opts.MinClaim) || !owed.IsPositive() {
			return fmt.Errorf("%w: %s owed, minimum is %s", ErrBelowMinimumClaim, owed, s.opts.MinClaim)
		}

		out, err := s.treasury.DisburseReward(ctx, vaultID, common.HexToAddress(user), owed)
		var pe *treasury.PendingError
		if errors.As(err, &pe) {
			pending = fmt.Errorf("%w: %s", ErrDisbursementPending, pe.TxHash.Hex())
			if err := tx.SavePosition(ctx, p); err != nil {
				return err
			}
			return tx.AppendTransaction(ctx, store.TxRecord{
				VaultID:     vaultID,
				UserAddress: user,
				Type:        store.TxClaim,
				Status:      store.StatusPending,
				Amount:      owed,
				Signature:   strings.ToLower(pe.TxHash.Hex()),
				CreatedAt:   now,
			})
		}
		if err != nil {
			return err
		}

		applyClaim(&p, owed, now)
		if err := tx.SavePosition(ctx, p); err != nil {
			s.log.Error("claim paid but ledger update failed",
				zap.String("vault", vaultID),
				zap.String("user", user),
				zap.String("tx", out.TxSignature),
				zap.String("amount", owed.String()),
				zap.Error(err),
			)
			return err
		}
		if err := tx.AppendTransaction(ctx, store.TxRecord{
			VaultID:     vaultID,
			UserAddress: user,
			Type:        store.TxClaim,
			Status:      store.StatusConfirmed,
			Amount:      owed,
			Signature:   strings.ToLower(out.TxSignature),
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		res = &ClaimResult{TxSignature: out.TxSignature, Amount: owed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, pending
	}

	s.metrics.Disbursed(vaultID, "claim", res.Amount.InexactFloat64())
	s.log.Info("claim recorded",
		zap.String("vault", vaultID),
		zap.String("user", user),
		zap.String("tx", res.TxSignature),
		zap.String("amount", res.Amount.String()),
	)
	return res, nil
}

// applyClaim settles a paid claim against a position whose accrual has been
// folded. The sub-unit remainder stays in AccruedRewards.
func applyClaim(p *store.Position, paid decimal.Decimal, at time.Time) {
	p.AccruedRewards = p.AccruedRewards.Sub(paid)
	if p.AccruedRewards.IsNegative() {
		p.AccruedRewards = decimal.Zero
	}
	p.LastClaimAt = at
	p.TotalClaimed = p.TotalClaimed.Add(paid)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrDuplicateDeposit):
		return "duplicate"
	case errors.Is(err, ErrDisbursementPending):
		return "pending"
	case errors.Is(err, treasury.ErrSignerUnavailable), errors.Is(err, treasury.ErrTransferFailed):
		return "disbursement_failed"
	default:
		return "rejected"
	}
}
