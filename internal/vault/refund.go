package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/store"
	"github.com/stratafi/vault-engine/internal/treasury"
)

var ErrNotRefundable = errors.New("not a refundable deposit")

type RefundResult struct {
	DepositSignature string          `json:"depositSignature"`
	TxSignature      string          `json:"txSignature"`
	Amount           decimal.Decimal `json:"amount"`
}

// RejectedDeposits lists deposits refused for capacity that have not been
// refunded yet, oldest first.
func (s *Service) RejectedDeposits(ctx context.Context, limit int) ([]store.TxRecord, error) {
	recs, err := s.store.ListTransactionsByStatus(ctx, store.StatusRejected, limit)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Type == store.TxDeposit {
			out = append(out, r)
		}
	}
	return out, nil
}

// Refund returns a rejected deposit to its sender from the vault treasury.
// The deposit moves to refunded and a refund record is appended in the same
// ledger transaction. If the transfer is broadcast but unconfirmed the
// refund is recorded as pending and ErrDisbursementPending is returned with
// the result; the reconciler finishes it.
func (s *Service) Refund(ctx context.Context, depositSignature string) (*RefundResult, error) {
	sig := strings.ToLower(depositSignature)
	rec, err := s.store.FindTransaction(ctx, sig)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s is not in the ledger", ErrNotRefundable, sig)
	}
	if err != nil {
		return nil, err
	}
	if rec.Type != store.TxDeposit || rec.Status != store.StatusRejected {
		return nil, fmt.Errorf("%w: %s is a %s %s", ErrNotRefundable, sig, rec.Status, rec.Type)
	}

	// The transfer cannot be taken back once sent.
	ctx = context.WithoutCancel(ctx)

	var (
		res     *RefundResult
		pending error
	)
	err = s.store.WithPosition(ctx, rec.VaultID, rec.UserAddress, func(tx store.PositionTx) error {
		cur, err := tx.FindTransaction(ctx, sig)
		if err != nil {
			return err
		}
		if cur.Status != store.StatusRejected {
			return fmt.Errorf("%w: %s is already %s", ErrNotRefundable, sig, cur.Status)
		}

		refund := store.TxRecord{
			VaultID:          rec.VaultID,
			UserAddress:      rec.UserAddress,
			Type:             store.TxRefund,
			Amount:           rec.Amount,
			RelatedSignature: sig,
			CreatedAt:        s.clock.Now(),
		}
		out, err := s.treasury.Disburse(ctx, rec.VaultID, common.HexToAddress(rec.UserAddress), rec.Amount, decimal.Zero, common.Address{})
		var pe *treasury.PendingError
		switch {
		case errors.As(err, &pe):
			refund.Status = store.StatusPending
			refund.Signature = strings.ToLower(pe.TxHash.Hex())
			pending = fmt.Errorf("%w: %s", ErrDisbursementPending, pe.TxHash.Hex())
		case err != nil:
			return err
		default:
			refund.Status = store.StatusConfirmed
			refund.Signature = strings.ToLower(out.TxSignature)
			s.metrics.Disbursed(rec.VaultID, "refund", rec.Amount.InexactFloat64())
		}

		if err := tx.SetTransactionStatus(ctx, sig, store.StatusRefunded); err != nil {
			s.log.Error("refund sent but ledger update failed",
				zap.String("deposit", sig),
				zap.String("tx", refund.Signature),
				zap.Error(err),
			)
			return err
		}
		if err := tx.AppendTransaction(ctx, refund); err != nil {
			s.log.Error("refund sent but ledger update failed",
				zap.String("deposit", sig),
				zap.String("tx", refund.Signature),
				zap.Error(err),
			)
			return err
		}
		res = &RefundResult{DepositSignature: sig, TxSignature: refund.Signature, Amount: rec.Amount}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("deposit refunded",
		zap.String("vault", rec.VaultID),
		zap.String("user", rec.UserAddress),
		zap.String("deposit", sig),
		zap.String("tx", res.TxSignature),
		zap.Bool("pending", pending != nil),
	)
	return res, pending
}
