package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/store"
)

// fate is what the chain says about one pending payout.
type fate int

const (
	unresolved fate = iota
	landed
	reverted
	dropped
)

// holds reports whether a pending rec blocks its position. Fee legs only move
// operator funds, so the user may carry on while one is in flight.
func holds(rec store.TxRecord) bool { return rec.Type != store.TxFee }

// checkPending refuses to touch a locked position while one of its payouts
// is unresolved. It makes no chain calls.
func checkPending(ctx context.Context, tx store.PositionTx) error {
	recs, err := tx.PendingTransactions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if holds(rec) {
			return fmt.Errorf("%w: %s", ErrDisbursementPending, rec.Signature)
		}
	}
	return nil
}

// settlePending resolves the position's pending payouts and commits the
// result on its own, so a later rejection of the caller's operation does not
// undo it. ErrDisbursementPending means a payout is still in flight.
func (s *Service) settlePending(ctx context.Context, vaultID, user string) error {
	waiting, err := s.resolvePosition(ctx, vaultID, user)
	if err != nil {
		return err
	}
	for _, rec := range waiting {
		if holds(rec) {
			return fmt.Errorf("%w: %s", ErrDisbursementPending, rec.Signature)
		}
	}
	return nil
}

// resolvePosition reads the fate of every pending payout of the position
// from the chain without holding the position lock, then takes the lock once
// to book what it saw. It returns the records still waiting.
func (s *Service) resolvePosition(ctx context.Context, vaultID, user string) ([]store.TxRecord, error) {
	var recs []store.TxRecord
	err := s.store.WithPosition(ctx, vaultID, user, func(tx store.PositionTx) error {
		var err error
		recs, err = tx.PendingTransactions(ctx)
		return err
	})
	if err != nil || len(recs) == 0 {
		return nil, err
	}

	now := s.clock.Now()
	seen := make(map[string]fate, len(recs))
	for _, rec := range recs {
		f, err := s.observe(ctx, rec, now)
		if err != nil {
			return nil, err
		}
		seen[rec.Signature] = f
	}

	var waiting []store.TxRecord
	err = s.store.WithPosition(ctx, vaultID, user, func(tx store.PositionTx) error {
		cur, err := tx.PendingTransactions(ctx)
		if err != nil {
			return err
		}
		for _, rec := range cur {
			f, ok := seen[rec.Signature]
			if !ok || f == unresolved {
				waiting = append(waiting, rec)
				continue
			}
			if err := s.book(ctx, tx, rec, f, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return waiting, nil
}

// observe asks the chain about rec. A hash the node has never seen counts as
// dropped only once PendingGrace has passed.
func (s *Service) observe(ctx context.Context, rec store.TxRecord, now time.Time) (fate, error) {
	st, err := s.chain.GetTransaction(ctx, common.HexToHash(rec.Signature))
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		if now.Sub(rec.CreatedAt) < s.opts.PendingGrace {
			return unresolved, nil
		}
		return dropped, nil
	case err != nil:
		return unresolved, fmt.Errorf("resolve %s: %w", rec.Signature, err)
	case !st.Confirmed:
		return unresolved, nil
	case st.Failed:
		return reverted, nil
	}
	return landed, nil
}

func (s *Service) book(ctx context.Context, tx store.PositionTx, rec store.TxRecord, f fate, now time.Time) error {
	switch f {
	case dropped:
		s.log.Warn("pending payout dropped by the network",
			zap.String("vault", rec.VaultID),
			zap.String("user", rec.UserAddress),
			zap.String("type", string(rec.Type)),
			zap.String("tx", rec.Signature),
		)
		return markFailed(ctx, tx, rec)
	case reverted:
		s.log.Warn("pending payout reverted",
			zap.String("vault", rec.VaultID),
			zap.String("user", rec.UserAddress),
			zap.String("type", string(rec.Type)),
			zap.String("tx", rec.Signature),
		)
		return markFailed(ctx, tx, rec)
	}

	if err := s.applyConfirmed(ctx, tx, rec, now); err != nil {
		return err
	}
	if err := tx.SetTransactionStatus(ctx, rec.Signature, store.StatusConfirmed); err != nil {
		return err
	}
	s.log.Info("pending payout confirmed",
		zap.String("vault", rec.VaultID),
		zap.String("user", rec.UserAddress),
		zap.String("type", string(rec.Type)),
		zap.String("tx", rec.Signature),
	)
	return nil
}

// applyConfirmed books a payout that turned out to have succeeded.
func (s *Service) applyConfirmed(ctx context.Context, tx store.PositionTx, rec store.TxRecord, now time.Time) error {
	switch rec.Type {
	case store.TxRefund:
		s.metrics.Disbursed(rec.VaultID, "refund", rec.Amount.InexactFloat64())
		return nil
	case store.TxFee:
		s.metrics.Disbursed(rec.VaultID, "fee", rec.Amount.InexactFloat64())
		return nil
	}
	p, ok := tx.Position()
	if !ok {
		return fmt.Errorf("resolve %s: position missing", rec.Signature)
	}
	v := tx.Vault()
	switch rec.Type {
	case store.TxWithdrawal:
		if err := s.applyWithdrawal(ctx, tx, p, v, rec, now); err != nil {
			return err
		}
		s.metrics.Disbursed(rec.VaultID, "withdrawal", rec.Amount.Sub(rec.Fee).InexactFloat64())
	case store.TxClaim:
		applyClaim(&p, rec.Amount, rec.CreatedAt)
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		s.metrics.Disbursed(rec.VaultID, "claim", rec.Amount.InexactFloat64())
	default:
		return fmt.Errorf("resolve %s: unexpected pending %s record", rec.Signature, rec.Type)
	}
	return nil
}

// markFailed records a payout that never happened. A failed refund puts its
// deposit back in the refund queue.
func markFailed(ctx context.Context, tx store.PositionTx, rec store.TxRecord) error {
	if err := tx.SetTransactionStatus(ctx, rec.Signature, store.StatusFailed); err != nil {
		return err
	}
	if rec.Type == store.TxRefund && rec.RelatedSignature != "" {
		return tx.SetTransactionStatus(ctx, rec.RelatedSignature, store.StatusRejected)
	}
	return nil
}

// Reconcile resolves pending payouts across all positions. It returns how
// many positions are still waiting on the chain.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	recs, err := s.store.ListTransactionsByStatus(ctx, store.StatusPending, 500)
	if err != nil {
		return 0, err
	}

	type key struct{ vault, user string }
	seen := make(map[key]bool)
	waiting := 0
	for _, rec := range recs {
		k := key{rec.VaultID, rec.UserAddress}
		if seen[k] {
			continue
		}
		seen[k] = true

		left, err := s.resolvePosition(ctx, rec.VaultID, rec.UserAddress)
		switch {
		case err != nil:
			s.log.Error("reconcile position",
				zap.String("vault", rec.VaultID),
				zap.String("user", rec.UserAddress),
				zap.Error(err),
			)
		case len(left) > 0:
			waiting++
		}
	}
	return waiting, nil
}

// RunReconciler periodically resolves pending payouts until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("reconciler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			waiting, err := s.Reconcile(ctx)
			if err != nil {
				s.log.Error("reconciler: list pending", zap.Error(err))
				continue
			}
			if waiting > 0 {
				s.log.Info("reconciler: payouts still pending", zap.Int("positions", waiting))
			}
		}
	}
}
