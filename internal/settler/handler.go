package settler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/facilitator"
	"github.com/stratafi/vault-engine/internal/metrics"
	"github.com/stratafi/vault-engine/internal/x402"
)

// Facilitator settles a payment on chain. *facilitator.Client satisfies it.
type Facilitator interface {
	Settle(ctx context.Context, pl x402.PaymentPayload, req x402.Requirements) (*facilitator.SettleResponse, error)
}

// Recorder marks a payment settled. store.Store satisfies it.
type Recorder interface {
	MarkPaymentSettled(ctx context.Context, paymentID, settlementTx string) error
}

type Options struct {
	MaxAttempts int
	Metrics     *metrics.Metrics
}

// Outcome of handling one job.
type Outcome int

const (
	Settled Outcome = iota
	Requeued
	DeadLettered
)

// Handle settles one raw queue item. A failed attempt goes back on the tail
// of the queue until MaxAttempts, then to the DLQ. A facilitator rejection
// is final and goes to the DLQ at once.
func Handle(ctx context.Context, rdb *redis.Client, fac Facilitator, rec Recorder, o Options, raw string, log *zap.Logger) Outcome {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		rdb.RPush(ctx, DLQKey, raw)
		log.Error("settler: unreadable job moved to dlq", zap.String("raw", raw), zap.Error(err))
		o.Metrics.Settlement("dead_lettered")
		return DeadLettered
	}

	res, err := fac.Settle(ctx, j.Payload, j.Requirements)
	if err == nil {
		if err := rec.MarkPaymentSettled(ctx, j.PaymentID, res.Transaction); err != nil {
			// Funds moved; only the bookkeeping is behind.
			log.Error("settler: payment settled but not recorded",
				zap.String("payment", j.PaymentID),
				zap.String("tx", res.Transaction),
				zap.Error(err),
			)
		} else {
			log.Info("payment settled",
				zap.String("payment", j.PaymentID),
				zap.String("proof", j.ProofID),
				zap.String("tx", res.Transaction),
				zap.Int("attempts", j.Attempts+1),
			)
		}
		o.Metrics.Settlement("ok")
		return Settled
	}

	j.Attempts++
	j.LastError = err.Error()
	next, _ := json.Marshal(j)

	rejected := errors.Is(err, facilitator.ErrRejected)
	if rejected || j.Attempts >= o.MaxAttempts {
		rdb.RPush(ctx, DLQKey, string(next))
		log.Error("settler: giving up on payment",
			zap.String("payment", j.PaymentID),
			zap.String("proof", j.ProofID),
			zap.Int("attempts", j.Attempts),
			zap.Bool("rejected", rejected),
			zap.Error(err),
		)
		o.Metrics.Settlement("dead_lettered")
		return DeadLettered
	}

	rdb.RPush(ctx, QueueKey, string(next))
	log.Warn("settler: settlement failed, requeued",
		zap.String("payment", j.PaymentID),
		zap.Int("attempts", j.Attempts),
		zap.Error(err),
	)
	o.Metrics.Settlement("retry")
	return Requeued
}
