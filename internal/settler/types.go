package settler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratafi/vault-engine/internal/x402"
)

// Redis keys
const (
	QueueKey = "payment:settle:queue"
	DLQKey   = "payment:settle:dlq"
)

// Job is a verified payment whose settlement still has to be broadcast.
type Job struct {
	PaymentID    string              `json:"paymentId"`
	ProofID      string              `json:"proofId"`
	Payload      x402.PaymentPayload `json:"payload"`
	Requirements x402.Requirements   `json:"requirements"`
	Attempts     int                 `json:"attempts"`
	EnqueuedAt   time.Time           `json:"enqueuedAt"`
	LastError    string              `json:"lastError,omitempty"`
}

// Queue pushes jobs onto the Redis settlement queue.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue { return &Queue{rdb: rdb} }

func (q *Queue) Enqueue(ctx context.Context, j Job) error {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, QueueKey, raw).Err()
}
