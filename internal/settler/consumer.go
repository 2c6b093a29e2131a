package settler

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run is the settler loop: BLPOP → settle → requeue or dead-letter. A
// failed attempt pauses the loop for retryDelay.
func Run(ctx context.Context, rdb *redis.Client, fac Facilitator, rec Recorder, o Options, popTimeout, retryDelay time.Duration, log *zap.Logger) {
	log.Info("settler started", zap.String("queue", QueueKey), zap.Int("max_attempts", o.MaxAttempts))

	for {
		if ctx.Err() != nil {
			log.Info("settler stopped")
			return
		}

		results, err := rdb.BLPop(ctx, popTimeout, QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				log.Info("settler stopped")
				return
			}
			log.Error("settler: BLPOP error", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		if Handle(ctx, rdb, fac, rec, o, results[1], log) == Requeued {
			sleep(ctx, retryDelay)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
