package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// WarmupState прогревает L1 (RAM) и L2 (Redis-сет) списком ids из базы.
// L1 обновляется всегда; L2 досыпает только инстанс, взявший SetNX-блокировку.
// SADD идемпотентен, поэтому повторный прогрев не портит сет.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	updateL1(ids)

	if len(ids) == 0 {
		return nil
	}

	ok, err := rdb.SetNX(ctx, lockKey, "warming", warmupLockTTL).Result()
	if err != nil {
		// L1 уже заполнен, без Redis шлюз работает, просто без L2
		logger.Warn("warm-up lock unavailable, skipping L2", zap.String("key", lockKey), zap.Error(err))
		return nil
	}
	if !ok {
		return nil // Другой инстанс уже греет сет
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	added, err := rdb.SAdd(ctx, redisKey, members...).Result()
	if err != nil {
		return err
	}
	logger.Info("redis set warmed up from DB",
		zap.String("key", redisKey), zap.Int("total", len(ids)), zap.Int64("added", added))
	return nil
}
