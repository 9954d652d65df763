package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 只有持有者才能释放锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunGuard 保证同一用户同一时间只有一个同步任务
type RunGuard struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRunGuard rdb 为 nil 时所有 Acquire 都成功
func NewRunGuard(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RunGuard {
	return &RunGuard{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire tries to take the sync lock for userID.
// Returns ok=false if another run for the same user holds it. The returned
// release func is always safe to call.
func (g *RunGuard) Acquire(ctx context.Context, userID int64, token string) (release func(), ok bool) {
	noop := func() {}
	if g == nil || g.rdb == nil {
		return noop, true
	}

	key := fmt.Sprintf("sync:lock:%d", userID)
	ok, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止同步
		g.logger.Warn("Redis run guard failed, allowing sync",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return noop, true
	}

	if !ok {
		g.logger.Info("Sync already running for user",
			zap.Int64("user_id", userID),
			zap.String("lock_key", key),
		)
		return noop, false
	}

	return func() {
		// 请求的 ctx 可能已经取消，用独立的 ctx 释放
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, g.rdb, []string{key}, token).Err(); err != nil {
			g.logger.Warn("Failed to release sync lock",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		}
	}, true
}
