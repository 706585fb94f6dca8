package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is the shared-store fixed-window limiter for multi-process
// deployments. It uses the INCR+EXPIRE pipeline pattern; Redis reaps expired
// windows itself, so no sweep is needed.
type RedisLimiter struct {
	client *redis.Client
	config *ConfigStore
}

func NewRedisLimiter(client *redis.Client, config *ConfigStore) *RedisLimiter {
	return &RedisLimiter{client: client, config: config}
}

// Check implements Limiter.
func (l *RedisLimiter) Check(ctx context.Context, bucket, key string) (Result, error) {
	cfg := l.config.Get(bucket)
	if !cfg.Enabled {
		return Result{Allowed: true, Limit: cfg.MaxRequests, Remaining: cfg.MaxRequests}, nil
	}

	redisKey := fmt.Sprintf("ratelimit:%s:%s", bucket, key)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	count := int(incr.Val())
	if count > cfg.MaxRequests {
		ttl, err := l.client.TTL(ctx, redisKey).Result()
		if err != nil || ttl < 0 {
			ttl = cfg.Window
		}
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxRequests,
			Remaining:  0,
			ResetAt:    time.Now().Add(ttl),
			RetryAfter: ttl,
		}, nil
	}

	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: remaining,
		ResetAt:   time.Now().Add(cfg.Window),
	}, nil
}
