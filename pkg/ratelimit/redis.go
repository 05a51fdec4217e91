package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
)

// RedisLimiter shares a sliding window across instances.
type RedisLimiter struct {
	limiter *redis.RateLimiter
	limits  map[models.IntegrationType]Limit
	maxWait time.Duration
	logger  ectologger.Logger
}

func NewRedisLimiter(limiter *redis.RateLimiter, limits map[models.IntegrationType]Limit, maxWait time.Duration, logger ectologger.Logger) *RedisLimiter {
	if limits == nil {
		limits = DefaultLimits
	}
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &RedisLimiter{limiter: limiter, limits: limits, maxWait: maxWait, logger: logger}
}

func (r *RedisLimiter) Wait(ctx context.Context, key string) error {
	integration, _, _ := strings.Cut(key, ":")
	limit, ok := r.limits[models.IntegrationType(integration)]
	if !ok {
		return nil
	}

	deadline := time.Now().Add(r.maxWait)
	for {
		res, err := r.limiter.Allow(ctx, key, limit.Requests, limit.Window)
		if err != nil {
			// Fail open.
			r.logger.WithContext(ctx).WithError(err).Warn("rate limiter unavailable, allowing request")
			return nil
		}
		if res.Allowed {
			return nil
		}
		if time.Now().Add(res.RetryIn).After(deadline) {
			return fmt.Errorf("rate limit for %s would exceed max wait of %v", key, r.maxWait)
		}
		r.logger.WithContext(ctx).Debugf("rate limited on %s, waiting %v", key, res.RetryIn)
		if err := sleepContext(ctx, res.RetryIn); err != nil {
			return err
		}
	}
}

func (r *RedisLimiter) Block(ctx context.Context, key string, d time.Duration) error {
	return r.limiter.BlockFor(ctx, key, d)
}
