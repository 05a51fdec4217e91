package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

type RateLimitResult struct {
	Allowed   bool
	Remaining int64
	RetryIn   time.Duration
}

// slidingWindow admits a request when fewer than limit entries fall inside
// the window. On rejection it returns the oldest score so the caller knows
// when a slot frees up.
var slidingWindow = goredis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call("zremrangebyscore", key, "-inf", window_start)
	local current = redis.call("zcard", key)

	if current < limit then
		redis.call("zadd", key, now, member)
		redis.call("pexpire", key, window_ms)
		return {1, limit - current - 1}
	end

	local oldest = redis.call("zrange", key, 0, 0, "WITHSCORES")
	if #oldest > 0 then
		return {0, 0, oldest[2]}
	end
	return {0, 0, 0}
`)

// RateLimiter is a sliding-window limiter shared by every instance using the same Redis.
type RateLimiter struct {
	client    *Client
	keyPrefix string
	now       func() time.Time
}

func NewRateLimiter(client *Client, keyPrefix string) *RateLimiter {
	if keyPrefix == "" {
		keyPrefix = "clover:ratelimit:"
	}
	return &RateLimiter{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (r *RateLimiter) windowKey(key string) string {
	return r.keyPrefix + key
}

func (r *RateLimiter) blockKey(key string) string {
	return r.keyPrefix + key + ":block"
}

// BlockFor rejects every request for key until d elapses, e.g. after a 429 Retry-After.
func (r *RateLimiter) BlockFor(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return r.client.rdb.Set(ctx, r.blockKey(key), "1", d).Err()
}

func (r *RateLimiter) blockedFor(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.rdb.PTTL(ctx, r.blockKey(key)).Result()
	if err != nil {
		return 0, err
	}
	// PTTL returns -2 for a missing key and -1 for a key without expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	if blocked, err := r.blockedFor(ctx, key); err != nil {
		return nil, err
	} else if blocked > 0 {
		return &RateLimitResult{Allowed: false, RetryIn: blocked}, nil
	}

	now := r.now()
	result, err := slidingWindow.Run(ctx, r.client.rdb, []string{r.windowKey(key)},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		limit,
		window.Milliseconds(),
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Slice()
	if err != nil {
		return nil, err
	}
	return parseWindowResult(result, now, window)
}

func parseWindowResult(result []any, now time.Time, window time.Duration) (*RateLimitResult, error) {
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected rate limit script result: %v", result)
	}
	allowed, err := toInt64(result[0])
	if err != nil {
		return nil, err
	}
	remaining, err := toInt64(result[1])
	if err != nil {
		return nil, err
	}

	res := &RateLimitResult{Allowed: allowed == 1, Remaining: remaining}
	if !res.Allowed && len(result) > 2 {
		oldest, err := toInt64(result[2])
		if err != nil {
			return nil, err
		}
		if oldest > 0 {
			res.RetryIn = time.UnixMilli(oldest).Add(window).Sub(now)
		}
		if res.RetryIn <= 0 {
			res.RetryIn = time.Millisecond
		}
	}
	return res, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		// WITHSCORES replies come back as strings
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return parsed, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
