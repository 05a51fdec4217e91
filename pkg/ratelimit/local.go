package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token bucket per key. It suits single-instance
// deployments; use RedisLimiter when several instances share quotas.
type LocalLimiter struct {
	limits   map[models.IntegrationType]Limit
	fallback Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	blocked map[string]time.Time
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewLocalLimiter(limits map[models.IntegrationType]Limit) *LocalLimiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &LocalLimiter{
		limits:   limits,
		fallback: Limit{Requests: 10, Window: time.Second},
		buckets:  map[string]*rate.Limiter{},
		blocked:  map[string]time.Time{},
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func (l *LocalLimiter) limitFor(key string) Limit {
	integration, _, _ := strings.Cut(key, ":")
	if limit, ok := l.limits[models.IntegrationType(integration)]; ok && limit.Requests > 0 && limit.Window > 0 {
		return limit
	}
	return l.fallback
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		limit := l.limitFor(key)
		every := rate.Every(limit.Window / time.Duration(limit.Requests))
		b = rate.NewLimiter(every, int(limit.Requests))
		l.buckets[key] = b
	}
	return b
}

func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	until, isBlocked := l.blocked[key]
	l.mu.Unlock()
	if isBlocked {
		if d := until.Sub(l.now()); d > 0 {
			if err := l.sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	return l.bucket(key).Wait(ctx)
}

func (l *LocalLimiter) Block(_ context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if current, ok := l.blocked[key]; !ok || until.After(current) {
		l.blocked[key] = until
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
