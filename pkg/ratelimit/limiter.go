package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Limiter throttles outbound calls per key, typically "<integration>:<user>".
type Limiter interface {
	// Wait blocks until a request for key may proceed.
	Wait(ctx context.Context, key string) error
	// Block holds back every request for key for d, after the remote side asked us to back off.
	Block(ctx context.Context, key string, d time.Duration) error
}

// Limit is a request budget per window.
type Limit struct {
	Requests int64
	Window   time.Duration
}

// DefaultLimits stay below the published per-app quotas of each vendor.
var DefaultLimits = map[models.IntegrationType]Limit{
	models.IntegrationSalesforce: {Requests: 25, Window: time.Second},
	models.IntegrationHubSpot:    {Requests: 90, Window: 10 * time.Second},
	models.IntegrationSAPB1:      {Requests: 20, Window: time.Second},
	models.IntegrationSAPS4:      {Requests: 20, Window: time.Second},
}

func Key(integrationType models.IntegrationType, userID string) string {
	return fmt.Sprintf("%s:%s", integrationType, userID)
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("invalid Retry-After value: %s", value)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, nil
	}
	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}

// Noop never throttles.
type Noop struct{}

func (Noop) Wait(context.Context, string) error                 { return nil }
func (Noop) Block(context.Context, string, time.Duration) error { return nil }
