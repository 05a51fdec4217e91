package apicaller

import (
	"context"
	stderrors "errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/ratelimit"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxAttempts = 3
	rateLimitStep      = 5 * time.Second
	backoffBase        = time.Second
)

type Request struct {
	Method string
	// Path is relative to the credential's base URL unless it is absolute.
	Path    string
	Query   url.Values
	Body    any
	Headers map[string]string
}

// Authorizer sets credentials on an outgoing request.
type Authorizer func(req *http.Request, cred *models.Credential) error

// Refresher renews a credential after the remote side rejected it.
type Refresher interface {
	ForceRefresh(ctx context.Context, cred *models.Credential) (*models.Credential, error)
}

type RefresherFunc func(ctx context.Context, cred *models.Credential) (*models.Credential, error)

func (f RefresherFunc) ForceRefresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return f(ctx, cred)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type Options struct {
	IntegrationType models.IntegrationType
	Client          *httpclient.Client
	Authorize       Authorizer
	BaseURL         func(cred *models.Credential) string
	Refresher       Refresher
	Limiter         ratelimit.Limiter
	MaxAttempts     int
	Sleep           Sleeper
	Logger          ectologger.Logger
	Now             func() time.Time
}

// Caller performs authenticated calls against one external system.
type Caller struct {
	integrationType models.IntegrationType
	client          *httpclient.Client
	authorize       Authorizer
	baseURL         func(cred *models.Credential) string
	refresher       Refresher
	limiter         ratelimit.Limiter
	maxAttempts     int
	sleep           Sleeper
	logger          ectologger.Logger
	now             func() time.Time
}

func New(opts Options) *Caller {
	c := &Caller{
		integrationType: opts.IntegrationType,
		client:          opts.Client,
		authorize:       opts.Authorize,
		baseURL:         opts.BaseURL,
		refresher:       opts.Refresher,
		limiter:         opts.Limiter,
		maxAttempts:     opts.MaxAttempts,
		sleep:           opts.Sleep,
		logger:          opts.Logger,
		now:             opts.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.limiter == nil {
		c.limiter = ratelimit.Noop{}
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.baseURL == nil {
		c.baseURL = func(cred *models.Credential) string { return cred.Settings.BaseURL }
	}
	return c
}

// Call performs a single attempt. Any non-2xx response becomes an *ApiError.
func (c *Caller) Call(ctx context.Context, req Request, cred *models.Credential) (*httpclient.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "Caller.Call",
		attribute.String("integration_type", string(c.integrationType)),
		attribute.String("http.method", req.Method),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx, ratelimit.Key(c.integrationType, cred.UserID)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ApiError{IntegrationType: c.integrationType, Method: req.Method, URL: req.Path, StatusCode: http.StatusTooManyRequests, Err: err}
	}

	target := httpclient.JoinURL(c.baseURL(cred), req.Path)
	httpReq, err := httpclient.NewJSONRequest(ctx, req.Method, target, req.Body, req.Query, req.Headers)
	if err != nil {
		return nil, err
	}
	if c.authorize != nil {
		if err := c.authorize(httpReq, cred); err != nil {
			return nil, err
		}
	}

	resp, err := c.client.Do(ctx, httpReq)
	if err != nil {
		metrics.RecordAPIRequest(string(c.integrationType), req.Method, "error", 0)
		apiErr := &ApiError{IntegrationType: c.integrationType, Method: req.Method, URL: httpReq.URL.Redacted(), Err: err}
		tracing.RecordError(span, apiErr)
		return nil, apiErr
	}
	metrics.RecordAPIRequest(string(c.integrationType), req.Method, strconv.Itoa(resp.StatusCode), resp.Duration.Seconds())

	if resp.IsSuccess() {
		return resp, nil
	}

	apiErr := &ApiError{
		IntegrationType: c.integrationType,
		Method:          req.Method,
		URL:             httpReq.URL.Redacted(),
		StatusCode:      resp.StatusCode,
		Body:            truncate(resp.Body),
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if header := resp.Header.Get("Retry-After"); header != "" {
			if d, perr := ratelimit.ParseRetryAfter(header, c.now()); perr == nil {
				apiErr.RetryAfter = d
			}
		}
	}
	tracing.RecordError(span, apiErr)
	return nil, apiErr
}

// CallWithRetry wraps Call:
//   - 401 refreshes the credential once and retries without using an attempt
//   - 429 waits Retry-After, or attempt*5s, up to MaxAttempts calls
//   - 5xx and transport failures back off 2^attempt seconds, or a longer 503 Retry-After,
//     up to MaxAttempts calls
//
// When the budget runs out the last *ApiError is returned as is. A successful
// refresh replaces *cred.
func (c *Caller) CallWithRetry(ctx context.Context, req Request, cred *models.Credential) (*httpclient.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "Caller.CallWithRetry")
	defer span.End()

	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.Call(ctx, req, cred)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *ApiError
		if !stderrors.As(err, &apiErr) || ctx.Err() != nil {
			return nil, err
		}

		var wait time.Duration
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			if refreshed || c.refresher == nil {
				return nil, err
			}
			refreshed = true
			metrics.RecordAPIRetry(string(c.integrationType), "unauthorized")
			c.logger.WithContext(ctx).Info("external system rejected credentials, refreshing once")
			updated, rerr := c.refresher.ForceRefresh(ctx, cred)
			if rerr != nil {
				return nil, rerr
			}
			*cred = *updated
			attempt--
			continue
		case apiErr.StatusCode == http.StatusTooManyRequests:
			if attempt >= c.maxAttempts {
				return nil, err
			}
			wait = apiErr.RetryAfter
			if wait <= 0 {
				wait = time.Duration(attempt) * rateLimitStep
			}
			if berr := c.limiter.Block(ctx, ratelimit.Key(c.integrationType, cred.UserID), wait); berr != nil {
				c.logger.WithContext(ctx).WithError(berr).Warn("failed to share rate limit block")
			}
			metrics.RecordAPIRetry(string(c.integrationType), "rate_limited")
		case apiErr.StatusCode == 0 || apiErr.StatusCode >= 500:
			if attempt >= c.maxAttempts {
				return nil, err
			}
			wait = time.Duration(math.Pow(2, float64(attempt))) * backoffBase
			// 503 may name its own wait.
			if apiErr.RetryAfter > wait {
				wait = apiErr.RetryAfter
			}
			metrics.RecordAPIRetry(string(c.integrationType), "transient")
		default:
			return nil, err
		}

		c.logger.WithContext(ctx).WithFields(map[string]any{
			"status_code": apiErr.StatusCode,
			"attempt":     attempt,
			"wait":        wait.String(),
		}).Warnf("retrying %s call (attempt %d/%d)", c.integrationType, attempt+1, c.maxAttempts)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
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
