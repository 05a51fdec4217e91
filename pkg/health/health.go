// Package health serves liveness and readiness checks.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// Pinger reports whether a dependency is reachable. *sqlx.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a ping method such as redis.Client.Ping.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type dependency struct {
	pinger Pinger
	// optional failures degrade instead of failing readiness.
	optional bool
}

type Checker struct {
	startTime time.Time
	version   string
	timeout   time.Duration

	mu    sync.RWMutex
	ready bool
	deps  map[string]dependency
}

func NewChecker(version string) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
		deps:      map[string]dependency{},
	}
}

// Require registers a dependency that must answer for the service to be ready.
func (c *Checker) Require(name string, p Pinger) {
	c.register(name, dependency{pinger: p})
}

// Observe registers a dependency whose failure only degrades the service.
func (c *Checker) Observe(name string, p Pinger) {
	c.register(name, dependency{pinger: p, optional: true})
}

func (c *Checker) register(name string, d dependency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[name] = d
}

func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// LivenessHandler reports that the process is up.
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Response{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     c.uptime(),
		ReportedAt: time.Now(),
	})
}

// ReadinessHandler reports whether the service can take traffic.
func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			Version:    c.version,
			ReportedAt: time.Now(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
			},
		})
	}
	return c.HealthHandler(ctx)
}

// HealthHandler runs every check and reports the detail.
func (c *Checker) HealthHandler(ctx echo.Context) error {
	checks := c.RunChecks(ctx.Request().Context())
	overall := OverallStatus(checks)

	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return ctx.JSON(code, Response{
		Status:     overall,
		Version:    c.version,
		Uptime:     c.uptime(),
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

func (c *Checker) RunChecks(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	deps := make(map[string]dependency, len(c.deps))
	for name, d := range c.deps {
		deps[name] = d
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult, len(deps))
	for name, d := range deps {
		checks[name] = c.check(ctx, d)
	}
	return checks
}

func (c *Checker) check(ctx context.Context, d dependency) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := d.pinger.PingContext(ctx); err != nil {
		status := StatusUnhealthy
		if d.optional {
			status = StatusDegraded
		}
		return CheckResult{Status: status, Message: err.Error(), Latency: time.Since(start).String()}
	}
	return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
}

func (c *Checker) uptime() string {
	return time.Since(c.startTime).Round(time.Second).String()
}

func OverallStatus(checks map[string]CheckResult) Status {
	degraded := false
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// RegisterRoutes mounts /health, /health/live and /ready.
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", c.HealthHandler)
	e.GET("/health/live", c.LivenessHandler)
	e.GET("/ready", c.ReadinessHandler)
}
