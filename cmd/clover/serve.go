package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/internal/handlers"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/scheduler"
)

const shutdownTimeout = 20 * time.Second

func newServeCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the credential refresh sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *envFile, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := a.newServer(ctx)
	if err != nil {
		return err
	}

	if a.cfg.RefreshSweepEnabled {
		var locker scheduler.Locker
		if a.redis != nil {
			locker = redis.NewLocker(a.redis, "")
		}
		sweeper := scheduler.NewSweeper(a.credentials, locker, scheduler.Config{
			Interval: time.Duration(a.cfg.RefreshSweepIntervalMinutes) * time.Minute,
			Window:   a.cfg.RefreshSweepWindow,
		}, a.logger)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", a.cfg.Port),
		Handler:        e,
		ReadTimeout:    time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:    time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes: a.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("listening on %s", server.Addr)
		if err := e.StartServer(server); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.health.SetReady(true)

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	a.health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newServer mounts the API. Browser redirects and vendor webhooks carry no
// bearer token, so their routes sit outside the authenticated group.
func (a *app) newServer(ctx context.Context) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewRequestValidator()
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: a.cfg.AllowOrigins}))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	a.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	auth := middleware.TrustedHeader()
	if a.cfg.AuthEnabled {
		verify, err := middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return nil, err
		}
		auth = middleware.Authentication(a.logger, verify)
	} else {
		a.logger.Warn("authentication is disabled, trusting the " + middleware.HeaderUserID + " header")
	}

	public := e.Group("/api/v1")
	private := e.Group("/api/v1", auth)

	var events handlers.EventReader
	if a.eventLog != nil {
		events = a.eventLog
	}
	handlers.NewIntegrationHandler(a.credentials, events, a.cfg.PublicBaseURL).RegisterRoutes(public, private)
	handlers.NewSyncHandler(a.orchestrator).RegisterRoutes(private)
	var webhookOpts []handlers.WebhookOption
	if a.cfg.WebhooksAllowUnsigned {
		a.logger.Warn("accepting unsigned webhooks for credentials without an inbound secret")
		webhookOpts = append(webhookOpts, handlers.AllowUnsignedWebhooks())
	}
	handlers.NewWebhookHandler(a.ingestor, a.credentials, a.logger, webhookOpts...).RegisterRoutes(public)
	return e, nil
}
