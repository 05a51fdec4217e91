package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// quietPaths are health and scrape endpoints that are only logged on failure.
var quietPaths = []string{"/health", "/ready", "/metrics"}

// Logger writes one line per request. Client errors log at warn and server
// errors at error, so a failed sync shows up with its integration and
// contract attached.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			if res.Status < http.StatusBadRequest && isQuiet(req.URL.Path) {
				return nil
			}

			ctx := req.Context()
			fields := map[string]any{
				"request_id":  context.GetRequestID(ctx),
				"trace_id":    tracing.GetTraceID(ctx),
				"method":      req.Method,
				"route":       c.Path(),
				"status":      res.Status,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes_out":   res.Size,
				"remote_ip":   c.RealIP(),
			}
			if userID := context.GetUserID(ctx); userID != "" {
				fields["user_id"] = userID
			}
			if t := context.GetIntegrationType(ctx); t != "" {
				fields["integration_type"] = t
			}
			if id := c.Param("id"); id != "" {
				fields["contract_id"] = id
			}

			log := logger.WithContext(ctx).WithFields(fields)
			switch {
			case res.Status >= http.StatusInternalServerError:
				log.Error("request failed")
			case res.Status >= http.StatusBadRequest:
				log.Warn("request rejected")
			default:
				log.Info("request handled")
			}
			return nil
		}
	}
}

func isQuiet(path string) bool {
	return ectolinq.Any(quietPaths, func(p string) bool {
		return path == p || strings.HasPrefix(path, p+"/")
	})
}
