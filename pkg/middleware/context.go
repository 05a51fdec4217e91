package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
)

// HeaderUserID carries the caller when authentication is disabled.
const HeaderUserID = "X-User-ID"

// Context seeds the request context with correlation ids and, for
// integration routes, the integration type and contract id from the path.
// It runs after routing, so the route template is known.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx := context.SetRequestID(req.Context(), requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, route)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			if t := c.Param("type"); t != "" {
				ctx = context.SetIntegrationType(ctx, t)
			}
			if id := c.Param("id"); id != "" {
				ctx = context.SetContractID(ctx, id)
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
