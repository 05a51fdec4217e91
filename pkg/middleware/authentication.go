package middleware

import (
	stdcontext "context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SubjectVerifier validates a bearer token and returns the user it names.
type SubjectVerifier func(ctx stdcontext.Context, rawToken string) (string, error)

type userClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

// NewOIDCVerifier discovers issuer and verifies ID tokens issued for clientID.
func NewOIDCVerifier(ctx stdcontext.Context, issuer, clientID string) (SubjectVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	return func(ctx stdcontext.Context, raw string) (string, error) {
		idToken, err := verifier.Verify(ctx, raw)
		if err != nil {
			return "", err
		}
		var claims userClaims
		if err := idToken.Claims(&claims); err != nil {
			return "", err
		}
		return claims.Sub, nil
	}, nil
}

// Authentication requires a valid bearer token and stores its subject as the user id.
func Authentication(logger ectologger.Logger, verify SubjectVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracing.StartSpan(c.Request().Context(), "middleware.Authentication")
			defer span.End()

			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.WithContext(ctx).Warn("request is missing bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer")
			}

			verifyCtx, cancel := stdcontext.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			subject, err := verify(verifyCtx, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("token is invalid")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(c.Request().WithContext(context.SetUserID(ctx, subject)))
			return next(c)
		}
	}
}

// TrustedHeader takes the user id from X-User-ID. It is meant for local
// runs behind a gateway that has already authenticated the caller.
func TrustedHeader() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderUserID+" header")
			}
			ctx := context.SetUserID(c.Request().Context(), userID)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
