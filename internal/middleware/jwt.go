package middleware // reusable HTTP middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/auth"
)

// Authenticator validates a raw bearer access token.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (auth.Identity, error)
}

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// injects the caller's identity into the request context.  Besides signature
// and expiry the token_version must still be the user's current one, so a
// forced logout takes effect on the next request.  Handlers read
// c.Get("user_id"), c.Get("role") and c.Get("token_version").
func JWTAuth(a Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			id, err := a.Authenticate(c.Request().Context(), strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				if apperr.Is(err, apperr.Unauthenticated) {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": apperr.Message(err)})
				}
				return c.JSON(apperr.HTTPStatus(err), echo.Map{"error": apperr.Message(err)})
			}
			c.Set("user_id", id.UserID)
			c.Set("role", id.Role)
			c.Set("token_version", id.TokenVersion)
			return next(c)
		}
	}
}
