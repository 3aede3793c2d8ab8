package middleware

// userID returns the authenticated user id stored by JWTAuth, or "guest"
// when the request is anonymous.

import "github.com/labstack/echo/v4"

func userID(c echo.Context) string {
	if s, ok := c.Get("user_id").(string); ok && s != "" {
		return s
	}
	return "guest"
}
