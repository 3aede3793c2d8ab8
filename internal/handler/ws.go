package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// WebSocket hands the request to the session manager, which upgrades it and
// serves the connection until it closes.
func WebSocket(sessions http.Handler) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessions.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
