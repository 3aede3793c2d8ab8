package handler

import (
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/apperr"
)

// fail writes err as {"error", "code"}.  Internal failures are logged under a
// correlation id that is returned to the client instead of the cause.
func fail(c echo.Context, log *zap.Logger, err error) error {
	status := apperr.HTTPStatus(err)
	body := echo.Map{"error": apperr.Message(err), "code": string(apperr.KindOf(err))}
	if status >= http.StatusInternalServerError {
		id := uuid.NewString()
		body["correlation_id"] = id
		if log != nil {
			log.Error("request failed",
				zap.String("correlation_id", id),
				zap.String("route", c.Request().Method+" "+c.Path()),
				zap.Error(err))
		}
	}
	if d := apperr.RetryAfterOf(err); d > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	return c.JSON(status, body)
}

// currentUser returns the authenticated user id set by the JWT middleware.
func currentUser(c echo.Context) string {
	s, _ := c.Get("user_id").(string)
	return s
}
