package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/realtime-chat/internal/eventbus"
)

type BusStatus interface {
	Status() eventbus.Status
}

type SweepStatus interface {
	LastSweep() time.Time
	SweepOverdue(started time.Time) bool
}

type DrainStatus interface {
	LastDrain() time.Time
}

type SessionCounter interface {
	Count() int
}

// HealthHandler reports the liveness of the worker's background tasks.  It
// is used by load balancers and monitoring systems.
type HealthHandler struct {
	Bus      BusStatus
	Presence SweepStatus
	Outbox   DrainStatus
	Sessions SessionCounter
	Started  time.Time
}

type healthResp struct {
	Status    string          `json:"status"`
	Bus       eventbus.Status `json:"event_bus"`
	LastSweep *time.Time      `json:"last_presence_sweep,omitempty"`
	LastDrain *time.Time      `json:"last_outbox_drain,omitempty"`
	Sessions  int             `json:"sessions"`
}

// Health returns 200 while the presence sweep keeps running and 503 once it
// is overdue by more than two intervals.  A degraded event bus is reported
// but does not fail the check: the worker keeps serving its own sessions.
func (h *HealthHandler) Health(c echo.Context) error {
	resp := healthResp{Status: "ok", Bus: h.Bus.Status()}
	if !resp.Bus.Healthy {
		resp.Status = "degraded"
	}
	if t := h.Presence.LastSweep(); !t.IsZero() {
		resp.LastSweep = &t
	}
	if h.Outbox != nil {
		if t := h.Outbox.LastDrain(); !t.IsZero() {
			resp.LastDrain = &t
		}
	}
	if h.Sessions != nil {
		resp.Sessions = h.Sessions.Count()
	}
	if h.Presence.SweepOverdue(h.Started) {
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
