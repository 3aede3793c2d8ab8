package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/protocol"
	"github.com/iliyamo/realtime-chat/internal/repository"
)

// Publisher is the slice of the event bus the admin endpoints need.
type Publisher interface {
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
}

// AdminHandler serves platform administration endpoints.
type AdminHandler struct {
	Users  repository.UserStore
	Tokens repository.TokenStore
	Bus    Publisher
	Log    *zap.Logger
}

func NewAdminHandler(u repository.UserStore, t repository.TokenStore, bus Publisher, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{Users: u, Tokens: t, Bus: bus, Log: log.With(zap.String("component", "admin"))}
}

type forceLogoutReq struct {
	Reason string `json:"reason"`
}

// ForceLogout: POST /v1/admin/users/:id/force-logout.  Bumping the
// token_version invalidates every access and refresh token of the user;
// live sessions are told on user:<id> and close themselves.
func (h *AdminHandler) ForceLogout(c echo.Context) error {
	userID := c.Param("id")
	var req forceLogoutReq
	_ = c.Bind(&req)
	if req.Reason == "" {
		req.Reason = "logged out by administrator"
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tv, err := h.Users.IncrementTokenVersion(ctx, userID)
	if err != nil {
		return fail(c, h.Log, err)
	}
	if err := h.Tokens.RevokeAllForUser(ctx, userID); err != nil {
		return fail(c, h.Log, err)
	}
	f, err := protocol.New(protocol.TypeForceLogout, "", protocol.ForceLogoutPayload{Reason: req.Reason, TokenVersion: tv}, time.Now())
	if err != nil {
		return fail(c, h.Log, err)
	}
	// Degraded delivery is fine here: remote sessions still close at their
	// next token enforcement pass.
	if err := h.Bus.Publish(ctx, protocol.UserTopic(userID), protocol.Envelope{Frame: f}); err != nil {
		h.Log.Warn("force logout publish degraded", zap.String("user_id", userID), zap.Error(err))
	}
	h.Log.Info("user force logged out", zap.String("user_id", userID), zap.String("by", currentUser(c)), zap.Int64("token_version", tv))
	return c.JSON(http.StatusOK, echo.Map{"user_id": userID, "token_version": tv})
}

type broadcastReq struct {
	Message string `json:"message"`
}

// Broadcast: POST /v1/admin/broadcast sends an announcement to every session.
func (h *AdminHandler) Broadcast(c echo.Context) error {
	var req broadcastReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "message required"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	f, err := protocol.New(protocol.TypeAnnouncement, "", protocol.AnnouncementPayload{Message: req.Message, From: currentUser(c)}, time.Now())
	if err != nil {
		return fail(c, h.Log, err)
	}
	if err := h.Bus.Publish(ctx, protocol.TopicAdmin, protocol.Envelope{Frame: f}); err != nil {
		h.Log.Warn("broadcast publish degraded", zap.Error(err))
		return c.JSON(http.StatusAccepted, echo.Map{"delivered": "local"})
	}
	return c.NoContent(http.StatusNoContent)
}
