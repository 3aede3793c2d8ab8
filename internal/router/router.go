package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/realtime-chat/internal/handler"
	"github.com/iliyamo/realtime-chat/internal/middleware"
	"github.com/iliyamo/realtime-chat/internal/model"
)

// RegisterRoutes registers routes that do not require authentication: the
// health check and the websocket endpoint, which authenticates during its
// own handshake.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler, ws echo.HandlerFunc) {
	e.GET("/healthz", h.Health)
	e.GET("/ws", ws)
}

// RegisterAuth registers all authentication-related routes.  Token
// issuance lives under /v1/auth behind the HTTP rate limiter; protected
// endpoints live under /v1.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwt, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/auth", limit)
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh) // rotates the refresh token
	g.POST("/logout", a.Logout)
	g.POST("/password", a.ChangePassword, jwt)

	auth := e.Group("/v1", jwt, middleware.RequireRole(model.RoleUser, model.RoleAdmin))
	auth.GET("/me", a.Me)
}

// RegisterChat registers the authenticated chat endpoints.
func RegisterChat(e *echo.Echo, conv *handler.ConversationHandler, att *handler.AttachmentHandler, jwt echo.MiddlewareFunc) {
	g := e.Group("/v1", jwt, middleware.RequireRole(model.RoleUser, model.RoleAdmin))
	g.POST("/conversations/direct", conv.CreateDirect)
	g.GET("/conversations/:id/messages", conv.History)
	g.POST("/attachments", att.Upload)
}

// RegisterAdmin registers platform administration endpoints.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwt echo.MiddlewareFunc) {
	g := e.Group("/v1/admin", jwt, middleware.RequireRole(model.RoleAdmin))
	g.POST("/users/:id/force-logout", a.ForceLogout)
	g.POST("/broadcast", a.Broadcast)
}
