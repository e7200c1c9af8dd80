// internal/app/router.go
package app

import (
	"context"
	"net/http"
	"time"

	authHandler "helpdesk-service/internal/handlers/auth"
	eventsHandler "helpdesk-service/internal/handlers/events"
	sessionHandler "helpdesk-service/internal/handlers/session"
	wsHandler "helpdesk-service/internal/handlers/websocket"
	"helpdesk-service/internal/middleware"
	"helpdesk-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger reports whether a backing store is reachable.
type Pinger func(ctx context.Context) error

type Handlers struct {
	AuthHandler    *authHandler.AuthHandler
	SessionHandler *sessionHandler.SessionHandler
	PollHandler    *eventsHandler.PollHandler
	WSHandler      *wsHandler.WebSocketHandler
	AuthMiddleware *middleware.AuthMiddleware
	Metrics        http.Handler
	Health         map[string]Pinger
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")
	m := h.AuthMiddleware

	// ==================== Health Check ====================
	api.GET("/health", healthHandler(logger, h.Health))

	// ==================== Metrics ====================
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	// ==================== WebSocket ====================
	r.GET("/ws", h.WSHandler.HandleConnection)
	r.GET("/ws/stats", append(m.AdminOnly(), h.WSHandler.GetStats)...)

	// ==================== Public Auth Routes ====================
	authPublic := api.Group("/auth")
	{
		authPublic.POST("/login", h.AuthHandler.Login)
		authPublic.POST("/refresh", m.CSRF(), h.AuthHandler.Refresh)
	}

	// ==================== Authenticated Auth Routes ====================
	authProtected := api.Group("/auth")
	authProtected.Use(m.Auth(), m.CSRF())
	{
		authProtected.GET("/token/csrf", h.AuthHandler.CSRF)
		authProtected.GET("/me", h.AuthHandler.Me)
		authProtected.POST("/logout", h.AuthHandler.Logout)
		authProtected.POST("/logout-all", h.AuthHandler.LogoutAll)
		authProtected.GET("/sessions", h.AuthHandler.ListSessions)
		authProtected.GET("/sessions/history", h.AuthHandler.SessionHistory)
		authProtected.DELETE("/sessions/:session_id", h.AuthHandler.DeleteSession)
	}

	// ==================== Session ====================
	sessions := api.Group("/session")
	sessions.Use(m.Auth(), m.CSRF())
	{
		sessions.GET("/heartbeat", h.SessionHandler.Heartbeat)
		sessions.POST("/activity", h.SessionHandler.Activity)
	}

	// ==================== Events ====================
	evts := api.Group("/events")
	evts.Use(m.Auth())
	{
		evts.GET("/poll", h.PollHandler.Poll)
	}

	// ==================== Admin ====================
	admin := api.Group("/admin")
	admin.Use(m.AdminOnly()...)
	admin.Use(m.CSRF())
	{
		admin.POST("/principals/:principal/logout", h.AuthHandler.ForceLogout)
	}
}

func healthHandler(logger *zap.Logger, checks map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := gin.H{"status": "ok", "version": "1.0.0"}
		healthy := true
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
				status[name] = "down"
				healthy = false
				continue
			}
			status[name] = "up"
		}
		if !healthy {
			status["status"] = "degraded"
			response.Error(c, http.StatusServiceUnavailable, "dependency unavailable", nil, status)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
