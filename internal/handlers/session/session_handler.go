// internal/handlers/session/session_handler.go
package session

import (
	"context"
	"net/http"

	"helpdesk-service/internal/middleware"
	"helpdesk-service/internal/pkg/response"
	"helpdesk-service/internal/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Service interface {
	Heartbeat(ctx context.Context, sessionID string) (*session.HeartbeatResult, error)
	Activity(ctx context.Context, sessionID string) (*session.Session, error)
}

type SessionHandler struct {
	service Service
	logger  *zap.Logger
}

func NewSessionHandler(service Service, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{service: service, logger: logger}
}

// Heartbeat reports the time left on the session. It is not activity.
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	result, err := h.service.Heartbeat(c.Request.Context(), middleware.MustGetSessionID(c))
	if err != nil {
		response.FromError(c, "heartbeat failed", err)
		return
	}
	response.Success(c, http.StatusOK, "session alive", result)
}

// Activity records user activity, pulling an idle session back to active
func (h *SessionHandler) Activity(c *gin.Context) {
	sess, err := h.service.Activity(c.Request.Context(), middleware.MustGetSessionID(c))
	if err != nil {
		response.FromError(c, "failed to record activity", err)
		return
	}
	response.Success(c, http.StatusOK, "activity recorded", gin.H{
		"session_id":    sess.ID,
		"status":        sess.Status,
		"last_activity": sess.LastActivity,
		"expires_at":    sess.ExpiresAt,
	})
}
