// internal/websocket/handler/session.go
package handlers

import (
	"context"

	wstypes "helpdesk-service/internal/domain/websocket"
	"helpdesk-service/internal/session"
	ws "helpdesk-service/internal/websocket"
)

// Heartbeater answers keepalives for a session.
type Heartbeater interface {
	Heartbeat(ctx context.Context, id string) (*session.HeartbeatResult, error)
}

type SessionHandler struct {
	sessions Heartbeater
}

func NewSessionHandler(sessions Heartbeater) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{wstypes.EventTypeSessionHeartbeat}
}

// HandleMessage answers a heartbeat with the session status and time left.
func (h *SessionHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	res, err := h.sessions.Heartbeat(ctx, client.Auth().SessionID)
	if err != nil {
		client.SendError("heartbeat_failed", "Failed to record heartbeat", err.Error())
		return err
	}
	client.SendMessage(msg.Reply(wstypes.EventTypeSessionHeartbeat, res))
	return nil
}
