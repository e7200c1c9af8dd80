// internal/websocket/handler/room.go
package handlers

import (
	"context"
	"errors"
	"fmt"

	wstypes "helpdesk-service/internal/domain/websocket"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/rooms"
	ws "helpdesk-service/internal/websocket"
)

// RoomHandler lets a connection join and leave rooms it is entitled to.
type RoomHandler struct {
	hub *ws.Hub
}

func NewRoomHandler(hub *ws.Hub) *RoomHandler {
	return &RoomHandler{hub: hub}
}

// SupportedEvents returns events this handler supports
func (h *RoomHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{
		wstypes.EventTypeRoomJoin,
		wstypes.EventTypeRoomLeave,
	}
}

// HandleMessage processes room membership messages
func (h *RoomHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	var req wstypes.RoomRequest
	if err := msg.Bind(&req); err != nil {
		client.SendError("invalid_request", "Invalid room request", err.Error())
		return err
	}
	room, err := rooms.Parse(req.Room)
	if err != nil {
		client.SendError("invalid_request", "Invalid room", err.Error())
		return err
	}

	var status string
	switch msg.Type {
	case wstypes.EventTypeRoomJoin:
		if err := h.hub.Join(client, room); err != nil {
			if errors.Is(err, xerrors.ErrRoomPolicyViolation) {
				client.SendError("room_policy_violation", "Not allowed to join room", room.String())
			} else {
				client.SendError("join_failed", "Failed to join room", err.Error())
			}
			return err
		}
		status = "joined"

	case wstypes.EventTypeRoomLeave:
		h.hub.Leave(client, room)
		status = "left"

	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}

	current := h.hub.RoomsOf(client)
	names := make([]string, len(current))
	for i, r := range current {
		names[i] = r.String()
	}
	client.SendMessage(msg.Reply(msg.Type, wstypes.RoomData{
		Room:   room.String(),
		Status: status,
		Rooms:  names,
	}))
	return nil
}
