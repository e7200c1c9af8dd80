// internal/websocket/handler/resync.go
package handlers

import (
	"context"
	"errors"

	wstypes "helpdesk-service/internal/domain/websocket"
	"helpdesk-service/internal/events"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/rooms"
	ws "helpdesk-service/internal/websocket"
)

// Poller reads a room log after a cursor.
type Poller interface {
	Poll(ctx context.Context, room rooms.ID, since uint64, limit int) (events.Page, error)
}

// ResyncHandler replays what a reconnecting client missed, room by room.
type ResyncHandler struct {
	poller Poller
}

func NewResyncHandler(poller Poller) *ResyncHandler {
	return &ResyncHandler{poller: poller}
}

func (h *ResyncHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{wstypes.EventTypeEventsResync}
}

func (h *ResyncHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	var req wstypes.ResyncRequest
	if err := msg.Bind(&req); err != nil {
		client.SendError("invalid_request", "Invalid resync request", err.Error())
		return err
	}

	ident := client.Identity()
	out := wstypes.ResyncData{Rooms: make(map[string]wstypes.RoomBacklog, len(req.Cursors))}
	for name, since := range req.Cursors {
		room, err := rooms.Parse(name)
		if err != nil {
			out.Rooms[name] = wstypes.RoomBacklog{Error: "invalid room"}
			continue
		}
		if !rooms.Entitled(ident, room) {
			out.Rooms[name] = wstypes.RoomBacklog{Error: "room_policy_violation"}
			continue
		}

		page, err := h.poller.Poll(ctx, room, since, req.Limit)
		var gap *xerrors.SequenceGapError
		switch {
		case errors.As(err, &gap):
			out.Rooms[name] = wstypes.RoomBacklog{Gap: true, Oldest: gap.Oldest, Head: gap.Head}
		case err != nil:
			out.Rooms[name] = wstypes.RoomBacklog{Error: err.Error()}
		default:
			out.Rooms[name] = wstypes.RoomBacklog{Records: page.Records, Head: page.Head, HasMore: page.HasMore}
		}
	}

	client.SendMessage(msg.Reply(wstypes.EventTypeEventsResync, out))
	return nil
}
