// internal/handlers/events/poll_handler.go
package events

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	evdto "helpdesk-service/internal/domain/events"
	"helpdesk-service/internal/events"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/middleware"
	"helpdesk-service/internal/pkg/response"
	"helpdesk-service/internal/rooms"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultPollLimit = 100
	maxPollLimit     = 500
)

type Poller interface {
	Poll(ctx context.Context, room rooms.ID, since uint64, limit int) (events.Page, error)
}

// PollHandler is the HTTP fallback for clients without a socket.
type PollHandler struct {
	poller Poller
	logger *zap.Logger
}

func NewPollHandler(poller Poller, logger *zap.Logger) *PollHandler {
	return &PollHandler{poller: poller, logger: logger}
}

// Poll returns a room's events after since. A cursor older than the retained
// log answers 409 with the oldest and head sequence so the client can resync.
func (h *PollHandler) Poll(c *gin.Context) {
	var q evdto.PollQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.ValidationError(c, "invalid query", err)
		return
	}
	if q.Limit <= 0 {
		q.Limit = defaultPollLimit
	}
	if q.Limit > maxPollLimit {
		q.Limit = maxPollLimit
	}

	room, err := rooms.Parse(q.Room)
	if err != nil {
		response.ValidationError(c, "invalid room", err)
		return
	}

	principal := middleware.MustGetPrincipal(c)
	sessionID, _ := middleware.GetSessionID(c)
	deviceID, _ := middleware.GetDeviceID(c)
	ident := rooms.Identity{
		Principal: principal,
		DeviceID:  deviceID,
		SessionID: sessionID,
		TabID:     c.Query("tab_id"),
	}
	if !rooms.Entitled(ident, room) {
		response.FromError(c, "room not allowed",
			fmt.Errorf("%w: %s may not observe %s", xerrors.ErrRoomPolicyViolation, principal, room))
		return
	}

	page, err := h.poller.Poll(c.Request.Context(), room, q.Since, q.Limit)
	if err != nil {
		var gap *xerrors.SequenceGapError
		if errors.As(err, &gap) {
			response.FromError(c, "cursor is older than the retained log", err, evdto.GapData{
				Room:   room.String(),
				Since:  gap.Since,
				Oldest: gap.Oldest,
				Head:   gap.Head,
			})
			return
		}
		h.logger.Error("poll failed", zap.String("room", room.String()), zap.Error(err))
		response.FromError(c, "failed to poll events", err)
		return
	}

	records := page.Records
	if records == nil {
		records = []events.Record{}
	}
	response.Success(c, http.StatusOK, "events retrieved", evdto.PollResponse{
		Room:    room.String(),
		Records: records,
		Head:    page.Head,
		HasMore: page.HasMore,
	})
}
