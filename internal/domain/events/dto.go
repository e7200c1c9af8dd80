// internal/domain/events/dto.go
package events

import "helpdesk-service/internal/events"

// PollQuery binds GET /events/poll
type PollQuery struct {
	Room  string `form:"room" binding:"required"`
	Since uint64 `form:"since"`
	Limit int    `form:"limit"`
}

// PollResponse lists a room's events after the requested cursor
type PollResponse struct {
	Room    string          `json:"room"`
	Records []events.Record `json:"records"`
	Head    uint64          `json:"head"`
	HasMore bool            `json:"has_more"`
}

// GapData is returned with 409 when the cursor fell out of the log
type GapData struct {
	Room   string `json:"room"`
	Since  uint64 `json:"since"`
	Oldest uint64 `json:"oldest"`
	Head   uint64 `json:"head"`
}
