// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"time"

	"helpdesk-service/internal/events"

	"github.com/oklog/ulid/v2"
)

// EventType names a realtime message.
type EventType string

const (
	// Connection events
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"

	// Room membership (client -> server, answered with the same type)
	EventTypeRoomJoin  EventType = "room:join"
	EventTypeRoomLeave EventType = "room:leave"

	// Session keepalive and catch-up
	EventTypeSessionHeartbeat EventType = "session:heartbeat"
	EventTypeEventsResync     EventType = "events:resync"

	// Server push of a published event; Data is an events.Envelope
	EventTypeEvent EventType = "event"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      interface{}            `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"`
	// ReplyTo echoes the ID of the request being answered.
	ReplyTo string `json:"reply_to,omitempty"`
}

// ConnectedData is sent once the connection joined its default rooms.
type ConnectedData struct {
	ConnectionID string   `json:"connection_id"`
	Principal    string   `json:"principal"`
	SessionID    string   `json:"session_id"`
	TabID        string   `json:"tab_id,omitempty"`
	Rooms        []string `json:"rooms"`
}

type RoomRequest struct {
	Room string `json:"room"`
}

type RoomData struct {
	Room   string   `json:"room"`
	Status string   `json:"status"`
	Rooms  []string `json:"rooms"`
}

// ResyncRequest asks for everything after each cursor.
type ResyncRequest struct {
	Cursors map[string]uint64 `json:"cursors"`
	Limit   int               `json:"limit,omitempty"`
}

// RoomBacklog is one room's answer to a resync. Gap is set when the log no
// longer holds the events right after the cursor; Oldest and Head then tell
// the client what is still available.
type RoomBacklog struct {
	Records []events.Record `json:"records,omitempty"`
	Head    uint64            `json:"head"`
	HasMore bool              `json:"has_more,omitempty"`
	Gap     bool              `json:"gap,omitempty"`
	Oldest  uint64            `json:"oldest,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type ResyncData struct {
	Rooms map[string]RoomBacklog `json:"rooms"`
}

// ErrorData for error events
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// DisconnectedData is the last message before the server closes a session's
// connection.
type DisconnectedData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// NewMessage builds a message with a fresh ID.
func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		ID:        ulid.Make().String(),
	}
}

// Reply builds a message answering m.
func (m *WSMessage) Reply(eventType EventType, data interface{}) *WSMessage {
	out := NewMessage(eventType, data)
	out.ReplyTo = m.ID
	return out
}

// Bind decodes Data into target.
func (m *WSMessage) Bind(target interface{}) error {
	if m.Data == nil {
		return nil
	}
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return &msg, err
}
