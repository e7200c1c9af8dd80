// Package events publishes lifecycle events into rooms, keeps a bounded
// per-room log for fallback polling, and pushes to live connections.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"helpdesk-service/internal/rooms"
)

// Type names an event.
type Type string

const (
	TypeSessionCreated    Type = "session:created"
	TypeSessionActive     Type = "session:active"
	TypeSessionIdle       Type = "session:idle"
	TypeSessionExpiring   Type = "session:expiring"
	TypeSessionExpired    Type = "session:expired"
	TypeSessionTerminated Type = "session:terminated"
	TypeTokenRotated      Type = "token:rotated"
	TypeSecurityAlert     Type = "security:alert"
)

// Event is an immutable fact. ID is assigned on publish when empty.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an event with a JSON encoded payload.
func New(t Type, payload interface{}) (Event, error) {
	ev := Event{Type: t}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		ev.Payload = b
	}
	return ev, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// Record is one entry of a room log.
type Record struct {
	Room  rooms.ID `json:"room"`
	Seq   uint64   `json:"seq"`
	Event Event    `json:"event"`
}

// Envelope is what a connection receives for one published event. Cursors
// carries the sequence the event got in each target room the connection is a
// member of.
type Envelope struct {
	Event
	Cursors map[string]uint64 `json:"cursors"`
}

// Page is the result of reading a room log after a cursor.
type Page struct {
	Records []Record `json:"records"`
	Head    uint64   `json:"head"`
	HasMore bool     `json:"has_more"`
}

// SessionPayload is carried by the session:* events.
type SessionPayload struct {
	SessionID        string    `json:"session_id"`
	Principal        string    `json:"principal"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	SecondsRemaining int64     `json:"seconds_remaining"`
}
