// Package leader elects one tab per principal to hold the realtime
// connection and relays what it receives to the other tabs.
package leader

import (
	"time"

	"helpdesk-service/internal/events"
	"helpdesk-service/internal/session"
)

// Priority orders competing candidates: a visible tab beats a hidden one,
// then the older tab wins, then the more recently active one, then Nonce.
type Priority struct {
	Visible    bool      `json:"visible"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
	Nonce      string    `json:"nonce"`
}

// Beats reports whether p wins over o.
func (p Priority) Beats(o Priority) bool {
	if p.Visible != o.Visible {
		return p.Visible
	}
	if !p.StartedAt.Equal(o.StartedAt) {
		return p.StartedAt.Before(o.StartedAt)
	}
	if !p.LastActive.Equal(o.LastActive) {
		return p.LastActive.After(o.LastActive)
	}
	return p.Nonce > o.Nonce
}

// Claim is the persisted record of which tab holds the connection. Epoch
// grows with every new holder so a compare-and-swap never confuses two
// claims by the same tab.
type Claim struct {
	Holder      string    `json:"holder"`
	Epoch       uint64    `json:"epoch"`
	Priority    Priority  `json:"priority"`
	ClaimedAt   time.Time `json:"claimed_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Expired reports whether the holder missed its heartbeat window.
func (c *Claim) Expired(now time.Time, timeout time.Duration) bool {
	return !now.Before(c.HeartbeatAt.Add(timeout))
}

func (c *Claim) same(o *Claim) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return c.Holder == o.Holder && c.Epoch == o.Epoch
}

type MessageKind string

const (
	MessageCandidate MessageKind = "candidate"
	MessageHeartbeat MessageKind = "heartbeat"
	MessageEvent     MessageKind = "event"
	MessageResign    MessageKind = "resign"
	// MessageSession shares a session heartbeat answer with the followers.
	MessageSession MessageKind = "session"
	// MessageRewind lowers room cursors after the server lost a room's log.
	MessageRewind MessageKind = "rewind"
)

// Message travels on the coordination channel between tabs.
type Message struct {
	Kind     MessageKind              `json:"kind"`
	From     string                   `json:"from"`
	Priority *Priority                `json:"priority,omitempty"`
	Envelope *events.Envelope         `json:"envelope,omitempty"`
	Session  *session.HeartbeatResult `json:"session,omitempty"`
	Cursors  map[string]uint64        `json:"cursors,omitempty"`
	// Offline is set on leader heartbeats while neither the realtime link
	// nor the HTTP fallback reaches the server.
	Offline bool      `json:"offline,omitempty"`
	At      time.Time `json:"at"`
}
