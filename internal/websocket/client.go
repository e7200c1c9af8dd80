// internal/websocket/client.go
package websocket

import (
	"context"
	"sync"
	"time"

	wstypes "helpdesk-service/internal/domain/websocket"
	"helpdesk-service/internal/rooms"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

// ClientAuth holds what the connection authenticated as
type ClientAuth struct {
	Principal string
	SessionID string
	DeviceID  string
	TabID     string
	Family    string
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   rooms.ConnID
	auth ClientAuth

	// recently delivered event IDs, bounded
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	seenNext  int

	// Context for graceful shutdown
	ctx       context.Context
	cancel    context.CancelFunc
	flush     chan struct{}
	flushOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, auth ClientAuth) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, hub.cfg.SendBuffer),
		id:        rooms.ConnID(ulid.Make().String()),
		auth:      auth,
		seen:      make(map[string]struct{}, hub.cfg.DedupeWindow),
		seenOrder: make([]string, hub.cfg.DedupeWindow),
		ctx:       ctx,
		cancel:    cancel,
		flush:     make(chan struct{}),
	}
}

func (c *Client) ID() rooms.ConnID { return c.id }

func (c *Client) Auth() ClientAuth { return c.auth }

// Identity is what room entitlement is checked against.
func (c *Client) Identity() rooms.Identity {
	return rooms.Identity{
		Principal: c.auth.Principal,
		DeviceID:  c.auth.DeviceID,
		SessionID: c.auth.SessionID,
		TabID:     c.auth.TabID,
	}
}

// Context is cancelled when the client closes.
func (c *Client) Context() context.Context { return c.ctx }

// markSeen records eventID and reports whether it was new.
func (c *Client) markSeen(eventID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, dup := c.seen[eventID]; dup {
		return false
	}
	if old := c.seenOrder[c.seenNext]; old != "" {
		delete(c.seen, old)
	}
	c.seenOrder[c.seenNext] = eventID
	c.seenNext = (c.seenNext + 1) % len(c.seenOrder)
	c.seen[eventID] = struct{}{}
	return true
}

// ReadPump handles incoming messages from client and always unregisters the
// client on exit.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error",
					zap.String("conn_id", string(c.id)),
					zap.Error(err),
				)
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		c.handleMessage(message)
	}
}

// WritePump handles outgoing messages to client
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.writeClose()
			return

		case <-c.flush:
			for {
				select {
				case message := <-c.send:
					if err := c.write(websocket.TextMessage, message); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			c.writeClose()
			return

		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeClose() {
	c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleMessage processes incoming messages from client
func (c *Client) handleMessage(data []byte) {
	msg, err := wstypes.ParseMessage(data)
	if err != nil {
		c.SendError("invalid_message", "Failed to parse message", err.Error())
		return
	}

	handled, err := c.hub.HandleClientMessage(c.ctx, c, msg)
	if err != nil {
		c.hub.logger.Debug("websocket handler failed",
			zap.String("conn_id", string(c.id)),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		return
	}
	if handled {
		return
	}

	switch msg.Type {
	case wstypes.EventTypePing:
		c.SendMessage(msg.Reply(wstypes.EventTypePong, nil))
	default:
		c.SendError("unknown_type", "Unsupported message type", string(msg.Type))
	}
}

// TrySend queues data without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) TrySend(data []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendMessage sends a message to the client
func (c *Client) SendMessage(msg *wstypes.WSMessage) bool {
	data, err := msg.ToJSON()
	if err != nil {
		c.hub.logger.Error("failed to marshal message", zap.Error(err))
		return false
	}
	return c.TrySend(data)
}

// SendError sends an error message to the client
func (c *Client) SendError(code, message, details string) {
	c.SendMessage(wstypes.NewMessage(wstypes.EventTypeError, wstypes.ErrorData{
		Code:    code,
		Message: message,
		Details: details,
	}))
}

// CloseAfterFlush writes what is queued, then closes the connection.
func (c *Client) CloseAfterFlush() {
	c.flushOnce.Do(func() { close(c.flush) })
}

// Close stops both pumps. The send channel is never closed, so late
// senders only see TrySend fail.
func (c *Client) Close() {
	c.cancel()
}
