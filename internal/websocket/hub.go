// internal/websocket/hub.go
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	wstypes "helpdesk-service/internal/domain/websocket"
	"helpdesk-service/internal/events"
	"helpdesk-service/internal/metrics"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/rooms"
	"helpdesk-service/internal/session"

	"go.uber.org/zap"
)

// Config tunes connection buffers and timeouts. Zero values take defaults.
type Config struct {
	SendBuffer     int
	DedupeWindow   int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	GaugeInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 512
	}
	if c.WriteWait <= 0 {
		c.WriteWait = writeWait
	}
	if c.PongWait <= 0 {
		c.PongWait = pongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = maxMessageSize
	}
	if c.GaugeInterval <= 0 {
		c.GaugeInterval = 15 * time.Second
	}
	return c
}

func (c Config) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// TokenValidator verifies access tokens.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken string) (*jwt.Claims, error)
}

// SessionLookup resolves the session an access token belongs to.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Hub tracks live connections and pushes room events to them. Room
// membership itself lives in the rooms registry.
type Hub struct {
	cfg      Config
	clients  map[rooms.ConnID]*Client
	mu       sync.RWMutex
	closed   bool
	registry *rooms.Registry

	// Handler registry for modular message handling
	handlerRegistry *HandlerRegistry

	// Auth dependencies
	tokens   TokenValidator
	sessions SessionLookup

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewHub(cfg Config, registry *rooms.Registry, tokens TokenValidator, sessions SessionLookup, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:             cfg.withDefaults(),
		clients:         make(map[rooms.ConnID]*Client),
		registry:        registry,
		handlerRegistry: NewHandlerRegistry(),
		tokens:          tokens,
		sessions:        sessions,
		metrics:         m,
		logger:          logger,
	}
}

// AuthenticateClient validates the access token and checks that its session
// is still live.
func (h *Hub) AuthenticateClient(ctx context.Context, token, tabID string) (*ClientAuth, error) {
	claims, err := h.tokens.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	sess, err := h.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() || sess.Principal != claims.Principal() {
		return nil, xerrors.ErrSessionExpired
	}

	return &ClientAuth{
		Principal: claims.Principal(),
		SessionID: claims.SessionID,
		DeviceID:  claims.DeviceID,
		TabID:     tabID,
		Family:    claims.Family,
	}, nil
}

// RegisterHandler registers a message handler
func (h *Hub) RegisterHandler(handler MessageHandler) error {
	return h.handlerRegistry.Register(handler)
}

// HandleClientMessage processes a message from a client using registered
// handlers. It reports false when no handler claims the type.
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) (bool, error) {
	handler, exists := h.handlerRegistry.GetHandler(msg.Type)
	if !exists {
		return false, nil
	}
	return true, handler.HandleMessage(ctx, client, msg)
}

// Register records the client, queues its welcome message and joins it to
// its default rooms.
func (h *Hub) Register(client *Client) error {
	ident := client.Identity()
	defaults := rooms.Defaults(ident)
	names := make([]string, len(defaults))
	for i, r := range defaults {
		names[i] = r.String()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if err := h.registry.Register(client.id, ident); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to register connection: %w", err)
	}

	// queued first so it precedes any pushed event
	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, wstypes.ConnectedData{
		ConnectionID: string(client.id),
		Principal:    ident.Principal,
		SessionID:    ident.SessionID,
		TabID:        ident.TabID,
		Rooms:        names,
	}))

	h.clients[client.id] = client
	if _, err := h.registry.JoinDefaults(client.id); err != nil {
		delete(h.clients, client.id)
		h.mu.Unlock()
		h.registry.LeaveAll(client.id)
		return fmt.Errorf("failed to join default rooms: %w", err)
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetConnections(total)
	h.logger.Info("client connected",
		zap.String("conn_id", string(client.id)),
		zap.String("principal", ident.Principal),
		zap.String("session_id", ident.SessionID),
		zap.Int("total", total),
	)
	return nil
}

// Unregister removes the client from every room and closes it. Safe to call
// more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	cur, ok := h.clients[client.id]
	if ok && cur == client {
		delete(h.clients, client.id)
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.registry.LeaveAll(client.id)
	client.Close()

	if ok {
		h.metrics.SetConnections(total)
		h.logger.Info("client disconnected",
			zap.String("conn_id", string(client.id)),
			zap.String("session_id", client.auth.SessionID),
			zap.Int("total", total),
		)
	}
}

// Deliver pushes env to one connection without blocking. A repeated event ID
// is acknowledged without being sent again. When the event ends the
// connection's own session the client is told and then closed.
func (h *Hub) Deliver(conn rooms.ConnID, env *events.Envelope) bool {
	h.mu.RLock()
	client := h.clients[conn]
	h.mu.RUnlock()
	if client == nil {
		return false
	}
	if !client.markSeen(env.ID) {
		return true
	}

	if !client.SendMessage(wstypes.NewMessage(wstypes.EventTypeEvent, env)) {
		return false
	}

	if reason, ends := endsSession(env, client.auth.SessionID); ends {
		client.SendMessage(wstypes.NewMessage(wstypes.EventTypeDisconnected, wstypes.DisconnectedData{
			SessionID: client.auth.SessionID,
			Reason:    reason,
		}))
		client.CloseAfterFlush()
	}
	return true
}

func endsSession(env *events.Envelope, sessionID string) (string, bool) {
	if env.Type != events.TypeSessionTerminated && env.Type != events.TypeSessionExpired {
		return "", false
	}
	var p events.SessionPayload
	if err := env.Decode(&p); err != nil || p.SessionID != sessionID {
		return "", false
	}
	if p.Reason == "" {
		return string(env.Type), true
	}
	return p.Reason, true
}

// Join adds a registered client to room if its identity is entitled to it.
func (h *Hub) Join(client *Client, room rooms.ID) error {
	if _, ok := h.Client(client.id); !ok {
		return ErrNotConnected
	}
	return h.registry.Join(client.id, room)
}

func (h *Hub) Leave(client *Client, room rooms.ID) {
	h.registry.Leave(client.id, room)
}

// RoomsOf lists the rooms the client is in.
func (h *Hub) RoomsOf(client *Client) []rooms.ID {
	return h.registry.RoomsOf(client.id)
}

// Client returns the live client for conn.
func (h *Hub) Client(conn rooms.ConnID) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[conn]
	return c, ok
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run refreshes the connection gauge until ctx ends, then closes every
// client.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.GaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-ticker.C:
			h.metrics.SetConnections(h.TotalClients())
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
	h.logger.Info("websocket hub stopped", zap.Int("closed", len(clients)))
}
