package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	wstypes "helpdesk-service/internal/domain/websocket"
	"helpdesk-service/internal/events"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	linkWriteWait     = 10 * time.Second
	linkHandshakeWait = 10 * time.Second
	linkBuffer        = 64
)

// WSLink is the websocket connection a leader tab holds. It satisfies the
// leader package's Link.
type WSLink struct {
	url    string
	tabID  string
	tokens TokenSource
	dialer *websocket.Dialer
	logger *zap.Logger

	// HeartbeatInterval sends session:heartbeat over the socket when set.
	HeartbeatInterval time.Duration
	// OnHeartbeat receives the server's answer to each heartbeat.
	OnHeartbeat func(*session.HeartbeatResult)
	// ResyncLimit caps records per room per resync round.
	ResyncLimit int
	// OnGap receives the cursor a room resumes from after the server
	// reported a gap. It is lower than the requested cursor when the
	// room's log was lost or restarted.
	OnGap func(room string, resume uint64)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected *wstypes.ConnectedData
	writeMu   sync.Mutex
}

// NewWSLink dials wsURL (e.g. ws://localhost:8000/ws) identifying as tabID.
func NewWSLink(wsURL, tabID string, tokens TokenSource, logger *zap.Logger) *WSLink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSLink{
		url:    wsURL,
		tabID:  tabID,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: linkHandshakeWait,
		},
		logger:      logger,
		ResyncLimit: 100,
	}
}

// Connected returns the server's welcome for the open connection.
func (l *WSLink) Connected() *wstypes.ConnectedData {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Open dials, waits for the welcome, asks for everything after cursors and
// streams events until ctx ends or the connection drops.
func (l *WSLink) Open(ctx context.Context, cursors map[string]uint64) (<-chan *events.Envelope, error) {
	bearer, err := l.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	target, err := l.dialURL(bearer)
	if err != nil {
		return nil, err
	}

	conn, resp, err := l.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket rejected: %w", &APIError{Status: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	welcome, err := readWelcome(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.conn = conn
	l.connected = welcome
	l.mu.Unlock()

	l.logger.Info("realtime link open",
		zap.String("connection_id", welcome.ConnectionID),
		zap.Strings("rooms", welcome.Rooms),
	)

	if len(cursors) > 0 {
		if err := l.resync(conn, cursors); err != nil {
			conn.Close()
			return nil, err
		}
	}

	out := make(chan *events.Envelope, linkBuffer)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.closeConn(conn)
		case <-done:
		}
	}()
	if l.HeartbeatInterval > 0 {
		go l.heartbeatLoop(ctx, conn, done)
	}
	go func() {
		defer close(out)
		defer close(done)
		l.readLoop(ctx, conn, out)
	}()
	return out, nil
}

func (l *WSLink) dialURL(bearer string) (string, error) {
	u, err := url.Parse(l.url)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", bearer)
	if l.tabID != "" {
		q.Set("tab_id", l.tabID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readWelcome(conn *websocket.Conn) (*wstypes.ConnectedData, error) {
	conn.SetReadDeadline(time.Now().Add(linkHandshakeWait))
	defer conn.SetReadDeadline(time.Time{})

	var msg wstypes.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	if msg.Type != wstypes.EventTypeConnected {
		return nil, fmt.Errorf("unexpected first message %q", msg.Type)
	}
	var data wstypes.ConnectedData
	if err := msg.Bind(&data); err != nil {
		return nil, fmt.Errorf("failed to decode welcome: %w", err)
	}
	return &data, nil
}

func (l *WSLink) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- *events.Envelope) {
	emit := func(env *events.Envelope) bool {
		select {
		case out <- env:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		var msg wstypes.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				l.logger.Warn("realtime link read failed", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case wstypes.EventTypeEvent:
			var env events.Envelope
			if err := msg.Bind(&env); err != nil {
				l.logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			if !emit(&env) {
				return
			}

		case wstypes.EventTypeEventsResync:
			var data wstypes.ResyncData
			if err := msg.Bind(&data); err != nil {
				l.logger.Warn("dropping malformed resync", zap.Error(err))
				continue
			}
			next := make(map[string]uint64)
			for room, backlog := range data.Rooms {
				for _, rec := range backlog.Records {
					env := &events.Envelope{Event: rec.Event, Cursors: map[string]uint64{room: rec.Seq}}
					if !emit(env) {
						return
					}
				}
				cursor, again := followUp(room, backlog, l.logger)
				if backlog.Gap && l.OnGap != nil {
					l.OnGap(room, cursor)
				}
				if again {
					next[room] = cursor
				}
			}
			if len(next) > 0 {
				if err := l.resync(conn, next); err != nil {
					l.logger.Warn("follow-up resync failed", zap.Error(err))
					return
				}
			}

		case wstypes.EventTypeSessionHeartbeat:
			var res session.HeartbeatResult
			if err := msg.Bind(&res); err == nil && l.OnHeartbeat != nil {
				l.OnHeartbeat(&res)
			}

		case wstypes.EventTypeDisconnected:
			var data wstypes.DisconnectedData
			msg.Bind(&data)
			l.logger.Info("server ended the session",
				zap.String("session_id", data.SessionID),
				zap.String("reason", data.Reason),
			)

		case wstypes.EventTypeError:
			var data wstypes.ErrorData
			msg.Bind(&data)
			l.logger.Warn("server reported an error",
				zap.String("code", data.Code),
				zap.String("message", data.Message),
			)
		}
	}
}

// followUp decides whether a room needs another resync round and from
// which cursor.
func followUp(room string, b wstypes.RoomBacklog, logger *zap.Logger) (uint64, bool) {
	switch {
	case b.Error != "":
		logger.Warn("resync refused", zap.String("room", room), zap.String("error", b.Error))
		return 0, false
	case b.Gap:
		resume := (&xerrors.SequenceGapError{Room: room, Oldest: b.Oldest, Head: b.Head}).Resume()
		logger.Warn("events lost to trimming",
			zap.String("room", room),
			zap.Uint64("oldest", b.Oldest),
			zap.Uint64("head", b.Head),
			zap.Uint64("resume", resume),
		)
		return resume, true
	case b.HasMore && len(b.Records) > 0:
		return b.Records[len(b.Records)-1].Seq, true
	default:
		return 0, false
	}
}

func (l *WSLink) resync(conn *websocket.Conn, cursors map[string]uint64) error {
	msg := wstypes.NewMessage(wstypes.EventTypeEventsResync, wstypes.ResyncRequest{
		Cursors: cursors,
		Limit:   l.ResyncLimit,
	})
	return l.write(conn, msg)
}

func (l *WSLink) heartbeatLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(l.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := l.write(conn, wstypes.NewMessage(wstypes.EventTypeSessionHeartbeat, nil)); err != nil {
				l.logger.Debug("heartbeat write failed", zap.Error(err))
				return
			}
		}
	}
}

func (l *WSLink) write(conn *websocket.Conn, msg *wstypes.WSMessage) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(linkWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Type, err)
	}
	return nil
}

func (l *WSLink) closeConn(conn *websocket.Conn) {
	l.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	conn.Close()
}

// Close ends the current connection, if any.
func (l *WSLink) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	l.closeConn(conn)
	return nil
}

var errLinkClosed = errors.New("link closed")

// Heartbeat sends one session:heartbeat on the open connection.
func (l *WSLink) Heartbeat() error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errLinkClosed
	}
	return l.write(conn, wstypes.NewMessage(wstypes.EventTypeSessionHeartbeat, nil))
}
