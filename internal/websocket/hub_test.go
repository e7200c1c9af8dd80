package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	wstypes "helpdesk-service/internal/domain/websocket"
	"helpdesk-service/internal/events"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/rooms"
	"helpdesk-service/internal/session"

	"github.com/gorilla/websocket"
)

var testAuth = ClientAuth{Principal: "alice", SessionID: "s1", DeviceID: "d1", TabID: "t1", Family: "f1"}

type testServer struct {
	hub     *Hub
	reg     *rooms.Registry
	srv     *httptest.Server
	clients chan *Client
}

func newTestServer(t *testing.T, auth ClientAuth) *testServer {
	t.Helper()
	reg := rooms.NewRegistry()
	ts := &testServer{
		hub:     NewHub(Config{SendBuffer: 8}, reg, nil, nil, nil, nil),
		reg:     reg,
		clients: make(chan *Client, 4),
	}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(ts.hub, conn, auth)
		if err := ts.hub.Register(client); err != nil {
			conn.Close()
			return
		}
		ts.clients <- client
		go client.WritePump()
		client.ReadPump()
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) dial(t *testing.T) (*websocket.Conn, *Client) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case c := <-ts.clients:
		return conn, c
	case <-time.After(2 * time.Second):
		t.Fatal("client was not registered")
		return nil, nil
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) *wstypes.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := wstypes.ParseMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

func envelope(t *testing.T, id string, typ events.Type, payload interface{}) *events.Envelope {
	t.Helper()
	ev, err := events.New(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	ev.ID = id
	return &events.Envelope{Event: ev, Cursors: map[string]uint64{"user:alice": 1}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterSendsWelcomeAndJoinsDefaults(t *testing.T) {
	ts := newTestServer(t, testAuth)
	conn, client := ts.dial(t)

	msg := readMessage(t, conn)
	if msg.Type != wstypes.EventTypeConnected {
		t.Fatalf("first message = %s", msg.Type)
	}
	var data wstypes.ConnectedData
	if err := msg.Bind(&data); err != nil {
		t.Fatal(err)
	}
	want := []string{"user:alice", "device:d1", "session:s1", "tab:alice/t1"}
	if strings.Join(data.Rooms, ",") != strings.Join(want, ",") {
		t.Errorf("rooms = %v, want %v", data.Rooms, want)
	}
	if data.ConnectionID != string(client.ID()) {
		t.Errorf("connection id = %s", data.ConnectionID)
	}
	if got := len(ts.reg.RoomsOf(client.ID())); got != 4 {
		t.Errorf("registry rooms = %d", got)
	}
	if ts.hub.TotalClients() != 1 {
		t.Errorf("total clients = %d", ts.hub.TotalClients())
	}
}

func TestDeliverSuppressesDuplicates(t *testing.T) {
	ts := newTestServer(t, testAuth)
	conn, client := ts.dial(t)
	readMessage(t, conn)

	first := envelope(t, "ev-1", events.TypeSecurityAlert, map[string]string{"kind": "x"})
	if !ts.hub.Deliver(client.ID(), first) {
		t.Fatal("first delivery refused")
	}
	if !ts.hub.Deliver(client.ID(), first) {
		t.Fatal("duplicate delivery should be acknowledged")
	}
	ts.hub.Deliver(client.ID(), envelope(t, "ev-2", events.TypeSecurityAlert, nil))

	for _, want := range []string{"ev-1", "ev-2"} {
		msg := readMessage(t, conn)
		if msg.Type != wstypes.EventTypeEvent {
			t.Fatalf("type = %s", msg.Type)
		}
		var env events.Envelope
		if err := msg.Bind(&env); err != nil {
			t.Fatal(err)
		}
		if env.ID != want {
			t.Errorf("event = %s, want %s", env.ID, want)
		}
		if env.Cursors["user:alice"] != 1 {
			t.Errorf("cursors = %v", env.Cursors)
		}
	}
}

func TestDeliverUnknownConnection(t *testing.T) {
	hub := NewHub(Config{}, rooms.NewRegistry(), nil, nil, nil, nil)
	if hub.Deliver("nope", envelope(t, "ev-1", events.TypeSecurityAlert, nil)) {
		t.Error("delivery to unknown connection reported success")
	}
}

func TestSessionTerminationClosesConnection(t *testing.T) {
	ts := newTestServer(t, testAuth)
	conn, client := ts.dial(t)
	readMessage(t, conn)

	// another session's termination is just an event
	other := envelope(t, "ev-1", events.TypeSessionTerminated, events.SessionPayload{SessionID: "s2", Reason: session.ReasonLogout})
	ts.hub.Deliver(client.ID(), other)
	own := envelope(t, "ev-2", events.TypeSessionTerminated, events.SessionPayload{SessionID: "s1", Reason: session.ReasonLogout})
	ts.hub.Deliver(client.ID(), own)

	if msg := readMessage(t, conn); msg.Type != wstypes.EventTypeEvent {
		t.Fatalf("type = %s", msg.Type)
	}
	if msg := readMessage(t, conn); msg.Type != wstypes.EventTypeEvent {
		t.Fatalf("type = %s", msg.Type)
	}
	msg := readMessage(t, conn)
	if msg.Type != wstypes.EventTypeDisconnected {
		t.Fatalf("type = %s", msg.Type)
	}
	var data wstypes.DisconnectedData
	if err := msg.Bind(&data); err != nil {
		t.Fatal(err)
	}
	if data.Reason != session.ReasonLogout || data.SessionID != "s1" {
		t.Errorf("disconnected = %+v", data)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	waitFor(t, "unregister", func() bool { return ts.reg.Len() == 0 && ts.hub.TotalClients() == 0 })
}

func TestPingAndUnknownType(t *testing.T) {
	ts := newTestServer(t, testAuth)
	conn, _ := ts.dial(t)
	readMessage(t, conn)

	ping := wstypes.NewMessage(wstypes.EventTypePing, nil)
	data, _ := ping.ToJSON()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	pong := readMessage(t, conn)
	if pong.Type != wstypes.EventTypePong || pong.ReplyTo != ping.ID {
		t.Errorf("pong = %+v", pong)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != wstypes.EventTypeError {
		t.Errorf("type = %s", msg.Type)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg := rooms.NewRegistry()
	hub := NewHub(Config{}, reg, nil, nil, nil, nil)
	client := NewClient(hub, nil, testAuth)
	if err := hub.Register(client); err != nil {
		t.Fatal(err)
	}
	hub.Unregister(client)
	hub.Unregister(client)

	if reg.Len() != 0 || hub.TotalClients() != 0 {
		t.Errorf("registry %d, clients %d", reg.Len(), hub.TotalClients())
	}
	if client.TrySend([]byte("x")) {
		t.Error("send after close succeeded")
	}
}

func TestRegisterAfterShutdown(t *testing.T) {
	hub := NewHub(Config{GaugeInterval: time.Millisecond}, rooms.NewRegistry(), nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := hub.Register(NewClient(hub, nil, testAuth)); !errors.Is(err, ErrHubClosed) {
		t.Errorf("err = %v", err)
	}
}

func TestTrySendNeverBlocks(t *testing.T) {
	hub := NewHub(Config{SendBuffer: 2}, rooms.NewRegistry(), nil, nil, nil, nil)
	client := NewClient(hub, nil, testAuth)
	if !client.TrySend([]byte("a")) || !client.TrySend([]byte("b")) {
		t.Fatal("buffered sends failed")
	}
	if client.TrySend([]byte("c")) {
		t.Error("send into full buffer succeeded")
	}
}

func TestSeenWindowIsBounded(t *testing.T) {
	hub := NewHub(Config{DedupeWindow: 2}, rooms.NewRegistry(), nil, nil, nil, nil)
	client := NewClient(hub, nil, testAuth)
	for _, id := range []string{"a", "b", "c"} {
		if !client.markSeen(id) {
			t.Fatalf("%s reported as seen", id)
		}
	}
	if client.markSeen("c") {
		t.Error("c should be seen")
	}
	if !client.markSeen("a") {
		t.Error("a should have fallen out of the window")
	}
}

func TestHandlerRegistryRejectsDuplicates(t *testing.T) {
	hub := NewHub(Config{}, rooms.NewRegistry(), nil, nil, nil, nil)
	h := stubHandler{events: []wstypes.EventType{wstypes.EventTypeRoomJoin}}
	if err := hub.RegisterHandler(h); err != nil {
		t.Fatal(err)
	}
	if err := hub.RegisterHandler(h); err == nil {
		t.Error("duplicate handler accepted")
	}
}

type stubHandler struct {
	events []wstypes.EventType
}

func (s stubHandler) HandleMessage(context.Context, *Client, *wstypes.WSMessage) error { return nil }

func (s stubHandler) SupportedEvents() []wstypes.EventType { return s.events }

type stubTokens struct {
	claims *jwt.Claims
	err    error
}

func (s stubTokens) Validate(context.Context, string) (*jwt.Claims, error) { return s.claims, s.err }

type stubSessions map[string]*session.Session

func (s stubSessions) Get(_ context.Context, id string) (*session.Session, error) {
	if sess, ok := s[id]; ok {
		return sess, nil
	}
	return nil, xerrors.ErrNotFound
}

func TestAuthenticateClient(t *testing.T) {
	claims := &jwt.Claims{Kind: jwt.KindAccess, SessionID: "s1", DeviceID: "d1", Family: "f1"}
	claims.Subject = "alice"
	sessions := stubSessions{
		"s1": {ID: "s1", Principal: "alice", Status: session.StatusActive},
		"s2": {ID: "s2", Principal: "alice", Status: session.StatusTerminated},
	}

	hub := NewHub(Config{}, rooms.NewRegistry(), stubTokens{claims: claims}, sessions, nil, nil)
	auth, err := hub.AuthenticateClient(context.Background(), "token", "t9")
	if err != nil {
		t.Fatal(err)
	}
	if *auth != (ClientAuth{Principal: "alice", SessionID: "s1", DeviceID: "d1", TabID: "t9", Family: "f1"}) {
		t.Errorf("auth = %+v", auth)
	}

	ended := *claims
	ended.SessionID = "s2"
	hub = NewHub(Config{}, rooms.NewRegistry(), stubTokens{claims: &ended}, sessions, nil, nil)
	if _, err := hub.AuthenticateClient(context.Background(), "token", ""); !errors.Is(err, xerrors.ErrSessionExpired) {
		t.Errorf("terminated session: err = %v", err)
	}

	hub = NewHub(Config{}, rooms.NewRegistry(), stubTokens{err: xerrors.ErrExpired}, sessions, nil, nil)
	if _, err := hub.AuthenticateClient(context.Background(), "token", ""); !errors.Is(err, xerrors.ErrExpired) {
		t.Errorf("expired token: err = %v", err)
	}
}
