package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	wstypes "helpdesk-service/internal/domain/websocket"
	"helpdesk-service/internal/events"
	"helpdesk-service/internal/rooms"
	"helpdesk-service/internal/session"
	ws "helpdesk-service/internal/websocket"

	"github.com/gorilla/websocket"
)

var alice = ws.ClientAuth{Principal: "alice", SessionID: "s1", DeviceID: "d1"}

func connect(t *testing.T, hub *ws.Hub, auth ws.ClientAuth) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := ws.NewClient(hub, conn, auth)
		if err := hub.Register(client); err != nil {
			conn.Close()
			return
		}
		go client.WritePump()
		client.ReadPump()
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if msg := read(t, conn); msg.Type != wstypes.EventTypeConnected {
		t.Fatalf("first message = %s", msg.Type)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) *wstypes.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := wstypes.ParseMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func request(t *testing.T, conn *websocket.Conn, eventType wstypes.EventType, data interface{}) *wstypes.WSMessage {
	t.Helper()
	req := wstypes.NewMessage(eventType, data)
	raw, err := req.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatal(err)
	}
	resp := read(t, conn)
	if resp.Type != wstypes.EventTypeError && resp.ReplyTo != req.ID {
		t.Fatalf("reply_to = %q, want %q", resp.ReplyTo, req.ID)
	}
	return resp
}

func TestRoomJoinAndLeave(t *testing.T) {
	hub := ws.NewHub(ws.Config{}, rooms.NewRegistry(), nil, nil, nil, nil)
	if err := hub.RegisterHandler(NewRoomHandler(hub)); err != nil {
		t.Fatal(err)
	}
	conn := connect(t, hub, alice)

	resp := request(t, conn, wstypes.EventTypeRoomLeave, wstypes.RoomRequest{Room: "device:d1"})
	var data wstypes.RoomData
	if err := resp.Bind(&data); err != nil {
		t.Fatal(err)
	}
	if data.Status != "left" || strings.Join(data.Rooms, ",") != "session:s1,user:alice" {
		t.Errorf("leave = %+v", data)
	}

	resp = request(t, conn, wstypes.EventTypeRoomJoin, wstypes.RoomRequest{Room: "device:d1"})
	if err := resp.Bind(&data); err != nil {
		t.Fatal(err)
	}
	if data.Status != "joined" || len(data.Rooms) != 3 {
		t.Errorf("join = %+v", data)
	}
}

func TestRoomJoinPolicyViolation(t *testing.T) {
	hub := ws.NewHub(ws.Config{}, rooms.NewRegistry(), nil, nil, nil, nil)
	if err := hub.RegisterHandler(NewRoomHandler(hub)); err != nil {
		t.Fatal(err)
	}
	conn := connect(t, hub, alice)

	for room, code := range map[string]string{
		"user:bob":  "room_policy_violation",
		"galaxy:42": "invalid_request",
	} {
		resp := request(t, conn, wstypes.EventTypeRoomJoin, wstypes.RoomRequest{Room: room})
		var data wstypes.ErrorData
		if err := resp.Bind(&data); err != nil {
			t.Fatal(err)
		}
		if resp.Type != wstypes.EventTypeError || data.Code != code {
			t.Errorf("%s: got %s %+v", room, resp.Type, data)
		}
	}
}

type fakeHeartbeater struct {
	calls []string
}

func (f *fakeHeartbeater) Heartbeat(_ context.Context, id string) (*session.HeartbeatResult, error) {
	f.calls = append(f.calls, id)
	return &session.HeartbeatResult{SessionID: id, Status: session.StatusIdle, SecondsRemaining: 120}, nil
}

func TestSessionHeartbeat(t *testing.T) {
	hub := ws.NewHub(ws.Config{}, rooms.NewRegistry(), nil, nil, nil, nil)
	beats := &fakeHeartbeater{}
	if err := hub.RegisterHandler(NewSessionHandler(beats)); err != nil {
		t.Fatal(err)
	}
	conn := connect(t, hub, alice)

	resp := request(t, conn, wstypes.EventTypeSessionHeartbeat, nil)
	var res session.HeartbeatResult
	if err := resp.Bind(&res); err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "s1" || res.Status != session.StatusIdle || res.SecondsRemaining != 120 {
		t.Errorf("heartbeat = %+v", res)
	}
	if len(beats.calls) != 1 || beats.calls[0] != "s1" {
		t.Errorf("calls = %v", beats.calls)
	}
}

func TestResync(t *testing.T) {
	reg := rooms.NewRegistry()
	hub := ws.NewHub(ws.Config{}, reg, nil, nil, nil, nil)
	engine := events.NewEngine(events.NewMemoryLog(3), reg, hub, nil, nil, nil)
	if err := hub.RegisterHandler(NewResyncHandler(engine)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := engine.Publish(ctx, events.Event{Type: events.TypeSecurityAlert}, rooms.User("alice")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := engine.Publish(ctx, events.Event{Type: events.TypeSessionCreated}, rooms.Session("s1")); err != nil {
		t.Fatal(err)
	}

	conn := connect(t, hub, alice)
	resp := request(t, conn, wstypes.EventTypeEventsResync, wstypes.ResyncRequest{Cursors: map[string]uint64{
		"user:alice": 3,
		"session:s1": 0,
		"user:bob":   0,
		"nonsense":   0,
	}})
	var data wstypes.ResyncData
	if err := resp.Bind(&data); err != nil {
		t.Fatal(err)
	}

	user := data.Rooms["user:alice"]
	if len(user.Records) != 2 || user.Records[0].Seq != 4 || user.Head != 5 {
		t.Errorf("user backlog = %+v", user)
	}
	if sess := data.Rooms["session:s1"]; len(sess.Records) != 1 || sess.Records[0].Event.Type != events.TypeSessionCreated {
		t.Errorf("session backlog = %+v", sess)
	}
	if bob := data.Rooms["user:bob"]; bob.Error != "room_policy_violation" {
		t.Errorf("foreign room = %+v", bob)
	}
	if bad := data.Rooms["nonsense"]; bad.Error == "" {
		t.Errorf("bad room = %+v", bad)
	}

	resp = request(t, conn, wstypes.EventTypeEventsResync, wstypes.ResyncRequest{Cursors: map[string]uint64{"user:alice": 1}})
	var again wstypes.ResyncData
	if err := resp.Bind(&again); err != nil {
		t.Fatal(err)
	}
	if gap := again.Rooms["user:alice"]; !gap.Gap || gap.Oldest != 3 || gap.Head != 5 {
		t.Errorf("gap = %+v", gap)
	}
}
