package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"helpdesk-service/internal/domain/auth"
	evdto "helpdesk-service/internal/domain/events"
	"helpdesk-service/internal/events"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/middleware"
	"helpdesk-service/internal/rooms"
	"helpdesk-service/internal/session"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type stubAuth struct{}

func (stubAuth) ValidateToken(_ context.Context, token, _ string) (*jwt.Claims, *session.Session, error) {
	if token != "good" {
		return nil, nil, xerrors.ErrExpired
	}
	return &jwt.Claims{SessionID: "s1", RegisteredClaims: jwtlib.RegisteredClaims{Subject: "7"}},
		&session.Session{ID: "s1", Principal: "7", Device: session.DeviceInfo{DeviceID: "d1"}}, nil
}

func (stubAuth) ValidateCSRF(context.Context, string, string) error { return nil }

func (stubAuth) Me(context.Context, string) (*auth.UserInfo, error) { return &auth.UserInfo{}, nil }

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func setup(t *testing.T, capacity, published int) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := events.NewEngine(events.NewMemoryLog(capacity), nil, nil, nil, nil, nil)
	for i := 1; i <= published; i++ {
		ev, err := events.New(events.TypeSessionActive, events.SessionPayload{SessionID: "s1"})
		if err != nil {
			t.Fatal(err)
		}
		ev.ID = fmt.Sprintf("e%d", i)
		if _, err := engine.Publish(context.Background(), ev, rooms.User("7")); err != nil {
			t.Fatal(err)
		}
	}

	m := middleware.NewAuthMiddleware(stubAuth{})
	r := gin.New()
	r.GET("/events/poll", m.Auth(), NewPollHandler(engine, zap.NewNop()).Poll)
	return r
}

func get(t *testing.T, h http.Handler, target string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s: %v", w.Body, err)
	}
	return w.Code, env
}

func TestPollReturnsRecordsAfterCursor(t *testing.T) {
	h := setup(t, 10, 3)

	status, env := get(t, h, "/events/poll?room=user:7&since=1")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var resp evdto.PollResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Records) != 2 || resp.Records[0].Seq != 2 || resp.Head != 3 || resp.HasMore {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Records[0].Event.ID != "e2" {
		t.Fatalf("first event = %s", resp.Records[0].Event.ID)
	}

	_, env = get(t, h, "/events/poll?room=user:7&since=1&limit=1")
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Records) != 1 || !resp.HasMore {
		t.Fatalf("paged resp = %+v", resp)
	}
}

func TestPollEmptyRoom(t *testing.T) {
	h := setup(t, 10, 0)

	status, env := get(t, h, "/events/poll?room=session:s1")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var resp evdto.PollResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Records == nil || len(resp.Records) != 0 {
		t.Fatalf("records = %#v", resp.Records)
	}
}

func TestPollGapAnswersConflict(t *testing.T) {
	h := setup(t, 2, 5)

	status, env := get(t, h, "/events/poll?room=user:7&since=1")
	if status != http.StatusConflict || env.Code != "sequence_gap" {
		t.Fatalf("status = %d code = %q", status, env.Code)
	}
	var gap evdto.GapData
	if err := json.Unmarshal(env.Data, &gap); err != nil {
		t.Fatal(err)
	}
	if gap.Room != "user:7" || gap.Since != 1 || gap.Oldest != 4 || gap.Head != 5 {
		t.Fatalf("gap = %+v", gap)
	}
}

func TestPollRejects(t *testing.T) {
	h := setup(t, 10, 1)

	cases := []struct {
		target string
		status int
		code   string
	}{
		{"/events/poll?room=user:8", http.StatusForbidden, "room_policy_violation"},
		{"/events/poll?room=tab:t1", http.StatusForbidden, "room_policy_violation"},
		{"/events/poll?room=bogus", http.StatusBadRequest, ""},
		{"/events/poll", http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		status, env := get(t, h, tc.target)
		if status != tc.status || env.Code != tc.code {
			t.Fatalf("%s: status = %d code = %q", tc.target, status, env.Code)
		}
	}

	if status, _ := get(t, h, "/events/poll?room=tab:t1&tab_id=t1"); status != http.StatusOK {
		t.Fatalf("own tab: status = %d", status)
	}
}
