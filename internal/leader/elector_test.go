package leader

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"helpdesk-service/internal/events"
	"helpdesk-service/internal/pkg/clock"
	"helpdesk-service/internal/pkg/redistest"
	"helpdesk-service/internal/rooms"
	"helpdesk-service/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeLink struct {
	mu     sync.Mutex
	opened []map[string]uint64
	closed int
	ch     chan *events.Envelope
}

func (l *fakeLink) Open(_ context.Context, cursors map[string]uint64) (<-chan *events.Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = append(l.opened, cursors)
	l.ch = make(chan *events.Envelope, 16)
	return l.ch, nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) push(env *events.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ch <- env
}

func (l *fakeLink) opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.opened)
}

type fakePoller struct {
	heartbeats int
	records    map[string][]events.Record
	polled     map[string][]uint64
	// down fails every request when set
	down error
}

func (p *fakePoller) Heartbeat(context.Context) (*session.HeartbeatResult, error) {
	p.heartbeats++
	if p.down != nil {
		return nil, p.down
	}
	return &session.HeartbeatResult{SessionID: "s1", Status: session.StatusActive, SecondsRemaining: 600}, nil
}

func (p *fakePoller) Poll(_ context.Context, room string, since uint64, limit int) (events.Page, error) {
	if p.polled == nil {
		p.polled = make(map[string][]uint64)
	}
	p.polled[room] = append(p.polled[room], since)
	if p.down != nil {
		return events.Page{}, p.down
	}
	var page events.Page
	for _, rec := range p.records[room] {
		if rec.Seq > since && len(page.Records) < limit {
			page.Records = append(page.Records, rec)
		}
		page.Head = rec.Seq
	}
	return page, nil
}

// brokenLink never connects.
type brokenLink struct {
	attempts int
}

func (l *brokenLink) Open(context.Context, map[string]uint64) (<-chan *events.Envelope, error) {
	l.attempts++
	return nil, errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")
}

func (l *brokenLink) Close() error { return nil }

// logPoller answers polls from a real event log.
type logPoller struct {
	log events.Log
}

func (p logPoller) Heartbeat(context.Context) (*session.HeartbeatResult, error) {
	return &session.HeartbeatResult{SessionID: "s1", Status: session.StatusActive, SecondsRemaining: 600}, nil
}

func (p logPoller) Poll(ctx context.Context, room string, since uint64, limit int) (events.Page, error) {
	id, err := rooms.Parse(room)
	if err != nil {
		return events.Page{}, err
	}
	return p.log.Since(ctx, id, since, limit)
}

type tab struct {
	*Elector
	link         *fakeLink
	poller       *fakePoller
	got          []string
	beats        int
	connectivity []bool
}

func newTab(t *testing.T, ch Channel, clk clock.Clock, id string, visible bool) *tab {
	t.Helper()
	tb := &tab{link: &fakeLink{}, poller: &fakePoller{}}
	e, err := NewElector(Config{
		Principal:         "alice",
		HolderID:          id,
		Visible:           visible,
		Rooms:             []string{"user:alice"},
		HeartbeatInterval: 2 * time.Second,
		ClaimTimeout:      6 * time.Second,
		ElectionWindow:    time.Second,
	}, ch, Options{
		Link:           tb.link,
		Poller:         tb.poller,
		Clock:          clk,
		OnEvent:        func(env *events.Envelope) { tb.got = append(tb.got, env.ID) },
		OnHeartbeat:    func(*session.HeartbeatResult) { tb.beats++ },
		OnConnectivity: func(online bool) { tb.connectivity = append(tb.connectivity, online) },
	})
	if err != nil {
		t.Fatal(err)
	}
	tb.Elector = e
	return tb
}

func tick(t *testing.T, tabs ...*tab) {
	t.Helper()
	for _, tb := range tabs {
		if err := tb.Tick(context.Background()); err != nil {
			t.Fatalf("%s tick: %v", tb.ID(), err)
		}
	}
}

func start(t *testing.T, tabs ...*tab) {
	t.Helper()
	for _, tb := range tabs {
		if err := tb.Start(context.Background()); err != nil {
			t.Fatalf("%s start: %v", tb.ID(), err)
		}
		t.Cleanup(func() { _ = tb.Close(context.Background()) })
	}
}

func envelope(id string, seq uint64) *events.Envelope {
	return &events.Envelope{
		Event:   events.Event{ID: id, Type: events.TypeSecurityAlert, CreatedAt: t0},
		Cursors: map[string]uint64{"user:alice": seq},
	}
}

// elect runs a hidden tab a and a visible tab b through one election.
func elect(t *testing.T) (*clock.FakeClock, *MemoryChannel, *tab, *tab) {
	t.Helper()
	clk := clock.Fake(t0)
	ch := NewMemoryChannel()
	a := newTab(t, ch, clk, "a", false)
	b := newTab(t, ch, clk, "b", true)
	start(t, a, b)

	clk.Advance(time.Second)
	tick(t, a, b, a)
	return clk, ch, a, b
}

func TestPriorityBeats(t *testing.T) {
	base := Priority{StartedAt: t0, LastActive: t0, Nonce: "m"}
	cases := []struct {
		name string
		p, o Priority
		want bool
	}{
		{"visible wins", Priority{Visible: true, StartedAt: t0.Add(time.Hour), Nonce: "a"}, base, true},
		{"hidden loses", base, Priority{Visible: true, StartedAt: t0.Add(time.Hour)}, false},
		{"older wins", base, Priority{StartedAt: t0.Add(time.Second), LastActive: t0, Nonce: "z"}, true},
		{"recent activity wins", Priority{StartedAt: t0, LastActive: t0.Add(time.Minute), Nonce: "a"}, base, true},
		{"nonce breaks ties", Priority{StartedAt: t0, LastActive: t0, Nonce: "n"}, base, true},
		{"not against itself", base, base, false},
	}
	for _, tc := range cases {
		if got := tc.p.Beats(tc.o); got != tc.want {
			t.Errorf("%s: got %v", tc.name, got)
		}
	}
}

func TestNewElectorValidates(t *testing.T) {
	if _, err := NewElector(Config{}, NewMemoryChannel(), Options{}); err == nil {
		t.Error("missing principal accepted")
	}
	cfg := Config{Principal: "alice", HeartbeatInterval: 5 * time.Second, ClaimTimeout: 5 * time.Second}
	if _, err := NewElector(cfg, NewMemoryChannel(), Options{}); err == nil {
		t.Error("claim timeout equal to heartbeat accepted")
	}
}

func TestSingleTabClaimsAfterWindow(t *testing.T) {
	clk := clock.Fake(t0)
	ch := NewMemoryChannel()
	a := newTab(t, ch, clk, "a", false)
	start(t, a)

	if a.Role() == RoleLeader {
		t.Fatal("claimed before the election window passed")
	}
	clk.Advance(time.Second)
	tick(t, a)

	if a.Role() != RoleLeader || a.Leader() != "a" {
		t.Fatalf("role = %s, leader = %q", a.Role(), a.Leader())
	}
	claim, _ := ch.Get(context.Background(), "alice")
	if claim == nil || claim.Holder != "a" || !claim.HeartbeatAt.Equal(t0.Add(time.Second)) {
		t.Errorf("claim = %+v", claim)
	}
	if a.link.opens() != 1 {
		t.Errorf("link opened %d times", a.link.opens())
	}

	clk.Advance(2 * time.Second)
	tick(t, a)
	claim, _ = ch.Get(context.Background(), "alice")
	if !claim.HeartbeatAt.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("heartbeat not refreshed: %v", claim.HeartbeatAt)
	}
	if a.link.opens() != 1 {
		t.Error("heartbeat reopened the link")
	}
}

func TestVisibleTabWinsElection(t *testing.T) {
	_, ch, a, b := elect(t)

	if b.Role() != RoleLeader {
		t.Fatalf("b role = %s", b.Role())
	}
	if a.Role() != RoleFollower || a.Leader() != "b" {
		t.Fatalf("a role = %s, leader = %q", a.Role(), a.Leader())
	}
	if a.link.opens() != 0 || b.link.opens() != 1 {
		t.Errorf("connections: a=%d b=%d", a.link.opens(), b.link.opens())
	}
	claim, _ := ch.Get(context.Background(), "alice")
	if claim.Holder != "b" {
		t.Errorf("claim holder = %s", claim.Holder)
	}
}

func TestLeaderRelaysEventsOnce(t *testing.T) {
	_, _, a, b := elect(t)

	b.link.push(envelope("e1", 3))
	b.link.push(envelope("e1", 3))
	tick(t, b, a)

	if len(b.got) != 1 || len(a.got) != 1 || a.got[0] != "e1" {
		t.Errorf("leader got %v, follower got %v", b.got, a.got)
	}
	if a.Cursors()["user:alice"] != 3 {
		t.Errorf("follower cursors = %v", a.Cursors())
	}
	if a.poller.heartbeats != 0 {
		t.Error("follower polled while the leader was relaying")
	}
}

func TestFailoverAfterResign(t *testing.T) {
	clk, ch, a, b := elect(t)
	b.link.push(envelope("e1", 3))
	tick(t, b, a)

	if err := b.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if claim, _ := ch.Get(context.Background(), "alice"); claim != nil {
		t.Fatalf("claim survived resign: %+v", claim)
	}

	tick(t, a)
	if a.poller.heartbeats != 1 {
		t.Errorf("fallback heartbeats = %d", a.poller.heartbeats)
	}
	if since := a.poller.polled["user:alice"]; len(since) != 1 || since[0] != 3 {
		t.Errorf("polled since %v", since)
	}

	clk.Advance(time.Second)
	tick(t, a)
	if a.Role() != RoleLeader {
		t.Fatalf("a role = %s", a.Role())
	}
	if a.link.opens() != 1 || a.link.opened[0]["user:alice"] != 3 {
		t.Errorf("link opened with %v", a.link.opened)
	}
	if b.link.closed != 1 {
		t.Errorf("old leader link closed %d times", b.link.closed)
	}
}

func TestFailoverAfterLeaderDies(t *testing.T) {
	clk, ch, a, b := elect(t)
	a.poller.records = map[string][]events.Record{
		"user:alice": {
			{Seq: 1, Event: events.Event{ID: "e1", Type: events.TypeSessionIdle}},
			{Seq: 2, Event: events.Event{ID: "e2", Type: events.TypeSessionExpiring}},
		},
	}

	// b stops ticking; its claim lapses
	clk.Advance(6 * time.Second)
	tick(t, a)
	if a.Role() == RoleLeader {
		t.Fatal("claimed before the election window passed")
	}
	if len(a.got) != 2 || a.Cursors()["user:alice"] != 2 {
		t.Errorf("fallback delivered %v, cursors %v", a.got, a.Cursors())
	}

	clk.Advance(time.Second)
	tick(t, a)
	if a.Role() != RoleLeader {
		t.Fatalf("a role = %s", a.Role())
	}
	if len(a.got) != 2 {
		t.Errorf("repeated poll delivered duplicates: %v", a.got)
	}
	if since := a.poller.polled["user:alice"]; since[len(since)-1] != 2 {
		t.Errorf("second poll since %v", since)
	}
	claim, _ := ch.Get(context.Background(), "alice")
	if claim.Holder != "a" {
		t.Fatalf("claim holder = %s", claim.Holder)
	}

	// the stale leader notices on its next tick
	tick(t, b)
	if b.Role() != RoleFollower || b.Leader() != "a" {
		t.Errorf("b role = %s, leader = %q", b.Role(), b.Leader())
	}
	if b.link.closed != 1 {
		t.Errorf("stale link closed %d times", b.link.closed)
	}
}

func TestRunReleasesOnCancel(t *testing.T) {
	ch := NewMemoryChannel()
	link := &fakeLink{}
	e, err := NewElector(Config{
		Principal:         "alice",
		HolderID:          "solo",
		HeartbeatInterval: 10 * time.Millisecond,
		ClaimTimeout:      50 * time.Millisecond,
		ElectionWindow:    -1,
	}, ch, Options{Link: link})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for e.Role() != RoleLeader {
		if time.Now().After(deadline) {
			t.Fatal("never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if claim, _ := ch.Get(context.Background(), "alice"); claim != nil {
		t.Errorf("claim not released: %+v", claim)
	}
	if e.Role() != RoleUnclaimed {
		t.Errorf("role after run = %s", e.Role())
	}
}

func TestLeaderPollsWhileLinkIsDown(t *testing.T) {
	clk := clock.Fake(t0)
	ch := NewMemoryChannel()
	a := newTab(t, ch, clk, "a", false)
	b := newTab(t, ch, clk, "b", true)
	broken := &brokenLink{}
	b.Elector.link = broken
	b.poller.records = map[string][]events.Record{
		"user:alice": {{Seq: 1, Event: events.Event{ID: "e1", Type: events.TypeSecurityAlert}}},
	}
	start(t, a, b)

	clk.Advance(time.Second)
	tick(t, a, b, a)
	if b.Role() != RoleLeader || broken.attempts != 1 {
		t.Fatalf("b role = %s, link attempts = %d", b.Role(), broken.attempts)
	}

	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if !reflect.DeepEqual(b.got, []string{"e1"}) || !reflect.DeepEqual(a.got, []string{"e1"}) {
		t.Fatalf("leader got %v, follower got %v", b.got, a.got)
	}
	if b.beats != 1 || a.beats != 1 {
		t.Errorf("session heartbeats: leader %d, follower %d", b.beats, a.beats)
	}
	if a.poller.heartbeats != 0 {
		t.Error("follower polled while the leader was polling for it")
	}
	if broken.attempts != 2 {
		t.Errorf("link attempts = %d, want a retry on the first lead tick", broken.attempts)
	}

	// the next attempt waits twice the heartbeat interval
	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if broken.attempts != 2 {
		t.Errorf("link retried before its backoff: %d attempts", broken.attempts)
	}
	if a.beats != 2 || a.Role() != RoleFollower {
		t.Errorf("follower beats = %d, role = %s", a.beats, a.Role())
	}
	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if broken.attempts != 3 {
		t.Errorf("link attempts after backoff = %d", broken.attempts)
	}
}

func TestConnectivityFollowsLinkAndFallback(t *testing.T) {
	clk := clock.Fake(t0)
	ch := NewMemoryChannel()
	a := newTab(t, ch, clk, "a", false)
	b := newTab(t, ch, clk, "b", true)
	b.Elector.link = &brokenLink{}
	b.poller.down = errors.New("dial tcp: network is unreachable")
	start(t, a, b)

	clk.Advance(time.Second)
	tick(t, a, b, a)
	if len(a.connectivity) != 0 || len(b.connectivity) != 0 {
		t.Fatalf("connectivity reported before any fallback: a=%v b=%v", a.connectivity, b.connectivity)
	}

	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if b.Online() || a.Online() {
		t.Fatalf("online: leader %v, follower %v", b.Online(), a.Online())
	}
	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if !reflect.DeepEqual(b.connectivity, []bool{false}) || !reflect.DeepEqual(a.connectivity, []bool{false}) {
		t.Errorf("offline reported as leader %v, follower %v", b.connectivity, a.connectivity)
	}

	b.poller.down = nil
	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if !reflect.DeepEqual(b.connectivity, []bool{false, true}) || !reflect.DeepEqual(a.connectivity, []bool{false, true}) {
		t.Errorf("recovery reported as leader %v, follower %v", b.connectivity, a.connectivity)
	}

	// once the link opens the leader stops polling
	b.Elector.link = b.link
	clk.Advance(30 * time.Second)
	tick(t, b, a)
	if b.link.opens() != 1 {
		t.Fatalf("link opens = %d", b.link.opens())
	}
	polls := b.poller.heartbeats
	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if b.poller.heartbeats != polls {
		t.Error("leader kept polling with an open link")
	}
	if len(b.connectivity) != 2 {
		t.Errorf("connectivity = %v", b.connectivity)
	}
}

func TestFallbackRestartsAfterLostLog(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redistest.Guard(t, client)
	log := events.NewRedisLog(client, 16, time.Hour)
	publish := func(ids ...string) {
		t.Helper()
		for _, id := range ids {
			ev, err := events.New(events.TypeSessionActive, events.SessionPayload{SessionID: "s1"})
			if err != nil {
				t.Fatal(err)
			}
			ev.ID = id
			if _, err := log.Append(context.Background(), rooms.User("alice"), ev); err != nil {
				t.Fatal(err)
			}
		}
	}

	clk := clock.Fake(t0)
	ch := NewMemoryChannel()
	a := newTab(t, ch, clk, "a", false)
	b := newTab(t, ch, clk, "b", true)
	b.Elector.link = nil
	b.Elector.poller = logPoller{log: log}
	publish("a1", "a2", "a3")
	start(t, a, b)

	clk.Advance(time.Second)
	tick(t, a, b, a)
	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if len(a.got) != 3 || a.Cursors()["user:alice"] != 3 {
		t.Fatalf("before the loss follower got %v, cursors %v", a.got, a.Cursors())
	}

	// the room's keys expire and its sequence starts over
	mr.FastForward(2 * time.Hour)
	publish("b1", "b2")

	clk.Advance(2 * time.Second)
	tick(t, b, a)
	want := []string{"a1", "a2", "a3", "b1", "b2"}
	if !reflect.DeepEqual(b.got, want) || !reflect.DeepEqual(a.got, want) {
		t.Fatalf("leader got %v, follower got %v", b.got, a.got)
	}
	if b.Cursors()["user:alice"] != 2 || a.Cursors()["user:alice"] != 2 {
		t.Errorf("cursors: leader %v, follower %v", b.Cursors(), a.Cursors())
	}
	stored, _ := ch.LoadCursors(context.Background(), "alice")
	if stored["user:alice"] != 2 {
		t.Errorf("shared cursor = %d, want 2", stored["user:alice"])
	}

	// later events keep flowing from the new sequence
	publish("b3")
	clk.Advance(2 * time.Second)
	tick(t, b, a)
	if a.got[len(a.got)-1] != "b3" || a.Cursors()["user:alice"] != 3 {
		t.Errorf("after restart follower got %v, cursors %v", a.got, a.Cursors())
	}
}
