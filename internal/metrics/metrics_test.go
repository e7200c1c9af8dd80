package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TokenIssued()
	m.TokenRotation("ok")
	m.EventPublished("session:expired")
	m.PushDelivered()
	m.PushDropped()
	m.SetConnections(3)
	m.SessionTransition("idle")
	m.SecurityEvent("token_reuse")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have nil registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.TokenRotation("reuse")
	m.PushDropped()
	m.SetConnections(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`helpdesk_token_rotations_total{outcome="reuse"} 1`,
		`helpdesk_events_pushes_dropped_total 1`,
		`helpdesk_realtime_connections 2`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}
