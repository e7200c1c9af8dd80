package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"helpdesk-service/internal/pkg/clock"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/security"
)

var (
	t0      = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type reports struct {
	mu     sync.Mutex
	events []security.Event
}

func (r *reports) Report(_ context.Context, ev security.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *reports) kinds() []security.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]security.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestManager(t *testing.T, store Store) (*Manager, *clock.FakeClock, *reports) {
	t.Helper()
	clk := clock.Fake(t0)
	key := rsaKey(t)
	keys := &jwt.Manager{
		Generator: jwt.NewGenerator(key, "helpdesk", "helpdesk-web", "k1"),
		Verifier:  jwt.NewVerifier(&key.PublicKey, "helpdesk", "helpdesk-web", clk.Now),
	}
	rep := &reports{}
	m, err := NewManager(Config{
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
	}, store, keys, clk, rep, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, clk, rep
}

func issue(t *testing.T, m *Manager, subject, session string) *Pair {
	t.Helper()
	pair, err := m.Issue(context.Background(), IssueRequest{Subject: subject, SessionID: session, DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return pair
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	key := rsaKey(t)
	keys := &jwt.Manager{
		Generator: jwt.NewGenerator(key, "i", "a", ""),
		Verifier:  jwt.NewVerifier(&key.PublicKey, "i", "a", nil),
	}
	bad := []Config{
		{AccessTTL: time.Hour, RefreshTTL: time.Minute, Secret: make([]byte, 32)},
		{AccessTTL: time.Minute, RefreshTTL: time.Hour, Secret: []byte("short")},
		{RefreshTTL: time.Hour, Secret: make([]byte, 32)},
	}
	for i, cfg := range bad {
		if _, err := NewManager(cfg, NewMemoryStore(), keys, nil, nil, nil, nil); err == nil {
			t.Errorf("config %d accepted", i)
		}
	}
}

func TestIssueAndValidate(t *testing.T) {
	m, _, _ := newTestManager(t, NewMemoryStore())
	pair := issue(t, m, "42", "sess-1")

	if pair.Rotation != 0 || pair.Family == "" || pair.CSRFToken == "" {
		t.Fatalf("pair = %+v", pair)
	}
	if !pair.AccessExpiresAt.Equal(t0.Add(15*time.Minute)) || !pair.RefreshExpiresAt.Equal(t0.Add(7*24*time.Hour)) {
		t.Errorf("expiries = %v / %v", pair.AccessExpiresAt, pair.RefreshExpiresAt)
	}

	claims, err := m.Validate(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Principal() != "42" || claims.SessionID != "sess-1" || claims.Family != pair.Family {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := m.Validate(context.Background(), pair.RefreshToken); !errors.Is(err, xerrors.ErrInvalidSignature) {
		t.Errorf("refresh token used as access: %v", err)
	}
}

func TestAccessNeverOutlivesRefresh(t *testing.T) {
	m, _, _ := newTestManager(t, NewMemoryStore())
	pair, err := m.Issue(context.Background(), IssueRequest{
		Subject:   "42",
		SessionID: "s",
		NotAfter:  t0.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !pair.RefreshExpiresAt.Equal(t0.Add(10*time.Minute)) || pair.AccessExpiresAt.After(pair.RefreshExpiresAt) {
		t.Fatalf("access %v refresh %v", pair.AccessExpiresAt, pair.RefreshExpiresAt)
	}

	if _, err := m.Issue(context.Background(), IssueRequest{Subject: "42", SessionID: "s", NotAfter: t0}); !errors.Is(err, xerrors.ErrExpired) {
		t.Fatalf("issue past NotAfter: %v", err)
	}
}

func TestValidateExpired(t *testing.T) {
	m, clk, _ := newTestManager(t, NewMemoryStore())
	pair := issue(t, m, "42", "s")
	clk.Advance(16 * time.Minute)
	if _, err := m.Validate(context.Background(), pair.AccessToken); !errors.Is(err, xerrors.ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}

func TestRotateAdvancesFamily(t *testing.T) {
	m, clk, _ := newTestManager(t, NewMemoryStore())
	first := issue(t, m, "42", "s")
	clk.Advance(time.Minute)

	second, err := m.Rotate(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if second.Rotation != 1 || second.Family != first.Family || second.SessionID != "s" {
		t.Fatalf("second = %+v", second)
	}
	if second.CSRFToken == first.CSRFToken || second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must change refresh and csrf tokens")
	}
	if _, err := m.Validate(context.Background(), first.AccessToken); err != nil {
		t.Errorf("earlier access token should stay valid until expiry: %v", err)
	}
}

func TestStaleRefreshRevokesFamily(t *testing.T) {
	m, _, rep := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	pair := issue(t, m, "42", "s")

	var history []*Pair
	history = append(history, pair)
	for i := 0; i < 4; i++ {
		next, err := m.Rotate(ctx, history[len(history)-1].RefreshToken)
		if err != nil {
			t.Fatalf("rotate %d: %v", i, err)
		}
		history = append(history, next)
	}
	latest := history[4]
	if latest.Rotation != 4 {
		t.Fatalf("rotation = %d", latest.Rotation)
	}

	if _, err := m.Rotate(ctx, history[3].RefreshToken); !errors.Is(err, xerrors.ErrReuseDetected) {
		t.Fatalf("stale refresh: %v", err)
	}
	if _, err := m.Validate(ctx, latest.AccessToken); !errors.Is(err, xerrors.ErrRevoked) {
		t.Fatalf("latest access after reuse: %v", err)
	}
	if _, err := m.Rotate(ctx, latest.RefreshToken); !errors.Is(err, xerrors.ErrRevoked) {
		t.Fatalf("latest refresh after reuse: %v", err)
	}
	if kinds := rep.kinds(); len(kinds) != 1 || kinds[0] != security.KindTokenReuse {
		t.Fatalf("reported = %v", kinds)
	}
}

func TestConcurrentRotateOneWinner(t *testing.T) {
	m, _, _ := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	pair := issue(t, m, "42", "s")

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
		pairs   = make([]*Pair, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pairs[i], results[i] = m.Rotate(ctx, pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	wins, reuses := 0, 0
	var winner *Pair
	for i, err := range results {
		switch {
		case err == nil:
			wins++
			winner = pairs[i]
		case errors.Is(err, xerrors.ErrReuseDetected):
			reuses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || reuses != 1 {
		t.Fatalf("wins=%d reuses=%d", wins, reuses)
	}
	if _, err := m.Validate(ctx, winner.AccessToken); !errors.Is(err, xerrors.ErrRevoked) {
		t.Fatalf("winner access after reuse: %v", err)
	}
	if _, err := m.Validate(ctx, pair.AccessToken); !errors.Is(err, xerrors.ErrRevoked) {
		t.Fatalf("original access after reuse: %v", err)
	}
}

func TestRevokeSubjectIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	a := issue(t, m, "42", "s1")
	b := issue(t, m, "42", "s2")
	other := issue(t, m, "7", "s3")

	for i := 0; i < 2; i++ {
		if err := m.Revoke(ctx, RevokeSubject("42"), "logout_all"); err != nil {
			t.Fatalf("revoke %d: %v", i, err)
		}
	}
	for _, p := range []*Pair{a, b} {
		if _, err := m.Validate(ctx, p.AccessToken); !errors.Is(err, xerrors.ErrRevoked) {
			t.Errorf("family %s: %v", p.Family, err)
		}
	}
	if _, err := m.Validate(ctx, other.AccessToken); err != nil {
		t.Errorf("other principal affected: %v", err)
	}
	if err := m.Revoke(ctx, Target{}, "x"); !errors.Is(err, xerrors.ErrInvalidInput) {
		t.Errorf("empty target: %v", err)
	}
}

func TestCSRFBoundToRotation(t *testing.T) {
	m, _, _ := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	pair := issue(t, m, "42", "s")

	if err := m.ValidateCSRF(ctx, pair.Family, pair.CSRFToken); err != nil {
		t.Fatalf("valid csrf: %v", err)
	}
	if err := m.ValidateCSRF(ctx, pair.Family, ""); !errors.Is(err, xerrors.ErrCSRFMismatch) {
		t.Errorf("empty csrf: %v", err)
	}

	next, err := m.Rotate(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ValidateCSRF(ctx, pair.Family, pair.CSRFToken); !errors.Is(err, xerrors.ErrCSRFMismatch) {
		t.Errorf("previous rotation csrf: %v", err)
	}
	got, err := m.CSRFFor(ctx, next.Family)
	if err != nil || got != next.CSRFToken {
		t.Errorf("CSRFFor = %q, %v", got, err)
	}

	_ = m.Revoke(ctx, RevokeFamily(pair.Family), "logout")
	if err := m.ValidateCSRF(ctx, pair.Family, next.CSRFToken); !errors.Is(err, xerrors.ErrRevoked) {
		t.Errorf("csrf on revoked family: %v", err)
	}
}

func TestReuseErrorNamesSession(t *testing.T) {
	m, _, _ := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	pair := issue(t, m, "42", "sess-9")
	if _, err := m.Rotate(ctx, pair.RefreshToken); err != nil {
		t.Fatal(err)
	}

	_, err := m.Rotate(ctx, pair.RefreshToken)
	var reuse *ReuseError
	if !errors.As(err, &reuse) {
		t.Fatalf("got %v, want *ReuseError", err)
	}
	if reuse.SessionID != "sess-9" || reuse.Subject != "42" || reuse.Family != pair.Family {
		t.Errorf("reuse = %+v", reuse)
	}
}
