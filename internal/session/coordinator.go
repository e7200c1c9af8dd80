package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"helpdesk-service/internal/events"
	"helpdesk-service/internal/metrics"
	"helpdesk-service/internal/pkg/clock"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/keylock"
	"helpdesk-service/internal/rooms"
	"helpdesk-service/internal/security"
	"helpdesk-service/internal/token"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Tokens is the part of the token manager sessions drive.
type Tokens interface {
	Issue(ctx context.Context, req token.IssueRequest) (*token.Pair, error)
	Rotate(ctx context.Context, refreshToken string) (*token.Pair, error)
	Revoke(ctx context.Context, target token.Target, reason string) error
}

// Publisher pushes lifecycle events to rooms.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event, targets ...rooms.ID) (*events.Receipt, error)
}

// Coordinator serializes every mutation of a session behind a per-session
// lock and a versioned store write, and keeps one transition timer per live
// session.
type Coordinator struct {
	cfg       Config
	store     Store
	mirror    Mirror
	tokens    Tokens
	publisher Publisher
	reporter  security.Reporter
	locks     *keylock.Locker
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu     sync.Mutex
	timers map[string]clock.Timer
	closed bool
}

type Options struct {
	Mirror    Mirror
	Publisher Publisher
	Reporter  security.Reporter
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func NewCoordinator(cfg Config, store Store, tokens Tokens, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Reporter == nil {
		opts.Reporter = security.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		store:     store,
		mirror:    opts.Mirror,
		tokens:    tokens,
		publisher: opts.Publisher,
		reporter:  opts.Reporter,
		locks:     keylock.New(),
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		timers:    make(map[string]clock.Timer),
	}
}

// Create opens a session for principal and issues its first token pair.
func (c *Coordinator) Create(ctx context.Context, principal string, device DeviceInfo) (*Session, *token.Pair, error) {
	if principal == "" {
		return nil, nil, fmt.Errorf("%w: principal is required", xerrors.ErrInvalidInput)
	}
	now := c.clock.Now().UTC()
	s := &Session{
		ID:           ulid.Make().String(),
		Principal:    principal,
		Device:       device,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		LastSeen:     now,
		ExpiresAt:    now.Add(c.cfg.AbsoluteTTL),
	}

	pair, err := c.tokens.Issue(ctx, token.IssueRequest{
		Subject:   principal,
		SessionID: s.ID,
		DeviceID:  device.DeviceID,
		NotAfter:  s.ExpiresAt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue tokens: %w", err)
	}
	s.Family = pair.Family

	unlock := c.locks.Lock(s.ID)
	defer unlock()

	if err := c.store.Create(ctx, s); err != nil {
		if rerr := c.tokens.Revoke(ctx, token.RevokeFamily(pair.Family), "session_store_failed"); rerr != nil {
			c.logger.Error("failed to revoke orphaned family", zap.String("family", pair.Family), zap.Error(rerr))
		}
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	c.mirrorWrite(ctx, s)
	c.schedule(s, now)
	c.metrics.SessionTransition(string(StatusActive))
	c.publish(ctx, events.TypeSessionCreated, s, now)

	c.logger.Info("session created",
		zap.String("principal", principal),
		zap.String("session_id", s.ID),
		zap.String("device_id", device.DeviceID),
	)
	return s.clone(), pair, nil
}

// Get loads a session, restoring it from the mirror when the primary store
// has lost it.
func (c *Coordinator) Get(ctx context.Context, id string) (*Session, error) {
	s, err := c.store.Get(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) || c.mirror == nil {
		return nil, err
	}

	s, merr := c.mirror.Find(ctx, id)
	if merr != nil {
		if errors.Is(merr, xerrors.ErrNotFound) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session mirror: %w", merr)
	}
	if cerr := c.store.Create(ctx, s); cerr != nil && !errors.Is(cerr, xerrors.ErrConflict) {
		c.logger.Warn("failed to restore session from mirror", zap.String("session_id", id), zap.Error(cerr))
		return s, nil
	}
	c.logger.Info("session restored from mirror", zap.String("session_id", id))
	return c.store.Get(ctx, id)
}

// Touch records activity. Terminal sessions are left untouched.
func (c *Coordinator) Touch(ctx context.Context, id string) (*Session, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	s, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now().UTC()
	if status, reason := evaluate(s, now, c.cfg); status.Terminal() {
		if s.Status.Terminal() {
			return s, nil
		}
		if err := c.end(ctx, s, status, reason, now); err != nil {
			return nil, err
		}
		return s.clone(), nil
	}

	prev := s.Status
	s.LastActivity = now
	s.LastSeen = now
	s.Status, _ = evaluate(s, now, c.cfg)
	if err := c.commit(ctx, s, prev, now); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// Heartbeat reports time left and current status. It records that the
// client is alive without counting as user activity.
func (c *Coordinator) Heartbeat(ctx context.Context, id string) (*HeartbeatResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	s, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now().UTC()
	if _, err := c.settle(ctx, s, now); err != nil {
		return nil, err
	}

	if !s.Status.Terminal() {
		s.LastSeen = now
		if err := c.commit(ctx, s, s.Status, now); err != nil {
			return nil, err
		}
	}

	remaining := int64(0)
	if !s.Status.Terminal() {
		remaining = secondsUntil(s.ExpiresAt, now)
	}
	return &HeartbeatResult{
		SessionID:        s.ID,
		Status:           s.Status,
		SecondsRemaining: remaining,
		ExpiresAt:        s.ExpiresAt,
	}, nil
}

// Terminate ends a session, stops its timer and revokes its token family.
// Terminating an ended session is a no-op.
func (c *Coordinator) Terminate(ctx context.Context, id, reason string) (*Session, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	s, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	if err := c.end(ctx, s, StatusTerminated, reason, c.clock.Now().UTC()); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// TerminateAll ends every live session of principal except keep, which may
// be empty, and returns how many were ended.
func (c *Coordinator) TerminateAll(ctx context.Context, principal, keep, reason string) (int, error) {
	sessions, err := c.store.ListByPrincipal(ctx, principal)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if s.ID == keep || s.Status.Terminal() {
			continue
		}
		ended, err := c.Terminate(ctx, s.ID, reason)
		if err != nil {
			return n, fmt.Errorf("failed to terminate session %s: %w", s.ID, err)
		}
		if ended.TerminatedReason == reason {
			n++
		}
	}
	if keep == "" {
		if err := c.tokens.Revoke(ctx, token.RevokeSubject(principal), reason); err != nil {
			return n, fmt.Errorf("failed to revoke tokens of %s: %w", principal, err)
		}
	}
	return n, nil
}

// ListActive returns the live sessions of principal with their current
// status, oldest first.
func (c *Coordinator) ListActive(ctx context.Context, principal string) ([]*Session, error) {
	sessions, err := c.store.ListByPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now().UTC()
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		status, _ := evaluate(s, now, c.cfg)
		if status.Terminal() {
			continue
		}
		s.Status = status
		out = append(out, s)
	}
	return out, nil
}

// Refresh rotates the session's tokens. A replayed refresh token ends the
// session it belonged to.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) (*Session, *token.Pair, error) {
	pair, err := c.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		var reuse *token.ReuseError
		if errors.As(err, &reuse) && reuse.SessionID != "" {
			if _, terr := c.Terminate(ctx, reuse.SessionID, ReasonTokenReuse); terr != nil && !errors.Is(terr, xerrors.ErrNotFound) {
				c.logger.Error("failed to terminate session after token reuse",
					zap.String("session_id", reuse.SessionID),
					zap.Error(terr),
				)
			}
		}
		return nil, nil, err
	}

	unlock := c.locks.Lock(pair.SessionID)
	defer unlock()

	s, err := c.Get(ctx, pair.SessionID)
	if err != nil {
		return nil, nil, err
	}
	now := c.clock.Now().UTC()
	if _, err := c.settle(ctx, s, now); err != nil {
		return nil, nil, err
	}
	if s.Status.Terminal() {
		_ = c.tokens.Revoke(ctx, token.RevokeFamily(pair.Family), s.TerminatedReason)
		return nil, nil, fmt.Errorf("%w: session %s is %s", xerrors.ErrSessionExpired, s.ID, s.Status)
	}

	s.LastSeen = now
	if err := c.commit(ctx, s, s.Status, now); err != nil {
		return nil, nil, err
	}
	c.publishRotation(ctx, s, pair)
	return s.clone(), pair, nil
}

// Sweep re-evaluates every stored session, applies due transitions, arms
// missing timers and drops records past retention.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	ids, err := c.store.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		moved, err := c.advance(ctx, id)
		if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
			c.logger.Warn("sweep failed for session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if moved {
			changed++
		}
	}
	return changed, nil
}

// Run sweeps on an interval until ctx is done, then stops every timer.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("initial session sweep failed", zap.Error(err))
	}

	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			n, err := c.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("session sweep failed", zap.Error(err))
			}
			if n > 0 {
				c.logger.Debug("session sweep", zap.Int("transitions", n))
			}
		}
	}
}

// Close stops all transition timers. Later schedules are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// advance applies whatever transition is due for id.
func (c *Coordinator) advance(ctx context.Context, id string) (bool, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	now := c.clock.Now().UTC()

	if s.Status.Terminal() {
		c.unschedule(id)
		if !now.Before(s.retainUntil(c.cfg.Retention)) {
			return false, c.store.Delete(ctx, id)
		}
		return false, nil
	}

	prev := s.Status
	if _, err := c.settle(ctx, s, now); err != nil {
		return false, err
	}
	if s.Status == prev {
		c.schedule(s, now)
	}
	return s.Status != prev, nil
}

// settle brings s to the status evaluate assigns at now and persists any
// change. It reports whether s is terminal afterwards.
func (c *Coordinator) settle(ctx context.Context, s *Session, now time.Time) (bool, error) {
	if s.Status.Terminal() {
		return true, nil
	}
	status, reason := evaluate(s, now, c.cfg)
	if status == s.Status {
		return false, nil
	}
	if status.Terminal() {
		return true, c.end(ctx, s, status, reason, now)
	}
	prev := s.Status
	s.Status = status
	return false, c.commit(ctx, s, prev, now)
}

// end moves s to a terminal status and revokes its token family.
func (c *Coordinator) end(ctx context.Context, s *Session, status Status, reason string, now time.Time) error {
	c.unschedule(s.ID)
	if s.Family != "" {
		if err := c.tokens.Revoke(ctx, token.RevokeFamily(s.Family), reason); err != nil {
			return fmt.Errorf("failed to revoke tokens of session %s: %w", s.ID, err)
		}
	}
	prev := s.Status
	s.Status = status
	s.TerminatedReason = reason
	s.EndedAt = now
	if err := c.commit(ctx, s, prev, now); err != nil {
		return err
	}
	c.logger.Info("session ended",
		zap.String("principal", s.Principal),
		zap.String("session_id", s.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
	return nil
}

// commit writes s at its current version and announces a status change.
func (c *Coordinator) commit(ctx context.Context, s *Session, prev Status, now time.Time) error {
	if err := c.store.Update(ctx, s, s.Version); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	c.mirrorWrite(ctx, s)
	if s.Status.Terminal() {
		c.unschedule(s.ID)
	} else {
		c.schedule(s, now)
	}
	if s.Status == prev {
		return nil
	}

	c.metrics.SessionTransition(string(s.Status))
	c.publish(ctx, transitionEvent(s.Status), s, now)
	return nil
}

func transitionEvent(status Status) events.Type {
	switch status {
	case StatusIdle:
		return events.TypeSessionIdle
	case StatusExpiring:
		return events.TypeSessionExpiring
	case StatusExpired:
		return events.TypeSessionExpired
	case StatusTerminated:
		return events.TypeSessionTerminated
	default:
		return events.TypeSessionActive
	}
}

func (c *Coordinator) publish(ctx context.Context, t events.Type, s *Session, now time.Time) {
	if c.publisher == nil {
		return
	}
	ev, err := events.New(t, events.SessionPayload{
		SessionID:        s.ID,
		Principal:        s.Principal,
		Status:           string(s.Status),
		Reason:           s.TerminatedReason,
		ExpiresAt:        s.ExpiresAt,
		SecondsRemaining: secondsUntil(s.ExpiresAt, now),
	})
	if err != nil {
		c.logger.Error("failed to build session event", zap.Error(err))
		return
	}
	if _, err := c.publisher.Publish(ctx, ev, rooms.Session(s.ID), rooms.User(s.Principal)); err != nil {
		c.logger.Warn("failed to publish session event",
			zap.String("session_id", s.ID),
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
}

// RotationPayload tells a session's other tabs that tokens moved on.
type RotationPayload struct {
	SessionID string `json:"session_id"`
	Family    string `json:"family"`
	Rotation  int    `json:"rotation"`
}

func (c *Coordinator) publishRotation(ctx context.Context, s *Session, pair *token.Pair) {
	if c.publisher == nil {
		return
	}
	ev, err := events.New(events.TypeTokenRotated, RotationPayload{
		SessionID: s.ID,
		Family:    pair.Family,
		Rotation:  pair.Rotation,
	})
	if err != nil {
		return
	}
	if _, err := c.publisher.Publish(ctx, ev, rooms.Session(s.ID)); err != nil {
		c.logger.Warn("failed to publish rotation", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (c *Coordinator) mirrorWrite(ctx context.Context, s *Session) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Upsert(ctx, s); err != nil {
		c.logger.Warn("failed to mirror session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// schedule arms the transition timer for s, replacing any previous one.
func (c *Coordinator) schedule(s *Session, now time.Time) {
	at, ok := nextDeadline(s, now, c.cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, exists := c.timers[s.ID]; exists {
		old.Stop()
		delete(c.timers, s.ID)
	}
	if !ok || c.closed {
		return
	}
	id := s.ID
	c.timers[id] = c.clock.AfterFunc(at.Sub(now), func() { c.onTimer(id) })
}

func (c *Coordinator) unschedule(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) onTimer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.advance(ctx, id); err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		c.logger.Warn("session timer failed", zap.String("session_id", id), zap.Error(err))
	}
}
