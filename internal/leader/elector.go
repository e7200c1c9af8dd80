package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"helpdesk-service/internal/events"
	"helpdesk-service/internal/pkg/clock"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Role int

const (
	RoleUnclaimed Role = iota
	RoleFollower
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	default:
		return "unclaimed"
	}
}

// Link is the realtime connection. Only the leader opens one. The returned
// channel is closed when the connection drops.
type Link interface {
	Open(ctx context.Context, cursors map[string]uint64) (<-chan *events.Envelope, error)
	Close() error
}

// Poller is the HTTP fallback used while no leader is relaying.
type Poller interface {
	Heartbeat(ctx context.Context) (*session.HeartbeatResult, error)
	Poll(ctx context.Context, room string, since uint64, limit int) (events.Page, error)
}

type Config struct {
	Principal string
	// HolderID identifies this tab; a random UUID when empty.
	HolderID string
	Visible  bool
	// Rooms are polled from sequence 0 until a cursor is known for them.
	Rooms []string

	HeartbeatInterval time.Duration
	ClaimTimeout      time.Duration
	// ElectionWindow is how long a candidate listens for better rivals
	// before claiming.
	ElectionWindow time.Duration
	// SilenceTimeout without leader traffic switches a follower to polling.
	SilenceTimeout time.Duration
	PollLimit      int
	SeenWindow     int
	// LinkRetryMax caps the wait between attempts to reopen a failed link.
	// The wait starts at HeartbeatInterval and doubles per failure.
	LinkRetryMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.HolderID == "" {
		c.HolderID = uuid.NewString()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 3 * c.HeartbeatInterval
	}
	if c.ElectionWindow < 0 {
		c.ElectionWindow = 0
	} else if c.ElectionWindow == 0 {
		c.ElectionWindow = c.HeartbeatInterval / 2
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = c.ClaimTimeout
	}
	if c.PollLimit <= 0 {
		c.PollLimit = events.DefaultPollLimit
	}
	if c.SeenWindow <= 0 {
		c.SeenWindow = 1024
	}
	if c.LinkRetryMax <= 0 {
		c.LinkRetryMax = 30 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.Principal == "" {
		return fmt.Errorf("%w: principal is required", xerrors.ErrInvalidInput)
	}
	if c.ClaimTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: claim timeout must exceed the heartbeat interval", xerrors.ErrInvalidInput)
	}
	return nil
}

type Options struct {
	Link         Link
	Poller       Poller
	Clock        clock.Clock
	Logger       *zap.Logger
	OnEvent      func(*events.Envelope)
	OnHeartbeat  func(*session.HeartbeatResult)
	OnRoleChange func(Role)
	// OnConnectivity fires with false once neither the link nor the HTTP
	// fallback reaches the server, and with true when one does again.
	// Followers mirror the leader's state.
	OnConnectivity func(online bool)
}

type rival struct {
	priority Priority
	seenAt   time.Time
}

// Elector runs the election for one tab. Start, Tick, Run and Close must be
// called from a single goroutine; Role, Leader, Online, Cursors, Resume,
// ShareHeartbeat, SetVisible and MarkActive are safe from any goroutine.
type Elector struct {
	cfg    Config
	ch     Channel
	link   Link
	poller Poller
	clock  clock.Clock
	logger *zap.Logger

	onEvent        func(*events.Envelope)
	onHeartbeat    func(*session.HeartbeatResult)
	onRoleChange   func(Role)
	onConnectivity func(bool)

	mu       sync.Mutex
	role     Role
	leaderID string
	online   bool
	priority Priority
	cursors  map[string]uint64
	// rooms whose shared cursor must be overwritten rather than merged
	rewound map[string]struct{}

	runCtx         context.Context
	claim          *Claim
	seen           *seenSet
	lastLeaderSeen time.Time
	candidacyAt    time.Time
	rivals         map[string]rival
	sub            <-chan Message
	unsubscribe    func()
	linkEvents     <-chan *events.Envelope
	linkCancel     context.CancelFunc
	linkFailures   int
	linkRetryAt    time.Time
}

func NewElector(cfg Config, ch Channel, opts Options) (*Elector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	now := opts.Clock.Now()
	return &Elector{
		cfg:            cfg,
		ch:             ch,
		link:           opts.Link,
		poller:         opts.Poller,
		clock:          opts.Clock,
		logger:         opts.Logger.With(zap.String("principal", cfg.Principal), zap.String("holder", cfg.HolderID)),
		onEvent:        opts.OnEvent,
		onHeartbeat:    opts.OnHeartbeat,
		onRoleChange:   opts.OnRoleChange,
		onConnectivity: opts.OnConnectivity,
		online:         true,
		priority: Priority{
			Visible:    cfg.Visible,
			StartedAt:  now,
			LastActive: now,
			Nonce:      uuid.NewString(),
		},
		cursors: make(map[string]uint64),
		rewound: make(map[string]struct{}),
		seen:    newSeenSet(cfg.SeenWindow),
		rivals:  make(map[string]rival),
	}, nil
}

func (e *Elector) ID() string { return e.cfg.HolderID }

func (e *Elector) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Leader returns the holder this tab currently follows, or itself.
func (e *Elector) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

// Online reports whether this tab, or the leader it follows, last reached
// the server.
func (e *Elector) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Elector) setOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()

	if changed {
		if online {
			e.logger.Info("server reachable again")
		} else {
			e.logger.Warn("server unreachable over link and fallback")
		}
		if e.onConnectivity != nil {
			e.onConnectivity(online)
		}
	}
}

// Cursors returns the last sequence seen per room.
func (e *Elector) Cursors() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]uint64, len(e.cursors))
	for room, seq := range e.cursors {
		out[room] = seq
	}
	return out
}

// Resume sets a room's cursor after the server reported a gap. A seq below
// the current cursor means the room's log was lost or restarted; the cursor
// is lowered and the shared cursor is overwritten on the next store.
func (e *Elector) Resume(room string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq >= e.cursors[room] {
		e.cursors[room] = seq
		return
	}
	e.cursors[room] = seq
	e.rewound[room] = struct{}{}
}

// ShareHeartbeat hands a session heartbeat answer received on the link to
// this tab and the others.
func (e *Elector) ShareHeartbeat(ctx context.Context, res *session.HeartbeatResult) {
	if e.onHeartbeat != nil {
		e.onHeartbeat(res)
	}
	msg := Message{Kind: MessageSession, From: e.cfg.HolderID, Session: res, At: e.clock.Now()}
	if err := e.ch.Publish(ctx, e.cfg.Principal, msg); err != nil {
		e.logger.Warn("failed to share session heartbeat", zap.Error(err))
	}
}

func (e *Elector) SetVisible(visible bool) {
	e.mu.Lock()
	e.priority.Visible = visible
	e.mu.Unlock()
}

func (e *Elector) MarkActive() {
	now := e.clock.Now()
	e.mu.Lock()
	e.priority.LastActive = now
	e.mu.Unlock()
}

func (e *Elector) currentPriority() Priority {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.priority
}

func (e *Elector) setRole(role Role, leaderID string) {
	e.mu.Lock()
	changed := e.role != role
	e.role = role
	e.leaderID = leaderID
	e.mu.Unlock()

	if changed {
		e.logger.Info("leader role changed", zap.String("role", role.String()), zap.String("leader", leaderID))
		if e.onRoleChange != nil {
			e.onRoleChange(role)
		}
	}
}

// Start subscribes to the coordination channel, restores the shared cursors
// and runs the first Tick.
func (e *Elector) Start(ctx context.Context) error {
	sub, cancel, err := e.ch.Subscribe(ctx, e.cfg.Principal)
	if err != nil {
		return err
	}
	e.runCtx = ctx
	e.sub = sub
	e.unsubscribe = cancel
	e.mergeStoredCursors(ctx)
	e.lastLeaderSeen = e.clock.Now()
	return e.Tick(ctx)
}

// Tick processes pending messages and advances the election by one step.
func (e *Elector) Tick(ctx context.Context) error {
	e.drain(ctx)

	now := e.clock.Now()
	claim, err := e.ch.Get(ctx, e.cfg.Principal)
	if err != nil {
		return err
	}
	if e.Role() == RoleLeader {
		return e.lead(ctx, claim, now)
	}
	return e.follow(ctx, claim, now)
}

// Run ticks every heartbeat interval until ctx ends, then releases
// leadership.
func (e *Elector) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Close(closeCtx); err != nil {
			e.logger.Warn("failed to release leadership", zap.Error(err))
		}
	}()

	ticker := e.clock.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := e.Tick(ctx); err != nil {
				e.logger.Warn("leader tick failed", zap.Error(err))
			}
		case msg, ok := <-e.sub:
			if !ok {
				e.sub = nil
				continue
			}
			e.handle(msg)
		case env, ok := <-e.linkEvents:
			if !ok {
				e.linkLost()
				continue
			}
			e.relay(ctx, env)
		}
	}
}

// Close releases the claim if this tab holds it and leaves the channel.
func (e *Elector) Close(ctx context.Context) error {
	var errs []error
	if e.Role() == RoleLeader && e.claim != nil {
		e.closeLink()
		if _, err := e.ch.CompareAndSwap(ctx, e.cfg.Principal, e.claim, nil); err != nil {
			errs = append(errs, err)
		}
		if err := e.ch.Publish(ctx, e.cfg.Principal, Message{Kind: MessageResign, From: e.cfg.HolderID, At: e.clock.Now()}); err != nil {
			errs = append(errs, err)
		}
		e.claim = nil
	}
	if err := e.storeCursors(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.sub = nil
	e.setRole(RoleUnclaimed, "")
	return errors.Join(errs...)
}

func (e *Elector) lead(ctx context.Context, claim *Claim, now time.Time) error {
	if !claim.same(e.claim) {
		e.demote(claim, now)
		return nil
	}

	next := *e.claim
	next.HeartbeatAt = now
	next.Priority = e.currentPriority()
	ok, err := e.ch.CompareAndSwap(ctx, e.cfg.Principal, e.claim, &next)
	if err != nil {
		return err
	}
	if !ok {
		e.demote(nil, now)
		return nil
	}
	e.claim = &next

	if e.linkEvents == nil && !now.Before(e.linkRetryAt) {
		e.openLink(now)
	}
	if e.linkEvents == nil {
		// no link: keep the session alive and relay what polling finds
		e.setOnline(e.fallback(ctx, func(env *events.Envelope) { e.relay(ctx, env) }))
	}

	hb := Message{Kind: MessageHeartbeat, From: e.cfg.HolderID, Offline: !e.Online(), At: now}
	if err := e.ch.Publish(ctx, e.cfg.Principal, hb); err != nil {
		e.logger.Warn("failed to publish leader heartbeat", zap.Error(err))
	}
	if err := e.storeCursors(ctx); err != nil {
		e.logger.Warn("failed to store cursors", zap.Error(err))
	}
	return nil
}

func (e *Elector) follow(ctx context.Context, claim *Claim, now time.Time) error {
	switch {
	case claim != nil && claim.Holder == e.cfg.HolderID && !claim.Expired(now, e.cfg.ClaimTimeout):
		e.promote(ctx, claim, now)
		return nil

	case claim == nil || claim.Expired(now, e.cfg.ClaimTimeout):
		if now.Sub(e.lastLeaderSeen) >= e.cfg.SilenceTimeout {
			e.pollAlone(ctx)
		}
		return e.campaign(ctx, claim, now)

	default:
		e.candidacyAt = time.Time{}
		e.setRole(RoleFollower, claim.Holder)
		if now.Sub(e.lastLeaderSeen) >= e.cfg.SilenceTimeout {
			e.pollAlone(ctx)
		}
		return nil
	}
}

// pollAlone runs the fallback for a tab that hears no leader.
func (e *Elector) pollAlone(ctx context.Context) {
	e.setOnline(e.fallback(ctx, e.deliver))
	if err := e.storeCursors(ctx); err != nil {
		e.logger.Warn("failed to store cursors", zap.Error(err))
	}
}

func (e *Elector) campaign(ctx context.Context, stale *Claim, now time.Time) error {
	mine := e.currentPriority()

	if e.candidacyAt.IsZero() || now.Sub(e.candidacyAt) >= e.cfg.ClaimTimeout {
		e.candidacyAt = now
		msg := Message{Kind: MessageCandidate, From: e.cfg.HolderID, Priority: &mine, At: now}
		if err := e.ch.Publish(ctx, e.cfg.Principal, msg); err != nil {
			return err
		}
	}
	if now.Sub(e.candidacyAt) < e.cfg.ElectionWindow {
		return nil
	}
	for id, r := range e.rivals {
		if now.Sub(r.seenAt) >= e.cfg.ClaimTimeout {
			delete(e.rivals, id)
			continue
		}
		if r.priority.Beats(mine) {
			return nil
		}
	}

	epoch := uint64(now.UnixNano())
	if stale != nil && epoch <= stale.Epoch {
		epoch = stale.Epoch + 1
	}
	next := &Claim{
		Holder:      e.cfg.HolderID,
		Epoch:       epoch,
		Priority:    mine,
		ClaimedAt:   now,
		HeartbeatAt: now,
	}
	ok, err := e.ch.CompareAndSwap(ctx, e.cfg.Principal, stale, next)
	if err != nil {
		return err
	}
	if !ok {
		// someone else got there first; the next tick follows them
		return nil
	}
	e.promote(ctx, next, now)
	return nil
}

func (e *Elector) promote(ctx context.Context, claim *Claim, now time.Time) {
	e.claim = claim
	e.candidacyAt = time.Time{}
	e.rivals = make(map[string]rival)
	e.setRole(RoleLeader, e.cfg.HolderID)
	e.mergeStoredCursors(ctx)

	if err := e.ch.Publish(ctx, e.cfg.Principal, Message{Kind: MessageHeartbeat, From: e.cfg.HolderID, Offline: !e.Online(), At: now}); err != nil {
		e.logger.Warn("failed to announce leadership", zap.Error(err))
	}
	e.openLink(now)
}

func (e *Elector) demote(current *Claim, now time.Time) {
	e.closeLink()
	e.linkFailures = 0
	e.linkRetryAt = time.Time{}
	e.claim = nil
	e.lastLeaderSeen = now
	if current != nil {
		e.setRole(RoleFollower, current.Holder)
		return
	}
	e.setRole(RoleUnclaimed, "")
}

func (e *Elector) openLink(now time.Time) {
	if e.link == nil {
		return
	}
	parent := e.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	evs, err := e.link.Open(ctx, e.Cursors())
	if err != nil {
		cancel()
		e.linkFailures++
		wait := e.linkBackoff()
		e.linkRetryAt = now.Add(wait)
		e.logger.Warn("failed to open realtime link",
			zap.Int("failures", e.linkFailures),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		return
	}
	e.linkFailures = 0
	e.linkRetryAt = time.Time{}
	e.linkEvents = evs
	e.linkCancel = cancel
	e.setOnline(true)
}

// linkBackoff doubles from the heartbeat interval up to LinkRetryMax.
func (e *Elector) linkBackoff() time.Duration {
	wait := e.cfg.HeartbeatInterval
	for i := 1; i < e.linkFailures && wait < e.cfg.LinkRetryMax; i++ {
		wait *= 2
	}
	if wait > e.cfg.LinkRetryMax {
		wait = e.cfg.LinkRetryMax
	}
	return wait
}

func (e *Elector) closeLink() {
	if e.linkCancel == nil {
		return
	}
	e.linkCancel()
	e.linkCancel = nil
	e.linkEvents = nil
	if err := e.link.Close(); err != nil {
		e.logger.Debug("realtime link close", zap.Error(err))
	}
}

func (e *Elector) linkLost() {
	e.logger.Info("realtime link dropped")
	e.closeLink()
}

func (e *Elector) mergeStoredCursors(ctx context.Context) {
	stored, err := e.ch.LoadCursors(ctx, e.cfg.Principal)
	if err != nil {
		e.logger.Warn("failed to load cursors", zap.Error(err))
		return
	}
	e.mu.Lock()
	for room := range e.rewound {
		delete(stored, room)
	}
	e.mu.Unlock()
	e.advanceCursors(stored)
}

// storeCursors overwrites the shared cursors of rewound rooms, tells the
// other tabs, then merges the rest.
func (e *Elector) storeCursors(ctx context.Context) error {
	e.mu.Lock()
	var reset map[string]uint64
	if len(e.rewound) > 0 {
		reset = make(map[string]uint64, len(e.rewound))
		for room := range e.rewound {
			reset[room] = e.cursors[room]
		}
		e.rewound = make(map[string]struct{})
	}
	e.mu.Unlock()

	if reset != nil {
		if err := e.ch.ResetCursors(ctx, e.cfg.Principal, reset); err != nil {
			e.mu.Lock()
			for room := range reset {
				e.rewound[room] = struct{}{}
			}
			e.mu.Unlock()
			return err
		}
		msg := Message{Kind: MessageRewind, From: e.cfg.HolderID, Cursors: reset, At: e.clock.Now()}
		if err := e.ch.Publish(ctx, e.cfg.Principal, msg); err != nil {
			e.logger.Warn("failed to announce cursor rewind", zap.Error(err))
		}
	}
	return e.ch.StoreCursors(ctx, e.cfg.Principal, e.Cursors())
}

func (e *Elector) advanceCursors(cursors map[string]uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for room, seq := range cursors {
		if seq > e.cursors[room] {
			e.cursors[room] = seq
		}
	}
}

func (e *Elector) drain(ctx context.Context) {
	for {
		select {
		case msg, ok := <-e.sub:
			if !ok {
				e.sub = nil
				continue
			}
			e.handle(msg)
		case env, ok := <-e.linkEvents:
			if !ok {
				e.linkLost()
				continue
			}
			e.relay(ctx, env)
		default:
			return
		}
	}
}

func (e *Elector) handle(msg Message) {
	if msg.From == e.cfg.HolderID {
		return
	}
	now := e.clock.Now()

	switch msg.Kind {
	case MessageCandidate:
		if msg.Priority != nil {
			e.rivals[msg.From] = rival{priority: *msg.Priority, seenAt: now}
		}
	case MessageHeartbeat:
		e.lastLeaderSeen = now
		delete(e.rivals, msg.From)
		if e.Role() != RoleLeader {
			e.setRole(RoleFollower, msg.From)
			e.setOnline(!msg.Offline)
		}
	case MessageEvent:
		e.lastLeaderSeen = now
		if msg.Envelope != nil {
			e.deliver(msg.Envelope)
		}
	case MessageSession:
		e.lastLeaderSeen = now
		if msg.Session != nil && e.onHeartbeat != nil {
			e.onHeartbeat(msg.Session)
		}
	case MessageRewind:
		e.mu.Lock()
		for room, seq := range msg.Cursors {
			e.cursors[room] = seq
		}
		e.mu.Unlock()
	case MessageResign:
		if e.Leader() == msg.From {
			e.lastLeaderSeen = time.Time{}
			e.candidacyAt = time.Time{}
			e.setRole(RoleUnclaimed, "")
		}
	}
}

// relay hands an event from the realtime link to this tab and the others.
func (e *Elector) relay(ctx context.Context, env *events.Envelope) {
	e.deliver(env)
	msg := Message{Kind: MessageEvent, From: e.cfg.HolderID, Envelope: env, At: e.clock.Now()}
	if err := e.ch.Publish(ctx, e.cfg.Principal, msg); err != nil {
		e.logger.Warn("failed to rebroadcast event", zap.String("event_id", env.ID), zap.Error(err))
	}
}

func (e *Elector) deliver(env *events.Envelope) {
	e.advanceCursors(env.Cursors)
	if !e.seen.add(env.ID) {
		return
	}
	if e.onEvent != nil {
		e.onEvent(env)
	}
}

// fallback keeps the session alive and catches up over HTTP, handing each
// event to emit. It reports whether any request got an answer.
func (e *Elector) fallback(ctx context.Context, emit func(*events.Envelope)) bool {
	if e.poller == nil {
		return false
	}
	reached := false

	res, err := e.poller.Heartbeat(ctx)
	if err != nil {
		e.logger.Warn("fallback heartbeat failed", zap.Error(err))
	} else {
		reached = true
		if e.Role() == RoleLeader {
			e.ShareHeartbeat(ctx, res)
		} else if e.onHeartbeat != nil {
			e.onHeartbeat(res)
		}
	}

	cursors := e.Cursors()
	for _, room := range e.cfg.Rooms {
		if _, ok := cursors[room]; !ok {
			cursors[room] = 0
		}
	}
	for room, since := range cursors {
		if e.catchUp(ctx, room, since, emit) {
			reached = true
		}
	}
	return reached
}

// catchUp polls one room. After a gap it moves the cursor to where the log
// resumes, lowering it if the log restarted, and polls again from there.
func (e *Elector) catchUp(ctx context.Context, room string, since uint64, emit func(*events.Envelope)) bool {
	page, err := e.poller.Poll(ctx, room, since, e.cfg.PollLimit)
	var gap *xerrors.SequenceGapError
	if errors.As(err, &gap) {
		resume := gap.Resume()
		e.logger.Warn("events lost to trimming",
			zap.String("room", room),
			zap.Uint64("since", since),
			zap.Uint64("oldest", gap.Oldest),
			zap.Uint64("head", gap.Head),
			zap.Uint64("resume", resume),
		)
		e.Resume(room, resume)
		page, err = e.poller.Poll(ctx, room, resume, e.cfg.PollLimit)
	}
	if err != nil {
		e.logger.Warn("fallback poll failed", zap.String("room", room), zap.Error(err))
		return gap != nil
	}
	for _, rec := range page.Records {
		emit(&events.Envelope{Event: rec.Event, Cursors: map[string]uint64{room: rec.Seq}})
	}
	return true
}

// seenSet remembers the last n event IDs.
type seenSet struct {
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenSet(n int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, n), order: make([]string, n)}
}

func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % len(s.order)
	s.ids[id] = struct{}{}
	return true
}
