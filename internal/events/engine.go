package events

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"helpdesk-service/internal/metrics"
	"helpdesk-service/internal/pkg/clock"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/keylock"
	"helpdesk-service/internal/rooms"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Deliverer pushes an envelope to one connection without blocking. It
// returns false when the push was dropped.
type Deliverer interface {
	Deliver(conn rooms.ConnID, env *Envelope) bool
}

// Receipt summarizes a publish.
type Receipt struct {
	EventID   string            `json:"event_id"`
	Sequences map[string]uint64 `json:"sequences"`
	// Failed lists target rooms whose log rejected the event.
	Failed    []string `json:"failed,omitempty"`
	Delivered int      `json:"delivered"`
	Dropped   int      `json:"dropped"`
}

type Engine struct {
	log       Log
	registry  *rooms.Registry
	deliverer Deliverer
	locks     *keylock.Locker
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewEngine(log Log, registry *rooms.Registry, deliverer Deliverer, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		log:       log,
		registry:  registry,
		deliverer: deliverer,
		locks:     keylock.New(),
		clock:     clk,
		metrics:   m,
		logger:    logger,
	}
}

// Publish appends ev to every target room and pushes it once to every
// connection that is a member of at least one of them. Target rooms are
// locked in a fixed order for the whole append and fan-out, so pushes for a
// room leave in sequence order.
//
// Rooms are independent: an append failure in one room does not stop the
// others, and the event is still pushed to members of the rooms that took
// it. Appended records cannot be withdrawn, so the error then names the
// failed rooms and the receipt carries both Sequences and Failed.
func (e *Engine) Publish(ctx context.Context, ev Event, targets ...rooms.ID) (*Receipt, error) {
	unique := dedupeRooms(targets)
	if len(unique) == 0 {
		return nil, fmt.Errorf("%w: publish needs at least one target room", xerrors.ErrInvalidInput)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: event type is required", xerrors.ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.clock.Now().UTC()
	}

	keys := make([]string, len(unique))
	for i, room := range unique {
		keys[i] = room.String()
	}
	unlock := e.locks.LockAll(keys)
	defer unlock()

	receipt := &Receipt{EventID: ev.ID, Sequences: make(map[string]uint64, len(unique))}
	perConn := make(map[rooms.ConnID]map[string]uint64)

	var errs []error
	for _, room := range unique {
		seq, err := e.log.Append(ctx, room, ev)
		if err != nil {
			receipt.Failed = append(receipt.Failed, room.String())
			errs = append(errs, fmt.Errorf("failed to publish %s to %s: %w", ev.Type, room, err))
			continue
		}
		receipt.Sequences[room.String()] = seq

		if e.registry == nil {
			continue
		}
		for _, conn := range e.registry.MembersOf(room) {
			cursors, ok := perConn[conn]
			if !ok {
				cursors = make(map[string]uint64)
				perConn[conn] = cursors
			}
			cursors[room.String()] = seq
		}
	}
	publishErr := errors.Join(errs...)
	if len(receipt.Sequences) == 0 {
		return receipt, publishErr
	}
	if publishErr != nil {
		e.logger.Warn("event reached only some rooms",
			zap.String("event_id", ev.ID),
			zap.Strings("failed", receipt.Failed),
			zap.Error(publishErr),
		)
	}
	e.metrics.EventPublished(string(ev.Type))

	if e.deliverer == nil {
		return receipt, publishErr
	}

	conns := make([]rooms.ConnID, 0, len(perConn))
	for conn := range perConn {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i] < conns[j] })

	for _, conn := range conns {
		env := &Envelope{Event: ev, Cursors: perConn[conn]}
		if e.deliverer.Deliver(conn, env) {
			receipt.Delivered++
			e.metrics.PushDelivered()
			continue
		}
		receipt.Dropped++
		e.metrics.PushDropped()
		e.logger.Debug("realtime push dropped",
			zap.String("conn_id", string(conn)),
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
		)
	}

	return receipt, publishErr
}

// Poll returns the events of room after since for the fallback path.
func (e *Engine) Poll(ctx context.Context, room rooms.ID, since uint64, limit int) (Page, error) {
	if room.IsZero() {
		return Page{}, fmt.Errorf("%w: room is required", xerrors.ErrInvalidInput)
	}
	return e.log.Since(ctx, room, since, limit)
}

func dedupeRooms(targets []rooms.ID) []rooms.ID {
	seen := make(map[rooms.ID]struct{}, len(targets))
	out := make([]rooms.ID, 0, len(targets))
	for _, room := range targets {
		if room.IsZero() {
			continue
		}
		if _, ok := seen[room]; ok {
			continue
		}
		seen[room] = struct{}{}
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
