package rooms

import (
	"fmt"
	"sort"
	"sync"

	xerrors "helpdesk-service/internal/pkg/errors"
)

// ConnID identifies one live realtime connection.
type ConnID string

type connState struct {
	ident Identity
	rooms map[ID]struct{}
}

// Registry holds independent membership sets per room. All mutations happen
// under one lock so LeaveAll removes a connection from every room at once.
type Registry struct {
	mu    sync.RWMutex
	rooms map[ID]map[ConnID]struct{}
	conns map[ConnID]*connState
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[ID]map[ConnID]struct{}),
		conns: make(map[ConnID]*connState),
	}
}

// Register records the identity a connection authenticated with. It must
// precede any Join.
func (r *Registry) Register(conn ConnID, ident Identity) error {
	if conn == "" || ident.Principal == "" {
		return fmt.Errorf("%w: connection and principal are required", xerrors.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.conns[conn]; ok {
		if st.ident != ident {
			return fmt.Errorf("%w: connection %s already registered for another identity", xerrors.ErrConflict, conn)
		}
		return nil
	}
	r.conns[conn] = &connState{ident: ident, rooms: make(map[ID]struct{})}
	return nil
}

// Join adds conn to room. Joining twice is a no-op.
func (r *Registry) Join(conn ConnID, room ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinLocked(conn, room)
}

// JoinDefaults joins every room the connection's identity qualifies for and
// returns them.
func (r *Registry) JoinDefaults(conn ConnID) ([]ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[conn]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s is not registered", xerrors.ErrRoomPolicyViolation, conn)
	}
	joined := Defaults(st.ident)
	for _, room := range joined {
		if err := r.joinLocked(conn, room); err != nil {
			return nil, err
		}
	}
	return joined, nil
}

func (r *Registry) joinLocked(conn ConnID, room ID) error {
	st, ok := r.conns[conn]
	if !ok {
		return fmt.Errorf("%w: connection %s is not registered", xerrors.ErrRoomPolicyViolation, conn)
	}
	if !Entitled(st.ident, room) {
		return fmt.Errorf("%w: %s may not join %s", xerrors.ErrRoomPolicyViolation, st.ident.Principal, room)
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[ConnID]struct{})
		r.rooms[room] = members
	}
	members[conn] = struct{}{}
	st.rooms[room] = struct{}{}
	return nil
}

// Leave removes conn from room if present.
func (r *Registry) Leave(conn ConnID, room ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.conns[conn]; ok {
		delete(st.rooms, room)
	}
	r.dropMemberLocked(room, conn)
}

// LeaveAll removes conn from every room and forgets its identity. It returns
// the rooms it was in. Calling it for an unknown connection is a no-op.
func (r *Registry) LeaveAll(conn ConnID) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[conn]
	if !ok {
		return nil
	}
	left := make([]ID, 0, len(st.rooms))
	for room := range st.rooms {
		r.dropMemberLocked(room, conn)
		left = append(left, room)
	}
	delete(r.conns, conn)
	sortIDs(left)
	return left
}

func (r *Registry) dropMemberLocked(room ID, conn ConnID) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// MembersOf returns a snapshot of the connections in room.
func (r *Registry) MembersOf(room ID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]ConnID, 0, len(members))
	for conn := range members {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoomsOf returns the rooms conn currently belongs to.
func (r *Registry) RoomsOf(conn ConnID) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.conns[conn]
	if !ok {
		return nil
	}
	out := make([]ID, 0, len(st.rooms))
	for room := range st.rooms {
		out = append(out, room)
	}
	sortIDs(out)
	return out
}

// Identity returns what conn registered as.
func (r *Registry) Identity(conn ConnID) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.conns[conn]
	if !ok {
		return Identity{}, false
	}
	return st.ident, true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
