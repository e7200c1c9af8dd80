package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "helpdesk-service/internal/pkg/errors"
)

// Store persists sessions with optimistic versioning. Create stores version
// 1. Update succeeds only when the stored version equals expected and sets
// s.Version to expected+1; otherwise it fails with ErrConflict.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Update(ctx context.Context, s *Session, expected int64) error
	Get(ctx context.Context, id string) (*Session, error)
	ListByPrincipal(ctx context.Context, principal string) ([]*Session, error)
	ListIDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// Mirror is a durable copy of sessions used when the primary store loses
// a record.
type Mirror interface {
	Upsert(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
}

type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byPrincipal map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		byPrincipal: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s exists", xerrors.ErrConflict, s.ID)
	}
	s.Version = 1
	m.sessions[s.ID] = s.clone()
	ids, ok := m.byPrincipal[s.Principal]
	if !ok {
		ids = make(map[string]struct{})
		m.byPrincipal[s.Principal] = ids
	}
	ids[s.ID] = struct{}{}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return xerrors.ErrNotFound
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: session %s is at version %d, not %d", xerrors.ErrConflict, s.ID, cur.Version, expected)
	}
	s.Version = expected + 1
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) ListByPrincipal(_ context.Context, principal string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byPrincipal[principal]))
	for id := range m.byPrincipal[principal] {
		out = append(out, m.sessions[id].clone())
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) ListIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	if ids := m.byPrincipal[s.Principal]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.byPrincipal, s.Principal)
		}
	}
	return nil
}

func sortSessions(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].ID < ss[j].ID
		}
		return ss[i].CreatedAt.Before(ss[j].CreatedAt)
	})
}
