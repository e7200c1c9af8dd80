package token

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"
)

// MemoryStore keeps families in process. Used by tests and single-node runs.
// The subject index only lists live families: revoking removes the entry,
// and every Create drops families that expired before the new one was made.
type MemoryStore struct {
	mu       sync.Mutex
	families map[string]*Family
	subjects map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		families: make(map[string]*Family),
		subjects: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) unindex(f *Family) {
	ids := s.subjects[f.Subject]
	delete(ids, f.ID)
	if len(ids) == 0 {
		delete(s.subjects, f.Subject)
	}
}

// pruneLocked forgets families whose refresh token expired before now.
func (s *MemoryStore) pruneLocked(now time.Time) {
	if now.IsZero() {
		return
	}
	for id, f := range s.families {
		if !f.ExpiresAt.IsZero() && f.ExpiresAt.Before(now) {
			s.unindex(f)
			delete(s.families, id)
		}
	}
}

func (s *MemoryStore) Create(_ context.Context, f *Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.families[f.ID]; ok {
		return fmt.Errorf("%w: family %s exists", xerrors.ErrConflict, f.ID)
	}
	s.pruneLocked(f.CreatedAt)

	cp := *f
	s.families[f.ID] = &cp
	if s.subjects[f.Subject] == nil {
		s.subjects[f.Subject] = make(map[string]struct{})
	}
	s.subjects[f.Subject][f.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.families[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) CompareAndRotate(_ context.Context, expected *Family, adv Advance) (*Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.families[expected.ID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	if f.Revoked {
		return nil, xerrors.ErrRevoked
	}
	if f.Rotation != expected.Rotation || f.Nonce != expected.Nonce {
		return nil, xerrors.ErrConflict
	}
	f.Rotation++
	f.Nonce = adv.Nonce
	f.RotatedAt = adv.At
	f.ExpiresAt = adv.ExpiresAt
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.families[id]
	if !ok || f.Revoked {
		return false, nil
	}
	f.Revoked = true
	f.RevokedReason = reason
	s.unindex(f)
	return true, nil
}

func (s *MemoryStore) FamiliesOf(_ context.Context, subject string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subjects[subject]))
	for id := range s.subjects[subject] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
