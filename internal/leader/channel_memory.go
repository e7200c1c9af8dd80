package leader

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// MemoryChannel connects tabs living in one process.
type MemoryChannel struct {
	mu      sync.Mutex
	claims  map[string]Claim
	cursors map[string]map[string]uint64
	subs    map[string]map[int]chan Message
	nextSub int
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		claims:  make(map[string]Claim),
		cursors: make(map[string]map[string]uint64),
		subs:    make(map[string]map[int]chan Message),
	}
}

// Publish never blocks; a subscriber with a full buffer misses the message.
func (m *MemoryChannel) Publish(_ context.Context, principal string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[principal] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (m *MemoryChannel) Subscribe(_ context.Context, principal string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Message, subscriberBuffer)
	if m.subs[principal] == nil {
		m.subs[principal] = make(map[int]chan Message)
	}
	m.subs[principal][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[principal], id)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (m *MemoryChannel) Get(_ context.Context, principal string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[principal]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryChannel) CompareAndSwap(_ context.Context, principal string, expected, next *Claim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *Claim
	if c, ok := m.claims[principal]; ok {
		current = &c
	}
	if !current.same(expected) {
		return false, nil
	}
	if next == nil {
		delete(m.claims, principal)
	} else {
		m.claims[principal] = *next
	}
	return true, nil
}

func (m *MemoryChannel) StoreCursors(_ context.Context, principal string, cursors map[string]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.cursors[principal]
	if stored == nil {
		stored = make(map[string]uint64, len(cursors))
		m.cursors[principal] = stored
	}
	for room, seq := range cursors {
		if seq > stored[room] {
			stored[room] = seq
		}
	}
	return nil
}

func (m *MemoryChannel) ResetCursors(_ context.Context, principal string, cursors map[string]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.cursors[principal]
	if stored == nil {
		stored = make(map[string]uint64, len(cursors))
		m.cursors[principal] = stored
	}
	for room, seq := range cursors {
		stored[room] = seq
	}
	return nil
}

func (m *MemoryChannel) LoadCursors(_ context.Context, principal string) (map[string]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.cursors[principal]))
	for room, seq := range m.cursors[principal] {
		out[room] = seq
	}
	return out, nil
}
