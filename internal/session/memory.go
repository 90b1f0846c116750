package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memohai/chatbridge/internal/channel"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.Mutex
	seq      int64
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	seq     int64
	session Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]memoryEntry{}}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(entry.session), nil
}

// Query returns the open session for identity, or the newest closed one.
func (m *MemoryStore) Query(_ context.Context, identity channel.Identity) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.latestLocked(identity)
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(entry.session), nil
}

func (m *MemoryStore) Create(_ context.Context, s Session) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.latestLocked(s.Identity()); ok && existing.session.Open() {
		return cloneSession(existing.session), false, nil
	}
	if _, ok := m.sessions[s.ID]; ok {
		return Session{}, false, fmt.Errorf("session %s already exists", s.ID)
	}
	m.seq++
	m.sessions[s.ID] = memoryEntry{seq: m.seq, session: cloneSession(s)}
	return cloneSession(s), true, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if u.NextID != nil {
		entry.session.NextID = *u.NextID
	}
	if u.Credential != nil {
		entry.session.Credential = *u.Credential
	}
	m.sessions[id] = entry
	return nil
}

func (m *MemoryStore) Close(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if entry.session.ClosedAt != nil {
		return nil
	}
	closedAt := at.UTC()
	entry.session.ClosedAt = &closedAt
	m.sessions[id] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) PurgeClosed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, entry := range m.sessions {
		if entry.session.ClosedAt != nil && entry.session.ClosedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// latestLocked prefers the open session, then the most recently created one.
func (m *MemoryStore) latestLocked(identity channel.Identity) (memoryEntry, bool) {
	var (
		best  memoryEntry
		found bool
	)
	for _, entry := range m.sessions {
		if entry.session.Channel != identity.Channel || entry.session.VendorID != identity.VendorID {
			continue
		}
		if !found || newer(entry, best) {
			best = entry
			found = true
		}
	}
	return best, found
}

func newer(a, b memoryEntry) bool {
	if a.session.Open() != b.session.Open() {
		return a.session.Open()
	}
	if !a.session.CreatedAt.Equal(b.session.CreatedAt) {
		return a.session.CreatedAt.After(b.session.CreatedAt)
	}
	return a.seq > b.seq
}

func cloneSession(s Session) Session {
	if s.ClosedAt != nil {
		closedAt := *s.ClosedAt
		s.ClosedAt = &closedAt
	}
	return s
}
