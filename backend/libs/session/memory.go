package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same atomicity guarantees as
// RedisStore's scripts. It backs local development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	accounts map[string]string
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		accounts: make(map[string]string),
		now:      time.Now,
	}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s Session) (string, error) {
	if s.ID == "" || s.AccountID == "" {
		return "", errors.New("session: id and account id are required")
	}
	if s.ValidPeriodMS <= 0 {
		return "", errors.New("session: valid period must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := ""
	if prev, ok := m.accounts[s.AccountID]; ok && prev != s.ID {
		delete(m.sessions, prev)
		evicted = prev
	}
	m.accounts[s.AccountID] = s.ID
	m.sessions[s.ID] = s
	return evicted, nil
}

// Get implements Store. Expiry is checked on read; there is no background
// reaper, matching redis TTL semantics closely enough for tests.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(m.now()) {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id, accountID string) error {
	if id == "" {
		return errors.New("session: id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	if current, ok := m.accounts[accountID]; ok && current == id {
		delete(m.accounts, accountID)
	}
	return nil
}

// SetClock overrides the time source. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}
