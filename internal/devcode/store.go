// Package devcode provides an in-memory store for issued challenge codes by
// (email, channel), used only when dev code mode is enabled (GET /dev/stepup/code).
package devcode

import (
	"sync"
	"time"

	"account-stepup-backend/internal/challenge/domain"
)

// MemoryStore holds plain challenge codes for dev-only retrieval. Not used in production.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time
}

type entry struct {
	code      string
	expiresAt time.Time
}

// NewMemoryStore returns a new in-memory dev code store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]entry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Put stores the code for (email, channel) until expiresAt.
func (s *MemoryStore) Put(email string, channel domain.Channel, code string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key(email, channel)] = entry{code: code, expiresAt: expiresAt}
}

// Get returns the code for (email, channel) if present and not expired.
func (s *MemoryStore) Get(email string, channel domain.Channel) (string, bool) {
	s.mu.RLock()
	e, ok := s.m[key(email, channel)]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(s.nowF()) {
		s.mu.Lock()
		delete(s.m, key(email, channel))
		s.mu.Unlock()
		return "", false
	}
	return e.code, true
}

func key(email string, channel domain.Channel) string {
	return email + ":" + string(channel)
}
