package session

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/saas-auth/internal/model"
)

type memEntry struct {
	sess    model.Session
	expires time.Time
}

// MemoryStore is a process-local Store used when Redis is unavailable.
// Sessions do not survive a restart and are not shared across instances.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memEntry
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]memEntry), now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, sess model.Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	s.sessions[sess.ID] = memEntry{sess: sess, expires: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return model.Session{}, ErrNotFound
	}
	if !s.now().Before(e.expires) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return model.Session{}, ErrNotFound
	}
	return e.sess, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}
