package presence

import (
	"sync"

	"github.com/google/uuid"
)

// MemorySessionStore is the default single-node SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[uuid.UUID]Session)}
}

var _ SessionStore = (*MemorySessionStore)(nil)

func (s *MemorySessionStore) Put(userID uuid.UUID, session Session) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.sessions[userID]
	s.sessions[userID] = session
	return prev, had
}

func (s *MemorySessionStore) Get(userID uuid.UUID) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[userID]
	return session, ok
}

func (s *MemorySessionStore) DeleteIf(userID uuid.UUID, sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[userID]
	if !ok || session.SessionID != sessionID {
		return Session{}, false
	}
	delete(s.sessions, userID)
	return session, true
}
