package challenge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps challenges in process memory.
//
// Suitable for single-process deployments; ceremony state does not survive a
// restart between the start and complete legs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		clock:    time.Now,
	}
}

// Put stores the session, replacing any live one for its SessionID.
func (s *MemoryStore) Put(ctx context.Context, session Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return nil
}

// Get returns the live session, or ErrNotFound when absent or expired.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !session.ExpiresAt.After(s.clock().UTC()) {
		delete(s.sessions, sessionID)
		return Session{}, ErrNotFound
	}
	return session, nil
}

// Delete clears the session.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// DeleteExpired removes sessions whose expiry is at or before now.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		if !session.ExpiresAt.After(now) {
			delete(s.sessions, id)
		}
	}
	return nil
}
