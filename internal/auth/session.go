package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type session struct {
	userID    string
	createdAt time.Time
	expiresAt time.Time
}

// Sessions keeps login sessions in memory, keyed by random token.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessions creates a session store whose sessions live for ttl.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// TTL returns the session lifetime.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Create starts a session for userID and returns its token and expiry.
func (s *Sessions) Create(userID string) (string, time.Time) {
	token := uuid.NewString()
	now := s.now()
	expires := now.Add(s.ttl)

	s.mu.Lock()
	s.sessions[token] = &session{userID: userID, createdAt: now, expiresAt: expires}
	s.mu.Unlock()
	return token, expires
}

// Validate returns the user of a live session. Expired sessions are removed.
func (s *Sessions) Validate(token string) (string, bool) {
	s.mu.RLock()
	sess, exists := s.sessions[token]
	s.mu.RUnlock()
	if !exists {
		return "", false
	}

	if s.now().After(sess.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return "", false
	}
	return sess.userID, true
}

// Revoke ends a session.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// RevokeUser ends every session of userID, e.g. after a password change.
func (s *Sessions) RevokeUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, sess := range s.sessions {
		if sess.userID == userID {
			delete(s.sessions, token)
			n++
		}
	}
	return n
}

// Sweep removes expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, token)
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
