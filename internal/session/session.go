// Package session holds the per-session identity and clock shared by the
// collaboration components of one client.
package session

import (
	"sync"
	"time"
)

// Session is created once per collaboration session and handed to every
// component that needs to know who the local user is or what time it is.
type Session struct {
	WorkspaceID string
	UserID      string
	Email       string

	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// New returns a session using the wall clock.
func New(workspaceID, userID, email string) *Session {
	return &Session{WorkspaceID: workspaceID, UserID: userID, Email: email, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Now returns the current wall-clock time.
func (s *Session) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Timestamp returns milliseconds since epoch, never smaller than a value it
// returned before.
func (s *Session) Timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMilli()
	if ts < s.last {
		ts = s.last
	}
	s.last = ts
	return ts
}
