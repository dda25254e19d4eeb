// Package session implements the Session Manager: named conversational
// contexts holding variables, a cookie jar binding, and a per-session
// mutex that serializes all mutation against that session.
package session

import (
	"sync"
	"time"
)

// Session is the mutable, process-owned record for one conversational
// context. All fields below the mutex must only be read or written while
// holding mu — see Manager.WithLock.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu              sync.Mutex
	variables       map[string]any
	cookieJarPath   string
	lastUsedAt      time.Time
	snapshotVersion int64
}

// Snapshot is the redacted, read-only view returned to API callers.
type Snapshot struct {
	ID              string         `json:"id"`
	Variables       map[string]any `json:"variables"`
	CookieJarPath   string         `json:"cookieJarPath,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastUsedAt      time.Time      `json:"lastUsedAt"`
	SnapshotVersion int64          `json:"snapshotVersion"`
}

func newSession(id string, now time.Time, initial map[string]any) *Session {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &Session{
		ID:         id,
		CreatedAt:  now,
		variables:  vars,
		lastUsedAt: now,
	}
}

// snapshot builds a redacted Snapshot. Caller must hold s.mu.
func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:              s.ID,
		Variables:       redactMap(s.variables),
		CookieJarPath:   s.cookieJarPath,
		CreatedAt:       s.CreatedAt,
		LastUsedAt:      s.lastUsedAt,
		SnapshotVersion: s.snapshotVersion,
	}
}

// CookieJarPath returns the currently bound jar path, if any. Safe to call
// without the caller holding the session lock for a point-in-time read;
// callers that need a consistent read-modify-write should go through
// Manager.WithLock and CookieJarPathLocked.
func (s *Session) CookieJarPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CookieJarPathLocked()
}

// CookieJarPathLocked is CookieJarPath for a caller that already holds s.mu,
// e.g. inside a Manager.WithLock closure. Calling it without the lock held
// is a data race.
func (s *Session) CookieJarPathLocked() string {
	return s.cookieJarPath
}

// BindCookieJarPath rebinds the session's jar path and bumps
// snapshotVersion, matching the "rebinding of jar path" mutation named in
// the Session invariant.
func (s *Session) BindCookieJarPath(path string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BindCookieJarPathLocked(path, now)
}

// BindCookieJarPathLocked is BindCookieJarPath for a caller that already
// holds s.mu.
func (s *Session) BindCookieJarPathLocked(path string, now time.Time) {
	if s.cookieJarPath == path {
		return
	}
	s.cookieJarPath = path
	s.snapshotVersion++
	s.lastUsedAt = now
}

// NoteCookiesChanged bumps snapshotVersion after a response observed a
// Set-Cookie header, without otherwise touching variables.
func (s *Session) NoteCookiesChanged(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NoteCookiesChangedLocked(now)
}

// NoteCookiesChangedLocked is NoteCookiesChanged for a caller that already
// holds s.mu.
func (s *Session) NoteCookiesChangedLocked(now time.Time) {
	s.snapshotVersion++
	s.lastUsedAt = now
}

// Variable reads a single variable under the session lock.
func (s *Session) Variable(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variables[key]
	return v, ok
}

// VariablesCopy returns a shallow copy of all variables, unredacted, for
// internal consumers like the interpolator's layered variable scopes.
func (s *Session) VariablesCopy() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.VariablesCopyLocked()
}

// VariablesCopyLocked is VariablesCopy for a caller that already holds s.mu.
func (s *Session) VariablesCopyLocked() map[string]any {
	out := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsedAt = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUsedAt)
}
