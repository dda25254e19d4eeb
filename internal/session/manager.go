package session

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/clock"
)

const (
	// DefaultMaxSessions caps the number of live sessions before the
	// manager starts evicting the least-recently-used one.
	DefaultMaxSessions = 100

	// DefaultTTL is how long a session may sit idle before the background
	// sweep reclaims it.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 60 * time.Second
)

// UpdateMode selects how Update merges supplied variables into a session.
type UpdateMode string

const (
	UpdateModeMerge   UpdateMode = "merge"
	UpdateModeReplace UpdateMode = "replace"
)

// Manager owns every live Session, enforces the configured capacity via
// LRU eviction, and periodically sweeps sessions that have been idle
// longer than the TTL. Grounded on the teacher's map+RWMutex+cleanup-
// goroutine shape, generalized from pod sessions to variable/cookie-jar
// sessions and extended with LRU capacity eviction.
type Manager struct {
	maxSessions   int
	ttl           time.Duration
	sweepInterval time.Duration
	clock         clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
	lru      *list.List // front = most recently used
	elements map[string]*list.Element

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a Manager. Pass 0 for maxSessions/ttl/sweepInterval to
// use the package defaults.
func NewManager(maxSessions int, ttl, sweepInterval time.Duration) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		maxSessions:   maxSessions,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		clock:         clock.System,
		sessions:      make(map[string]*Session),
		lru:           list.New(),
		elements:      make(map[string]*list.Element),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins the background idle-sweep goroutine.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop halts the background sweep and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.idleSince(now) > m.ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		slog.Info("session sweep evicted idle sessions", "count", len(expired))
	}
}

// Create allocates a new Session, evicting the least-recently-used one if
// the manager is at capacity. Eviction is silent: the evicted id simply
// becomes invalid for future lookups.
func (m *Manager) Create(initialVariables map[string]any) string {
	now := m.clock.Now()
	id := clock.NewID("sess")
	sess := newSession(id, now, initialVariables)

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		m.evictLRULocked()
	}

	m.sessions[id] = sess
	m.elements[id] = m.lru.PushFront(id)
	return id
}

func (m *Manager) evictLRULocked() {
	oldest := m.lru.Back()
	if oldest == nil {
		return
	}
	id := oldest.Value.(string)
	m.removeLocked(id)
}

// removeLocked deletes a session from every index. Caller must hold m.mu.
func (m *Manager) removeLocked(id string) {
	delete(m.sessions, id)
	if el, ok := m.elements[id]; ok {
		m.lru.Remove(el)
		delete(m.elements, id)
	}
}

func (m *Manager) touchLRU(id string) {
	if el, ok := m.elements[id]; ok {
		m.lru.MoveToFront(el)
	}
}

// getInternal returns the mutable Session for id without redaction, for
// use by other internal components (engine, interpolator).
func (m *Manager) getInternal(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if ok {
		m.touchLRU(id)
	}
	return sess, ok
}

// GetInternal is the exported form of getInternal for use by other packages
// wiring the session into an execution.
func (m *Manager) GetInternal(id string) (*Session, bool) {
	return m.getInternal(id)
}

// WithLock runs fn while holding session's mutex, as the single serialization
// point required by the Session invariant (variable updates, cookie writes,
// and any execution bound to this session are totally ordered).
func (m *Manager) WithLock(sess *Session, fn func(*Session)) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	fn(sess)
}

// Get returns the redacted snapshot for id.
func (m *Manager) Get(id string) (Snapshot, error) {
	sess, ok := m.getInternal(id)
	if !ok {
		return Snapshot{}, apierr.New(apierr.CodeSessionNotFound, "session not found: "+id)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), nil
}

// Update applies variables to the session per mode, returning the new
// snapshotVersion. Update never partially applies: on any failure the
// session is left unchanged.
func (m *Manager) Update(id string, vars map[string]any, mode UpdateMode) (int64, error) {
	sess, ok := m.getInternal(id)
	if !ok {
		return 0, apierr.New(apierr.CodeSessionNotFound, "session not found: "+id)
	}

	now := m.clock.Now()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch mode {
	case UpdateModeReplace:
		fresh := make(map[string]any, len(vars))
		for k, v := range vars {
			fresh[k] = v
		}
		sess.variables = fresh
	case UpdateModeMerge, "":
		for k, v := range vars {
			sess.variables[k] = v
		}
	default:
		return 0, apierr.Newf(apierr.CodeValidationError, "unknown update mode: %s", mode)
	}

	sess.snapshotVersion++
	sess.lastUsedAt = now
	return sess.snapshotVersion, nil
}

// Delete removes a session outright.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return apierr.New(apierr.CodeSessionNotFound, "session not found: "+id)
	}
	m.removeLocked(id)
	return nil
}

// Count returns the number of live sessions, for diagnostics and tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
