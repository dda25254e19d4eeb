package cookiejar

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
)

// Manager owns every jar file under a root directory plus the per-path
// locks that serialize access to them. One Manager is shared process-wide;
// individual sessions ask it for the jar at their own path.
type Manager struct {
	root    string
	locks   *lockRegistry
	catalog *catalog
}

// NewManager creates a Manager rooted at root. If catalogDSN is non-empty,
// writes are additionally recorded in a SQLite-backed catalog for audit
// purposes; an empty DSN disables the catalog entirely.
func NewManager(root, catalogDSN string) (*Manager, error) {
	m := &Manager{root: root, locks: newLockRegistry()}
	if catalogDSN != "" {
		cat, err := openCatalog(catalogDSN)
		if err != nil {
			return nil, err
		}
		m.catalog = cat
	}
	return m, nil
}

// Close releases the catalog connection, if any.
func (m *Manager) Close() error {
	return m.catalog.close()
}

// Jar is a handle on one session's cookie store. It satisfies
// http.CookieJar so it can be wired straight into an http.Client, and
// additionally supports explicit Load/Save against its backing file.
//
// Open holds the per-path lock for the lifetime of the Jar; it is released
// by Save, not by Open. This lets a caller span "load jar, run the request,
// write jar back" as one critical section instead of two independently
// locked halves, so two concurrent executions against the same jar path
// can't both load the same on-disk state and have the second Save clobber
// the first's updates. Every Open must be matched by exactly one Save, on
// every exit path, or the path's lock is held for the rest of the
// process's life.
type Jar struct {
	path string
	mem  *memJar
	mgr  *Manager
	lock *sync.Mutex
}

func (m *Manager) pathFor(relPath string) string {
	return filepath.Join(m.root, relPath)
}

// Open acquires relPath's jar-path lock and loads any cookies already
// persisted there, returning a Jar that holds the lock until Save is
// called. relPath is expected to already have been validated by the
// content loader's path-safety check before reaching here.
func (m *Manager) Open(relPath string) (*Jar, error) {
	full := m.pathFor(relPath)
	lock := m.locks.Get(full)
	lock.Lock()

	mem := newMemJar()
	if err := loadFile(full, mem); err != nil {
		lock.Unlock()
		return nil, err
	}
	return &Jar{path: full, mem: mem, mgr: m, lock: lock}, nil
}

// Save flushes the jar's in-memory cookies to disk, records the write in
// the catalog if one is configured, and releases the jar-path lock
// acquired by Open.
func (j *Jar) Save(ctx context.Context) error {
	defer j.lock.Unlock()

	j.mem.clearExpired()
	if err := saveFile(j.path, j.mem); err != nil {
		return err
	}
	return j.mgr.catalog.recordWrite(ctx, j.path)
}

// CookieJar returns the http.CookieJar view of this jar for wiring into an
// http.Client used by the execution engine.
func (j *Jar) CookieJar() http.CookieJar { return j.mem }
