// Package cookiejar implements the per-session cookie store described in the
// Session Manager design: an in-memory jar backed by a JSON file on disk,
// one file per jar path, guarded by a keyed-mutex registry so concurrent
// sessions sharing a jar path serialize their reads/writes without a global
// lock across unrelated jars.
package cookiejar

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// entry is one stored cookie plus the host it was captured for, since
// http.Cookie itself carries no host/expiry-resolved state once detached
// from a Set-Cookie header.
type entry struct {
	cookie *http.Cookie
	host   string
}

// memJar is an in-memory cookie store satisfying http.CookieJar, keyed by
// lowercased host name. It is deliberately simple relative to
// net/http/cookiejar.Jar: no public-suffix-list domain matching, since
// sessions operate against a small, explicit set of hosts rather than the
// open web.
type memJar struct {
	mu      sync.Mutex
	byHost  map[string][]entry
}

func newMemJar() *memJar {
	return &memJar{byHost: make(map[string][]entry)}
}

// SetCookies implements http.CookieJar.
func (j *memJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	host := hostKey(u)
	for _, c := range cookies {
		if c.Domain == "" {
			c.Domain = host
		}
		if c.Path == "" {
			c.Path = "/"
		}

		existing := j.byHost[host]
		replaced := false
		for i, e := range existing {
			if e.cookie.Name == c.Name && e.cookie.Path == c.Path && e.cookie.Domain == c.Domain {
				if cookieExpired(c) {
					j.byHost[host] = append(existing[:i], existing[i+1:]...)
				} else {
					existing[i] = entry{cookie: c, host: host}
				}
				replaced = true
				break
			}
		}
		if !replaced && !cookieExpired(c) {
			j.byHost[host] = append(j.byHost[host], entry{cookie: c, host: host})
		}
	}
}

// Cookies implements http.CookieJar.
func (j *memJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	host := hostKey(u)
	var out []*http.Cookie
	now := time.Now()
	for _, e := range j.byHost[host] {
		if !e.cookie.Expires.IsZero() && e.cookie.Expires.Before(now) {
			continue
		}
		if !strings.HasPrefix(u.Path, e.cookie.Path) && e.cookie.Path != "/" && e.cookie.Path != "" {
			continue
		}
		if e.cookie.Secure && u.Scheme != "https" {
			continue
		}
		out = append(out, &http.Cookie{Name: e.cookie.Name, Value: e.cookie.Value})
	}
	return out
}

// snapshot returns every live (non-expired) entry across all hosts, used by
// the JSON file persistence in store.go.
func (j *memJar) snapshot() []entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	var out []entry
	for _, entries := range j.byHost {
		for _, e := range entries {
			if !e.cookie.Expires.IsZero() && e.cookie.Expires.Before(now) {
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

// clearExpired drops expired cookies from memory; called opportunistically
// before a save so the on-disk file doesn't accumulate dead entries.
func (j *memJar) clearExpired() {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	for host, entries := range j.byHost {
		kept := entries[:0]
		for _, e := range entries {
			if e.cookie.Expires.IsZero() || e.cookie.Expires.After(now) {
				kept = append(kept, e)
			}
		}
		j.byHost[host] = kept
	}
}

func cookieExpired(c *http.Cookie) bool {
	return !c.Expires.IsZero() && c.Expires.Before(time.Now())
}

func hostKey(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}
