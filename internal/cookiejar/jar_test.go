package cookiejar

import (
	"net/http"
	"net/url"
	"testing"
	"time"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	return u
}

func TestMemJarSetAndGetCookies(t *testing.T) {
	jar := newMemJar()
	u := mustURL(t, "https://api.example.com/v1")

	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc123"}})

	got := jar.Cookies(u)
	if len(got) != 1 || got[0].Value != "abc123" {
		t.Fatalf("Cookies() = %+v, want one cookie with value abc123", got)
	}
}

func TestMemJarExpiredCookieNotReturned(t *testing.T) {
	jar := newMemJar()
	u := mustURL(t, "https://api.example.com/")

	jar.SetCookies(u, []*http.Cookie{{
		Name:    "stale",
		Value:   "x",
		Expires: time.Now().Add(-time.Hour),
	}})

	if got := jar.Cookies(u); len(got) != 0 {
		t.Fatalf("Cookies() = %+v, want none for expired cookie", got)
	}
}

func TestMemJarOverwriteSameNamePathDomain(t *testing.T) {
	jar := newMemJar()
	u := mustURL(t, "https://api.example.com/")

	jar.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1"}})
	jar.SetCookies(u, []*http.Cookie{{Name: "a", Value: "2"}})

	got := jar.Cookies(u)
	if len(got) != 1 || got[0].Value != "2" {
		t.Fatalf("Cookies() = %+v, want single cookie with value 2", got)
	}
}

func TestMemJarSecureCookieExcludedFromPlainHTTP(t *testing.T) {
	jar := newMemJar()
	https := mustURL(t, "https://api.example.com/")
	http_ := mustURL(t, "http://api.example.com/")

	jar.SetCookies(https, []*http.Cookie{{Name: "s", Value: "v", Secure: true}})

	if got := jar.Cookies(http_); len(got) != 0 {
		t.Fatalf("Cookies(http) = %+v, want secure cookie withheld", got)
	}
	if got := jar.Cookies(https); len(got) != 1 {
		t.Fatalf("Cookies(https) = %+v, want secure cookie present", got)
	}
}

func TestMemJarSnapshotExcludesExpired(t *testing.T) {
	jar := newMemJar()
	u := mustURL(t, "https://api.example.com/")

	jar.SetCookies(u, []*http.Cookie{
		{Name: "live", Value: "1"},
		{Name: "dead", Value: "2", Expires: time.Now().Add(-time.Minute)},
	})

	snap := jar.snapshot()
	if len(snap) != 1 || snap[0].cookie.Name != "live" {
		t.Fatalf("snapshot() = %+v, want only the live cookie", snap)
	}
}
