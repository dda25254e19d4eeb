package cookiejar

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// persistedCookie is the on-disk shape of one cookie entry. The format is
// private to this package; nothing outside httpflow reads these files.
type persistedCookie struct {
	Name       string    `json:"name"`
	Value      string    `json:"value"`
	Domain     string    `json:"domain"`
	Path       string    `json:"path"`
	Expires    time.Time `json:"expires,omitempty"`
	Secure     bool      `json:"secure,omitempty"`
	HTTPOnly   bool      `json:"httpOnly,omitempty"`
	SourceHost string    `json:"sourceHost"`
}

type persistedJar struct {
	Version int               `json:"version"`
	Cookies []persistedCookie `json:"cookies"`
}

const jarFileVersion = 1

// loadFile reads cookies persisted at path into jar. A missing file is not
// an error — it simply means the jar starts empty.
func loadFile(path string, jar *memJar) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var pj persistedJar
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}

	for _, c := range pj.Cookies {
		u := &url.URL{Scheme: "https", Host: c.SourceHost}
		jar.SetCookies(u, []*http.Cookie{{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}})
	}
	return nil
}

// saveFile writes jar's current cookies to path atomically (write to a temp
// file in the same directory, then rename).
func saveFile(path string, jar *memJar) error {
	pj := persistedJar{Version: jarFileVersion}
	for _, entry := range jar.snapshot() {
		pj.Cookies = append(pj.Cookies, persistedCookie{
			Name:       entry.cookie.Name,
			Value:      entry.cookie.Value,
			Domain:     entry.cookie.Domain,
			Path:       entry.cookie.Path,
			Expires:    entry.cookie.Expires,
			Secure:     entry.cookie.Secure,
			HTTPOnly:   entry.cookie.HttpOnly,
			SourceHost: entry.host,
		})
	}

	data, err := json.MarshalIndent(pj, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".jar-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
