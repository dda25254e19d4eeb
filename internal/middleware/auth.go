package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rjsadow/httpflow/internal/apierr"
)

// Auth validates the control-plane's single static bearer token. An empty
// token disables auth entirely (the loopback-bind default); config.Validate
// refuses an empty token on a non-loopback bind before this middleware is
// ever reached.
//
// The WebSocket upgrade path can't set an Authorization header from a
// browser, so the token is also accepted as a "token" query parameter;
// callers that can send headers should prefer the header form.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokenMatches(token, presentedToken(r)) {
				apierr.WriteJSON(w, apierr.New(apierr.CodeUnauthorized, "missing or invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return rest
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func tokenMatches(want, got string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
