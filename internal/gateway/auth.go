package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuth checks a single shared bearer token. With an empty token every
// request passes.
type TokenAuth struct {
	token string
}

func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: strings.TrimSpace(token)}
}

// Enabled reports whether a token is configured.
func (a *TokenAuth) Enabled() bool { return a.token != "" }

// Wrap rejects requests without the configured token. Health and metrics stay open.
func (a *TokenAuth) Wrap(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !a.Allow(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether r carries the configured token.
func (a *TokenAuth) Allow(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	candidate := ExtractToken(r)
	return candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(a.token)) == 1
}

// ExtractToken reads the token from, in order: Authorization: Bearer <token>,
// X-API-Key, and the access_token query parameter. The query parameter exists
// for EventSource and browser websocket clients, which cannot set headers.
func ExtractToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("access_token")
}

func isOpenPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}
