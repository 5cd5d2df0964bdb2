package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware requires the configured Bearer token. With no token
// configured it is a no-op. /health and /metrics are always open, and
// artwork files also accept the token as a "token" query parameter so a
// renderer can load them by URL.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := requestToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.CutPrefix(auth, "Bearer ")
	}
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/artworks/") {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, true
		}
	}
	return "", false
}
