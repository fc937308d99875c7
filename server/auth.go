package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authExempt lists exact paths served without a token so probes and
// scrapers keep working.
var authExempt = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware requires the configured Bearer token. It is a no-op when
// AuthToken is empty.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}
