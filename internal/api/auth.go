package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken guards a read endpoint with the shared API token, passed
// as ?token= or an Authorization: Bearer header.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			JSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		presented := r.URL.Query().Get("token")
		if presented == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				presented = strings.TrimPrefix(h, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			s.logger.Warn("rejected API request", "path", r.URL.Path, "remote", r.RemoteAddr)
			JSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// requireBasic guards an admin endpoint with HTTP Basic credentials
// checked against the operator user store.
func (s *Server) requireBasic(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !s.users.Verify(username, password) {
			s.logger.Warn("rejected admin request",
				"path", r.URL.Path, "remote", r.RemoteAddr, "username", username)
			w.Header().Set("WWW-Authenticate", `Basic realm="hearthd"`)
			JSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}
