// Package adminauth guards the read-only admin introspection endpoint.
// It is grounded on tokenhub's internal/httpapi.adminAuthMiddleware (a
// constant-time bearer-token check), adapted to compare against a
// bcrypt hash instead of a plaintext shared secret, using
// golang.org/x/crypto/bcrypt — the admin token itself never needs to
// be read back by the server, only verified.
package adminauth

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Hash bcrypt-hashes a plaintext admin token for storage in config.
func Hash(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(b), err
}

// Middleware returns chi-compatible middleware requiring a Bearer
// token matching hash on every request. An empty hash disables the
// check entirely (admin surface wide open), matching tokenhub's
// "empty AdminToken = no auth" convention for local/dev use.
func Middleware(hash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.Warn("admin auth: missing token", slog.String("path", r.URL.Path))
				http.Error(w, "missing admin token", http.StatusUnauthorized)
				return
			}
			provided := strings.TrimPrefix(auth, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(provided)); err != nil {
				logger.Warn("admin auth: invalid token", slog.String("path", r.URL.Path))
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
