package api

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthMiddleware checks Bearer tokens against a bcrypt hash. An empty hash
// disables authentication.
type AuthMiddleware struct {
	tokenHash []byte
	logger    *slog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(tokenHash string, logger *slog.Logger) *AuthMiddleware {
	a := &AuthMiddleware{logger: logger}
	if tokenHash != "" {
		a.tokenHash = []byte(tokenHash)
	}
	return a
}

// RequireAuth wraps a handler to require a valid Bearer token.
func (a *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authenticate(r) {
			a.logger.Warn("rejected api request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			JSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r)
	}
}

// AuthRequired reports whether a token hash is configured.
func (a *AuthMiddleware) AuthRequired() bool {
	return len(a.tokenHash) > 0
}

func (a *AuthMiddleware) authenticate(r *http.Request) bool {
	if !a.AuthRequired() {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)) == nil
}
