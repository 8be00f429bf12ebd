package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/laurikarhu/hls-gatekeeper/internal/config"
)

// AdminMiddleware authenticates the admin/debug API surface (§6).
type AdminMiddleware struct {
	cfg *config.Config
}

// NewAdminMiddleware creates a new admin middleware.
func NewAdminMiddleware(cfg *config.Config) *AdminMiddleware {
	return &AdminMiddleware{cfg: cfg}
}

// RequireAdmin accepts the Authorization header as either "Bearer {api_key}"
// or the bare "{api_key}", both compared exact and case-sensitive. No other
// form (query param, custom header) is accepted.
func (m *AdminMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		presented := auth
		if strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(m.cfg.APIKey)) != 1 {
			http.Error(w, "Invalid API key", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
