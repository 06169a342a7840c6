package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/stossymoji/internal/naming"
)

// ScopeValidationMiddleware rejects mutating emoji requests whose id is not a
// scheme-named object under the prefix prefixFor resolves for the request.
// Other routes pass through untouched.
func ScopeValidationMiddleware(prefixFor func(r *http.Request) string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !scopedRoute(r) {
				next.ServeHTTP(w, r)
				return
			}

			id := r.URL.Query().Get("id")
			if id == "" {
				// Handlers report a missing id themselves.
				next.ServeHTTP(w, r)
				return
			}

			prefix := strings.Trim(prefixFor(r), "/")
			if reason := outOfScope(id, prefix); reason != "" {
				logger.WithFields(logrus.Fields{
					"prefix": prefix,
					"path":   r.URL.Path,
					"method": r.Method,
					"reason": reason,
				}).Warn("Access denied: emoji id outside store scope")

				writeJSONError(w, http.StatusForbidden, "AccessDenied", reason)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func scopedRoute(r *http.Request) bool {
	switch {
	case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/emoji":
		return true
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/emoji/rename":
		return true
	}
	return false
}

func outOfScope(id, prefix string) string {
	if strings.Contains(id, "..") {
		return "id must not contain path traversal"
	}
	if prefix != "" && !strings.HasPrefix(id, prefix+"/") {
		return "id is outside the configured prefix"
	}
	if !naming.IsSchemeName(id) {
		return "id is not a managed emoji object"
	}
	return ""
}
