package middleware

import (
	"net/http"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/httpx"
)

// StoreRequiredMiddleware rejects requests for routes that need persistence when
// the process was started without a database.
type StoreRequiredMiddleware struct {
	Available bool
	Skip      func(*http.Request) bool
}

func (m StoreRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Available || (m.Skip != nil && m.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database not configured", nil)
	})
}
