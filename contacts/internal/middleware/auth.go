package middleware

import (
	"net/http"
	"strings"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/authx"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/httpx"
)

// AuthMiddleware requires a bearer token, and RequiredRole when set. A nil
// Verifier leaves the route open, which is how the API runs without OIDC.
type AuthMiddleware struct {
	Verifier     authx.TokenVerifier
	RequiredRole string
	Skip         func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Verifier == nil || (m.Skip != nil && m.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		principal, err := m.Verifier.Verify(r.Context(), strings.TrimSpace(authHeader[len("bearer "):]))
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		if m.RequiredRole != "" && !principal.HasRole(m.RequiredRole) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing role "+m.RequiredRole, nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(authx.WithPrincipal(r.Context(), principal)))
	})
}
