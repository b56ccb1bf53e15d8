package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/tutorchat/internal/auth"
)

// BearerCredential extracts the bearer credential from a request:
// Authorization header first, then the token query parameter (the browser
// WebSocket API cannot set headers).
func BearerCredential(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// BearerAuth validates the bearer credential via the identity collaborator
// and stores the user id and roles in the request context. The credential's
// claims are not inspected here beyond what Validate returns.
func BearerAuth(authn *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := BearerCredential(r)
			if credential == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			id, err := authn.Validate(r.Context(), credential)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, id.UserID)
			ctx = context.WithValue(ctx, RolesKey, id.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
