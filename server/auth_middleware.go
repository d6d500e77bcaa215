package server

import (
	"context"
	"net/http"

	"github.com/jrsteele09/go-team-auth/authstate"
	"github.com/jrsteele09/go-team-auth/users"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyAuthState stores the settled auth state snapshot
	ContextKeyAuthState ContextKey = "auth_state"
)

// HeaderAuthState is set to "degraded" when a request proceeded before the
// auth state finished loading.
const HeaderAuthState = "X-Auth-State"

// AuthStateFrom returns the snapshot stored by RequireAuthState.
func AuthStateFrom(ctx context.Context) (authstate.State, bool) {
	st, ok := ctx.Value(ContextKeyAuthState).(authstate.State)
	return st, ok
}

// RequireAuthState waits for the auth state to settle before the request is
// served. When the backstop passes first the request continues with whatever
// state is available.
func (s *Server) RequireAuthState() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			st, settled := s.client.WaitForLoad(r.Context())
			if !settled {
				s.logger.Warn().Str("path", r.URL.Path).Msg("auth state still loading, serving degraded")
				w.Header().Set(HeaderAuthState, "degraded")
			}
			ctx := context.WithValue(r.Context(), ContextKeyAuthState, st)
			next(w, r.WithContext(ctx))
		}
	}
}

// RequireAuthenticated rejects requests while nobody is signed in.
// Should be chained after RequireAuthState.
func (s *Server) RequireAuthenticated() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			st, ok := AuthStateFrom(r.Context())
			if !ok || !st.Authenticated() {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "sign-in required")
				return
			}
			next(w, r)
		}
	}
}

// RequireRole rejects requests from users whose effective role fails allowed.
func (s *Server) RequireRole(allowed func(users.RoleType) bool) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			st, ok := AuthStateFrom(r.Context())
			if !ok || !st.Authenticated() {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "sign-in required")
				return
			}
			if !allowed(st.Role) {
				writeJSONError(w, http.StatusForbidden, "forbidden", "role "+string(st.Role)+" may not do this")
				return
			}
			next(w, r)
		}
	}
}
