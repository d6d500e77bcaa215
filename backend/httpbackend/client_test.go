package httpbackend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-team-auth/backend"
	"github.com/jrsteele09/go-team-auth/backend/httpbackend"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const anonKey = "anon-key"

// restServer answers the subset of the backend's REST surface the client uses.
type restServer struct {
	t *testing.T

	mu       sync.Mutex
	refresh  int
	logouts  int
	failNext int
}

func (s *restServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", s.token)
	mux.HandleFunc("POST /auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string         `json:"email"`
			Data  map[string]any `json:"data"`
		}
		assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-new",
			"refresh_token": "refresh-new",
			"expires_in":    3600,
			"user":          map[string]any{"id": "user-2", "email": req.Email, "user_metadata": req.Data},
		})
	})
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.logouts++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		var patch backend.UserPatch
		assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&patch))
		writeJSON(w, http.StatusOK, map[string]any{"id": "user-1", "email": *patch.Email})
	})
	mux.HandleFunc("POST /functions/v1/start-impersonation", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "only super admins may impersonate"})
	})
	mux.HandleFunc("POST /functions/v1/create-team-and-owner", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"team_id": "team-9"})
	})
	mux.HandleFunc("GET /rest/v1/profiles", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "eq.user-1" {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "user-1", "email": "owner@acme.example.com", "full_name": "Olive Owner"}})
	})
	mux.HandleFunc("GET /rest/v1/team_members", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("team_id") == "eq.team-1" {
			writeJSON(w, http.StatusOK, []map[string]any{
				{"team_id": "team-1", "user_id": "user-1", "role": "owner", "profile": map[string]string{"email": "owner@acme.example.com", "full_name": "Olive Owner"}},
				{"team_id": "team-1", "user_id": "user-3", "role": "member", "profile": nil},
			})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{{"user_id": "user-1", "role": "owner", "team": map[string]string{"id": "team-1", "name": "Acme"}}})
	})
	mux.HandleFunc("PATCH /rest/v1/teams", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.t, "return=representation", r.Header.Get("Prefer"))
		var patch map[string]string
		assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&patch))
		writeJSON(w, http.StatusOK, []map[string]string{{"id": "team-1", "name": patch["name"]}})
	})
	return s.recordCalls(mux)
}

func (s *restServer) recordCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.t, anonKey, r.Header.Get("apikey"))
		s.mu.Lock()
		fail := s.failNext > 0
		if fail {
			s.failNext--
		}
		s.mu.Unlock()
		if fail {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "down"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *restServer) failNextCalls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *restServer) logoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *restServer) token(w http.ResponseWriter, r *http.Request) {
	assert.NoError(s.t, r.ParseForm())
	switch r.PostForm.Get("grant_type") {
	case "password":
		if r.PostForm.Get("password") != "Password123" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid login credentials"})
			return
		}
		writeJSON(w, http.StatusOK, tokenBody("access-1", "refresh-1", 3600))
	case "refresh_token":
		if r.PostForm.Get("refresh_token") == "revoked" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		s.mu.Lock()
		s.refresh++
		n := s.refresh
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, tokenBody("access-r"+string(rune('0'+n)), "refresh-r"+string(rune('0'+n)), 3600))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func tokenBody(access, refresh string, expiresIn int) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    expiresIn,
		"user":          map[string]any{"id": "user-1", "email": "owner@acme.example.com"},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type testFixture struct {
	rest   *restServer
	client *httpbackend.Client
	events []sessions.EventKind
}

func setupTestFixture(t *testing.T, options ...httpbackend.Option) *testFixture {
	t.Helper()
	rest := &restServer{t: t}
	srv := httptest.NewServer(rest.handler())
	t.Cleanup(srv.Close)

	client, err := httpbackend.New(srv.URL+"/", anonKey, options...)
	require.NoError(t, err)
	f := &testFixture{rest: rest, client: client}
	t.Cleanup(client.OnSessionChange(func(kind sessions.EventKind, _ *sessions.Session) {
		f.events = append(f.events, kind)
	}))
	return f
}

func (f *testFixture) signIn(t *testing.T) {
	t.Helper()
	_, err := f.client.SignInWithPassword(context.Background(), "owner@acme.example.com", "Password123")
	require.NoError(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := httpbackend.New("", anonKey)
	require.Error(t, err)
	_, err = httpbackend.New("https://backend.example.com", "")
	require.Error(t, err)
}

func TestSignInWithPassword(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.client.SignInWithPassword(context.Background(), " owner@acme.example.com ", "Password123")
	require.NoError(t, err)
	require.Equal(t, "access-1", result.Session.AccessToken)
	require.Equal(t, "user-1", result.Session.User.ID)
	require.False(t, result.Session.ExpiresAt.IsZero())
	require.Equal(t, []sessions.EventKind{sessions.EventSignedIn}, f.events)

	_, err = f.client.SignInWithPassword(context.Background(), "owner@acme.example.com", "wrong")
	require.ErrorIs(t, err, errs.ErrAuthenticationFailed)
}

func TestSetSession_ExchangesRefreshToken(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.client.SetSession(context.Background(), sessions.Tokens{AccessToken: "a", RefreshToken: "refresh-1"})
	require.NoError(t, err)
	require.Equal(t, "access-r1", result.Session.AccessToken)
	require.Equal(t, "refresh-r1", result.Session.RefreshToken)
	require.Equal(t, "access-r1", f.client.Current().AccessToken)

	_, err = f.client.SetSession(context.Background(), sessions.Tokens{AccessToken: "a", RefreshToken: "revoked"})
	require.ErrorIs(t, err, errs.ErrAuthenticationFailed)

	_, err = f.client.SetSession(context.Background(), sessions.Tokens{})
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestGetSession_RefreshesExpiredSession(t *testing.T) {
	now := time.Now()
	f := setupTestFixture(t, httpbackend.WithNowTime(func() time.Time { return now }))
	f.signIn(t)

	s, err := f.client.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", s.AccessToken)

	now = now.Add(2 * time.Hour)
	s, err = f.client.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-r1", s.AccessToken)
	require.Equal(t, []sessions.EventKind{sessions.EventSignedIn, sessions.EventTokenRefreshed}, f.events)
}

func TestGetSession_BackendDownKeepsSession(t *testing.T) {
	now := time.Now()
	f := setupTestFixture(t, httpbackend.WithNowTime(func() time.Time { return now }))
	f.signIn(t)
	now = now.Add(2 * time.Hour)
	f.rest.failNextCalls(1)

	_, err := f.client.GetSession(context.Background())
	require.ErrorIs(t, err, errs.ErrBackendUnreachable)
	require.NotNil(t, f.client.Current())
}

func TestSignUpAndSignOut(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.client.SignUp(context.Background(), "new@acme.example.com", "Password123", map[string]any{"full_name": "Nia New"})
	require.NoError(t, err)
	require.Equal(t, "user-2", result.Session.User.ID)
	require.Equal(t, "Nia New", result.Session.User.Metadata["full_name"])

	require.NoError(t, f.client.SignOut(context.Background()))
	require.Nil(t, f.client.Current())
	require.Equal(t, 1, f.rest.logoutCount())
	require.Equal(t, []sessions.EventKind{sessions.EventSignedIn, sessions.EventSignedOut}, f.events)
}

func TestUpdateUser(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	email := "olive@acme.example.com"
	user, err := f.client.UpdateUser(context.Background(), backend.UserPatch{Email: &email})
	require.NoError(t, err)
	require.Equal(t, email, user.Email)
	require.Equal(t, email, f.client.Current().User.Email)
	require.Equal(t, sessions.EventUserUpdated, f.events[len(f.events)-1])
}

func TestInvoke(t *testing.T) {
	f := setupTestFixture(t)

	_, err := backend.CreateTeamAndOwner(context.Background(), f.client, backend.CreateTeamRequest{TeamName: "Acme"})
	require.ErrorIs(t, err, errs.ErrSessionUnavailable)

	f.signIn(t)
	created, err := backend.CreateTeamAndOwner(context.Background(), f.client, backend.CreateTeamRequest{TeamName: "Acme"})
	require.NoError(t, err)
	require.Equal(t, "team-9", created.TeamID)

	_, err = backend.StartImpersonation(context.Background(), f.client, backend.StartImpersonationRequest{TargetUserID: "user-3", Reason: "support ticket #4821"})
	require.ErrorIs(t, err, errs.ErrInsufficientPermissions)
	require.Contains(t, err.Error(), "only super admins may impersonate")
}

func TestDirectory(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)
	ctx := context.Background()

	profile, err := f.client.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "Olive Owner", profile.Profile.FullName)

	_, err = f.client.GetProfile(ctx, "user-404")
	require.ErrorIs(t, err, errs.ErrNotFound)

	membership, err := f.client.GetMembership(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "Acme", membership.Team.Name)
	require.Equal(t, users.RoleOwner, membership.Role)

	members, err := f.client.ListTeamMembers(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "Olive Owner", members[0].FullName)
	require.Empty(t, members[1].Email)

	team, err := f.client.UpdateTeam(ctx, *membership.Team.Clone())
	require.NoError(t, err)
	require.Equal(t, "Acme", team.Name)
}

func TestDirectory_BackendDown(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)
	f.rest.failNextCalls(1)

	_, err := f.client.GetProfile(context.Background(), "user-1")
	require.ErrorIs(t, err, errs.ErrBackendUnreachable)
}
