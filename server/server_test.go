package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-team-auth/backend/fakebackend"
	"github.com/jrsteele09/go-team-auth/internal/config"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/server"
	"github.com/jrsteele09/go-team-auth/storage/memory"
	"github.com/jrsteele09/go-team-auth/teamauth"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testPassword = "Password123"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type testFixture struct {
	backend *fakebackend.Server
	origin  *memory.Origin
	clock   *clock
	owner   users.User
	member  users.User
	admin   users.User
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	s := fakebackend.NewServer(fakebackend.WithNowTime(c.Now))

	owner, err := s.CreateUser("owner@acme.example.com", testPassword, "Olive Owner")
	require.NoError(t, err)
	member, err := s.CreateUser("member@acme.example.com", testPassword, "Max Member")
	require.NoError(t, err)
	admin, err := s.CreateUser("admin@example.com", testPassword, "Ada Admin")
	require.NoError(t, err)

	acme, err := s.CreateTeam("Acme")
	require.NoError(t, err)
	platform, err := s.CreateTeam("Platform")
	require.NoError(t, err)
	require.NoError(t, s.AddMember(acme.ID, owner.ID, users.RoleOwner))
	require.NoError(t, s.AddMember(acme.ID, member.ID, users.RoleMember))
	require.NoError(t, s.AddMember(platform.ID, admin.ID, users.RoleSuperAdmin))

	return &testFixture{backend: s, origin: memory.NewOrigin(), clock: c, owner: owner, member: member, admin: admin}
}

// serve starts a tab signed in as email, when set, behind an httptest server.
func (f *testFixture) serve(t *testing.T, email string) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	backendClient := f.backend.NewClient()
	if email != "" {
		_, err := backendClient.SignInWithPassword(ctx, email, testPassword)
		require.NoError(t, err)
	}
	handle := f.origin.Handle()
	t.Cleanup(func() { _ = handle.Close() })

	reg := prometheus.NewRegistry()
	client, err := teamauth.New(config.Default(), backendClient, handle,
		teamauth.WithNowTime(f.clock.Now),
		teamauth.WithMetrics(obs.NewMetrics(reg)),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.Start(ctx))

	ts := httptest.NewServer(server.New(config.Default(), client, reg))
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

type stateBody struct {
	User *struct {
		ID string `json:"id"`
	} `json:"user"`
	Team *struct {
		Name string `json:"name"`
	} `json:"team"`
	Role          string         `json:"role"`
	Initialized   bool           `json:"initialized"`
	Impersonation map[string]any `json:"impersonation"`
}

func TestHealthz(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "")

	resp, raw := call(t, ts, http.MethodGet, server.RouteHealth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), `"status":"ok"`)
}

func TestState_SignedInUser(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "owner@acme.example.com")

	resp, raw := call(t, ts, http.MethodGet, server.RouteState, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get(server.HeaderAuthState))

	var st stateBody
	require.NoError(t, json.Unmarshal(raw, &st))
	require.True(t, st.Initialized)
	require.Equal(t, f.owner.ID, st.User.ID)
	require.Equal(t, "owner", st.Role)
	require.Equal(t, "Acme", st.Team.Name)
	require.Nil(t, st.Impersonation)
}

func TestSignInAndOut(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "")

	resp, _ := call(t, ts, http.MethodPost, server.RouteSignOut, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, raw := call(t, ts, http.MethodPost, server.RouteSignIn, map[string]string{"email": "member@acme.example.com", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, string(raw), "authentication_failed")

	resp, _ = call(t, ts, http.MethodPost, server.RouteSignIn, map[string]string{"email": "", "password": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = call(t, ts, http.MethodPost, server.RouteSignIn, map[string]string{"email": "member@acme.example.com", "password": testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		State   stateBody `json:"state"`
		Warning string    `json:"warning"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, f.member.ID, body.State.User.ID)
	require.Equal(t, "member", body.State.Role)
	require.Empty(t, body.Warning)

	resp, _ = call(t, ts, http.MethodPost, server.RouteSignOut, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, raw = call(t, ts, http.MethodGet, server.RouteState, nil)
	var st stateBody
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Nil(t, st.User)
}

func TestMalformedBody(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "")

	req, err := http.NewRequest(http.MethodPost, ts.URL+server.RouteSignIn, bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTeamRoutes_RequireManager(t *testing.T) {
	f := setupTestFixture(t)
	memberTab := f.serve(t, "member@acme.example.com")

	resp, raw := call(t, memberTab, http.MethodPatch, server.RouteTeam, map[string]string{"name": "Acme Inc"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, string(raw), "forbidden")

	resp, _ = call(t, memberTab, http.MethodPost, server.RouteTransferOwnership, map[string]string{"new_owner_id": f.member.ID})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, raw = call(t, memberTab, http.MethodGet, server.RouteTeamMembers+"?refresh=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), f.owner.ID)
}

func TestTeamRoutes_Owner(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "owner@acme.example.com")

	resp, raw := call(t, ts, http.MethodPatch, server.RouteTeam, map[string]string{"name": "Acme Inc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), `"name":"Acme Inc"`)

	rolePath := "/api/team/members/" + f.member.ID + "/role"
	resp, _ = call(t, ts, http.MethodPut, rolePath, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = call(t, ts, http.MethodPut, rolePath, map[string]string{"role": "emperor"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(raw), "invalid_request")

	resp, raw = call(t, ts, http.MethodPost, server.RouteTeamInvitations, map[string]string{"email": "new@acme.example.com", "role": "member"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Contains(t, string(raw), "invitation_id")

	resp, raw = call(t, ts, http.MethodPatch, server.RouteProfile, map[string]string{"full_name": "Olive O."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), "Olive O.")
}

func TestImpersonationRoutes(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "admin@example.com")

	resp, raw := call(t, ts, http.MethodPost, server.RouteImpersonation, map[string]string{"target_user_id": f.member.ID, "reason": "short"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(raw), "invalid_reason")

	resp, _ = call(t, ts, http.MethodDelete, server.RouteImpersonation, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, raw = call(t, ts, http.MethodPost, server.RouteImpersonation, map[string]string{"target_user_id": f.member.ID, "reason": "support ticket #4821"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotContains(t, string(raw), "adminOriginalSession")

	_, raw = call(t, ts, http.MethodGet, server.RouteState, nil)
	var st stateBody
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, f.member.ID, st.User.ID)
	require.NotNil(t, st.Impersonation)
	require.NotContains(t, st.Impersonation, "adminOriginalSession")

	_, raw = call(t, ts, http.MethodGet, server.RouteSessionHealth, nil)
	require.Contains(t, string(raw), `"healthy":true`)
	require.Contains(t, string(raw), `"impersonationPhase":"active"`)

	resp, _ = call(t, ts, http.MethodDelete, server.RouteImpersonation, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, raw = call(t, ts, http.MethodGet, server.RouteState, nil)
	st = stateBody{}
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, f.admin.ID, st.User.ID)
	require.Nil(t, st.Impersonation)
}

func TestTabsAndRecovery(t *testing.T) {
	f := setupTestFixture(t)
	first := f.serve(t, "owner@acme.example.com")
	f.serve(t, "owner@acme.example.com")

	type tabsBody struct {
		TabID   string `json:"tabId"`
		Primary bool   `json:"primary"`
		Tabs    []struct {
			TabID string `json:"tabId"`
		} `json:"tabs"`
	}
	var tabs tabsBody
	require.Eventually(t, func() bool {
		resp, raw := call(t, first, http.MethodGet, server.RouteTabs, nil)
		tabs = tabsBody{}
		return resp.StatusCode == http.StatusOK && json.Unmarshal(raw, &tabs) == nil && len(tabs.Tabs) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, tabs.Tabs[0].TabID == tabs.TabID, tabs.Primary)

	resp, _ := call(t, first, http.MethodPost, server.RouteSessionRecovery, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCors(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "")

	req, err := http.NewRequest(http.MethodOptions, ts.URL+server.RouteTeam, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	req, err = http.NewRequest(http.MethodGet, ts.URL+server.RouteState, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetrics(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "owner@acme.example.com")

	resp, raw := call(t, ts, http.MethodGet, server.RouteMetrics, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), "teamauth_session_fetches_total")
}

func TestSignIn_RateLimited(t *testing.T) {
	f := setupTestFixture(t)
	ts := f.serve(t, "")

	bad := map[string]string{"email": "member@acme.example.com", "password": "wrong"}
	for i := 0; i < 5; i++ {
		resp, _ := call(t, ts, http.MethodPost, server.RouteSignIn, bad)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}
	resp, raw := call(t, ts, http.MethodPost, server.RouteSignIn, bad)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Contains(t, string(raw), "rate_limited")
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}
