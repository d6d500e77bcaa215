package impersonation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-team-auth/authstate"
	"github.com/jrsteele09/go-team-auth/backend/fakebackend"
	"github.com/jrsteele09/go-team-auth/impersonation"
	"github.com/jrsteele09/go-team-auth/internal/config"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/storage/memory"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/stretchr/testify/require"
)

const (
	testPassword = "Password123"
	testReason   = "support ticket #4821"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type tab struct {
	client    *fakebackend.Client
	accessor  *sessions.Accessor
	store     *authstate.Store
	persister *impersonation.Persister
	manager   *impersonation.Manager

	mu      sync.Mutex
	notices []impersonation.Notice
}

func (tb *tab) Notices() []impersonation.Notice {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]impersonation.Notice(nil), tb.notices...)
}

type testFixture struct {
	clock    *clock
	server   *fakebackend.Server
	origin   *memory.Origin
	admin    users.User
	member   users.User
	other    users.User
	platform *teams.Team
	acme     *teams.Team
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	s := fakebackend.NewServer(fakebackend.WithNowTime(c.Now))

	admin, err := s.CreateUser("admin@example.com", testPassword, "Ada Admin")
	require.NoError(t, err)
	member, err := s.CreateUser("member@example.com", testPassword, "Max Member")
	require.NoError(t, err)
	other, err := s.CreateUser("root@example.com", testPassword, "Rory Root")
	require.NoError(t, err)

	platform, err := s.CreateTeam("Platform")
	require.NoError(t, err)
	acme, err := s.CreateTeam("Acme")
	require.NoError(t, err)
	require.NoError(t, s.AddMember(platform.ID, admin.ID, users.RoleSuperAdmin))
	require.NoError(t, s.AddMember(platform.ID, other.ID, users.RoleSuperAdmin))
	require.NoError(t, s.AddMember(acme.ID, member.ID, users.RoleMember))

	return &testFixture{
		clock:    c,
		server:   s,
		origin:   memory.NewOrigin(),
		admin:    admin,
		member:   member,
		other:    other,
		platform: platform,
		acme:     acme,
	}
}

// openTab wires one engine instance around client and initializes its state.
func (f *testFixture) openTab(t *testing.T, client *fakebackend.Client) *tab {
	t.Helper()
	handle := f.origin.Handle()
	t.Cleanup(func() { _ = handle.Close() })

	accessor, err := sessions.NewAccessor(client, sessions.WithNowTime(f.clock.Now))
	require.NoError(t, err)
	t.Cleanup(accessor.Close)

	persister := impersonation.NewPersister(handle, f.clock.Now)
	store, err := authstate.New(accessor, client,
		authstate.WithNowTime(f.clock.Now),
		authstate.WithImpersonationLoader(persister),
	)
	require.NoError(t, err)
	t.Cleanup(store.Dispose)
	unsubscribe := client.OnSessionChange(func(kind sessions.EventKind, s *sessions.Session) {
		_ = store.ApplyIdentityEvent(context.Background(), kind, s)
	})
	t.Cleanup(unsubscribe)

	tb := &tab{client: client, accessor: accessor, store: store, persister: persister}
	manager, err := impersonation.NewManager(store, accessor, client, persister, config.Default(),
		impersonation.WithNowTime(f.clock.Now),
		impersonation.WithNoticeHandler(func(n impersonation.Notice) {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			tb.notices = append(tb.notices, n)
		}),
	)
	require.NoError(t, err)
	tb.manager = manager

	require.NoError(t, store.Initialize(context.Background()))
	return tb
}

func (f *testFixture) signedInTab(t *testing.T, email string) *tab {
	t.Helper()
	client := f.server.NewClient()
	_, err := client.SignInWithPassword(context.Background(), email, testPassword)
	require.NoError(t, err)
	return f.openTab(t, client)
}

func TestNewManager_Validation(t *testing.T) {
	_, err := impersonation.NewManager(nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestStart_ShortReasonRejectedBeforeAnyBackendCall(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")
	before := f.server.TotalCalls()

	for _, reason := range []string{"", "too short", "   ticket   "} {
		_, err := tb.manager.Start(context.Background(), f.member.ID, reason)
		require.ErrorIs(t, err, errs.ErrInvalidReason, reason)
	}
	require.Equal(t, before, f.server.TotalCalls())
	require.Equal(t, impersonation.PhaseIdle, tb.manager.Phase())
}

func TestStart_SuperAdminTargetRejected(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")

	_, err := tb.manager.Start(context.Background(), f.other.ID, testReason)
	require.ErrorIs(t, err, errs.ErrInsufficientPermissions)
	require.Zero(t, f.server.Calls("start-impersonation"))
	require.False(t, tb.store.Snapshot().Impersonating())
}

func TestStart_RequiresSuperAdminCaller(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "member@example.com")

	_, err := tb.manager.Start(context.Background(), f.admin.ID, testReason)
	require.ErrorIs(t, err, errs.ErrInsufficientPermissions)
}

func TestStart_ImpersonatesTarget(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")
	adminSession := tb.client.Current()

	imp, err := tb.manager.Start(context.Background(), f.member.ID, testReason)
	require.NoError(t, err)

	st := tb.store.Snapshot()
	require.Equal(t, f.member.ID, st.Impersonation.TargetUser.ID)
	require.Equal(t, users.RoleMember, st.Role)
	require.Equal(t, f.acme.ID, st.Team.ID)
	require.Equal(t, f.member.ID, st.UserID())
	require.NotNil(t, st.Impersonation.AdminOriginalSession)
	require.Equal(t, f.admin.ID, st.Impersonation.AdminOriginalSession.User.ID)
	require.Equal(t, adminSession.RefreshToken, st.Impersonation.AdminOriginalSession.RefreshToken)
	require.True(t, f.clock.Now().Add(30*time.Minute).Equal(imp.ExpiresAt))
	require.Equal(t, impersonation.PhaseActive, tb.manager.Phase())
	require.NoError(t, st.Validate())

	// The live credential is the target's.
	require.Equal(t, f.member.ID, tb.client.Current().User.ID)

	persisted, err := tb.persister.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, imp.SessionID, persisted.SessionID)
	require.Equal(t, f.admin.ID, persisted.AdminOriginalSession.User.ID)

	rec, ok := f.server.Audit(imp.SessionID)
	require.True(t, ok)
	require.Equal(t, testReason, rec.Reason)
}

func TestStart_SecondStartIsAConflict(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")
	_, err := tb.manager.Start(context.Background(), f.member.ID, testReason)
	require.NoError(t, err)

	_, err = tb.manager.Start(context.Background(), f.member.ID, testReason)
	require.ErrorIs(t, err, errs.ErrImpersonationConflict)
}

func TestStartStop_RoundTripRestoresAdministrator(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")
	before := tb.store.Snapshot()
	captured := tb.client.Current()

	imp, err := tb.manager.Start(context.Background(), f.member.ID, testReason)
	require.NoError(t, err)
	require.NoError(t, tb.manager.Stop(context.Background()))

	after := tb.store.Snapshot()
	require.Nil(t, after.Impersonation)
	require.Equal(t, before.Role, after.Role)
	require.Equal(t, before.Team, after.Team)
	require.Equal(t, before.UserID(), after.UserID())
	require.False(t, after.Loading)
	require.Equal(t, impersonation.PhaseIdle, tb.manager.Phase())

	live := tb.client.Current()
	require.Equal(t, f.admin.ID, live.User.ID)
	require.NotEqual(t, captured.RefreshToken, live.RefreshToken)

	persisted, err := tb.persister.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, persisted)

	rec, _ := f.server.Audit(imp.SessionID)
	require.NotNil(t, rec.EndedAt)

	require.ErrorIs(t, tb.manager.Stop(context.Background()), errs.ErrNotImpersonating)
}

func TestStop_AuditFailureDoesNotBlockRestore(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")
	_, err := tb.manager.Start(context.Background(), f.member.ID, testReason)
	require.NoError(t, err)

	f.server.Fail("stop-impersonation", errors.New("function timed out"))
	require.NoError(t, tb.manager.Stop(context.Background()))

	st := tb.store.Snapshot()
	require.False(t, st.Impersonating())
	require.Equal(t, users.RoleSuperAdmin, st.Role)
	require.Equal(t, f.admin.ID, tb.client.Current().User.ID)
	require.Equal(t, 1, f.server.Calls("stop-impersonation"))
}

func TestStart_FunctionFailureIsNotRetried(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")
	before := tb.store.Snapshot()

	f.server.Fail(fakebackend.FaultMintImpersonation, errors.New("mint failed"))
	_, err := tb.manager.Start(context.Background(), f.member.ID, testReason)
	require.ErrorIs(t, err, errs.ErrImpersonationStartFailed)

	require.Equal(t, 1, f.server.Calls("start-impersonation"))
	require.Equal(t, impersonation.PhaseIdle, tb.manager.Phase())
	require.Equal(t, before.Role, tb.store.Snapshot().Role)
	require.False(t, tb.store.Snapshot().Impersonating())
	require.Equal(t, f.admin.ID, tb.client.Current().User.ID)

	records := f.server.AuditRecords()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].EndedAt)
}

func TestCheckExpiry_AutoStopsAndNotifies(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")
	imp, err := tb.manager.Start(context.Background(), f.member.ID, testReason)
	require.NoError(t, err)

	f.clock.Advance(29 * time.Minute)
	expired, err := tb.manager.CheckExpiry(context.Background())
	require.NoError(t, err)
	require.False(t, expired)
	require.True(t, tb.store.Snapshot().Impersonating())

	f.clock.Advance(2 * time.Minute) // T0+31min
	expired, err = tb.manager.CheckExpiry(context.Background())
	require.NoError(t, err)
	require.True(t, expired)

	st := tb.store.Snapshot()
	require.False(t, st.Impersonating())
	require.Equal(t, f.admin.ID, st.UserID())
	require.Equal(t, users.RoleSuperAdmin, st.Role)

	notices := tb.Notices()
	require.Len(t, notices, 1)
	require.Equal(t, impersonation.NoticeExpired, notices[0].Kind)
	require.Equal(t, imp.SessionID, notices[0].SessionID)
}

func TestStop_AfterReloadUsesPersistedAdminSession(t *testing.T) {
	f := setupTestFixture(t)
	first := f.signedInTab(t, "admin@example.com")
	imp, err := first.manager.Start(context.Background(), f.member.ID, testReason)
	require.NoError(t, err)

	// A reload keeps the credential and origin storage, nothing else.
	reloaded := f.openTab(t, first.client)
	st := reloaded.store.Snapshot()
	require.True(t, st.Impersonating())
	require.Equal(t, imp.SessionID, st.Impersonation.SessionID)
	require.Equal(t, users.RoleMember, st.Role)

	require.NoError(t, reloaded.manager.Stop(context.Background()))
	st = reloaded.store.Snapshot()
	require.False(t, st.Impersonating())
	require.Equal(t, f.admin.ID, st.UserID())
	require.Equal(t, users.RoleSuperAdmin, st.Role)
	require.Equal(t, f.platform.ID, st.TeamID())
	require.Equal(t, f.admin.ID, first.client.Current().User.ID)
}

func TestAdoptAndReleaseRemote(t *testing.T) {
	f := setupTestFixture(t)
	a := f.signedInTab(t, "admin@example.com")
	b := f.signedInTab(t, "admin@example.com")

	_, err := a.manager.Start(context.Background(), f.member.ID, testReason)
	require.NoError(t, err)

	remote := a.store.Snapshot()
	require.NoError(t, b.manager.AdoptRemote(context.Background(), remote))
	st := b.store.Snapshot()
	require.True(t, st.Impersonating())
	require.Nil(t, st.Impersonation.AdminOriginalSession)
	require.Equal(t, users.RoleMember, st.Role)
	// B's own credential is untouched.
	require.Equal(t, f.admin.ID, b.client.Current().User.ID)

	require.NoError(t, a.manager.Stop(context.Background()))
	require.NoError(t, b.manager.ReleaseRemote(context.Background(), a.store.Snapshot()))
	st = b.store.Snapshot()
	require.False(t, st.Impersonating())
	require.Equal(t, users.RoleSuperAdmin, st.Role)
	require.Equal(t, f.platform.ID, st.TeamID())
}

func TestPersister_DiscardsCorruptAndExpiredRecords(t *testing.T) {
	f := setupTestFixture(t)
	handle := f.origin.Handle()
	defer handle.Close()
	p := impersonation.NewPersister(handle, f.clock.Now)

	require.NoError(t, handle.Set(context.Background(), impersonation.StorageKey, []byte("{oops")))
	imp, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, imp)
	require.NotContains(t, f.origin.Keys(), impersonation.StorageKey)

	require.NoError(t, p.Save(context.Background(), &authstate.Impersonation{
		SessionID:   "s1",
		AdminUserID: f.admin.ID,
		TargetUser:  authstate.TargetUser{ID: f.member.ID},
		ExpiresAt:   f.clock.Now().Add(time.Minute),
	}))
	imp, err = p.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s1", imp.SessionID)

	f.clock.Advance(time.Minute)
	imp, err = p.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, imp)
	require.NotContains(t, f.origin.Keys(), impersonation.StorageKey)
}

func TestPersister_KeepsCredentialOutOfRecord(t *testing.T) {
	f := setupTestFixture(t)
	tb := f.signedInTab(t, "admin@example.com")
	adminSession := tb.client.Current()

	imp, err := tb.manager.Start(context.Background(), f.member.ID, testReason)
	require.NoError(t, err)

	handle := f.origin.Handle()
	defer handle.Close()
	raw, err := handle.Get(context.Background(), impersonation.StorageKey)
	require.NoError(t, err)
	require.Contains(t, string(raw), imp.SessionID)
	require.NotContains(t, string(raw), adminSession.RefreshToken)
	require.NotContains(t, string(raw), adminSession.AccessToken)
	require.Contains(t, f.origin.Keys(), impersonation.CredentialKey)

	persisted, err := impersonation.NewPersister(handle, f.clock.Now).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, adminSession.RefreshToken, persisted.AdminOriginalSession.RefreshToken)

	require.NoError(t, tb.manager.Stop(context.Background()))
	require.NotContains(t, f.origin.Keys(), impersonation.StorageKey)
	require.NotContains(t, f.origin.Keys(), impersonation.CredentialKey)
}

func TestPersister_IgnoresCredentialOfAnotherAdministrator(t *testing.T) {
	f := setupTestFixture(t)
	handle := f.origin.Handle()
	defer handle.Close()
	p := impersonation.NewPersister(handle, f.clock.Now)

	require.NoError(t, p.Save(context.Background(), &authstate.Impersonation{
		SessionID:            "s1",
		AdminUserID:          f.admin.ID,
		TargetUser:           authstate.TargetUser{ID: f.member.ID},
		ExpiresAt:            f.clock.Now().Add(time.Minute),
		AdminOriginalSession: &sessions.Session{AccessToken: "a", RefreshToken: "r", User: f.other},
	}))
	imp, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s1", imp.SessionID)
	require.Nil(t, imp.AdminOriginalSession)

	require.NoError(t, handle.Set(context.Background(), impersonation.CredentialKey, []byte("{oops")))
	imp, err = p.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, imp.AdminOriginalSession)
	require.NotContains(t, f.origin.Keys(), impersonation.CredentialKey)
}
