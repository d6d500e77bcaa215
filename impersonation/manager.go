// Package impersonation runs the "act as this user" flow: it swaps the live
// credential between an administrator and the user they impersonate, keeps
// the administrator's own session so it can be restored, and ends the
// impersonation when its time box runs out.
package impersonation

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jrsteele09/go-team-auth/authstate"
	"github.com/jrsteele09/go-team-auth/backend"
	"github.com/jrsteele09/go-team-auth/internal/config"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseActive   Phase = "active"
	PhaseStopping Phase = "stopping"
	PhaseExpired  Phase = "expired"
)

type NoticeKind string

const (
	NoticeExpired       NoticeKind = "impersonation_expired"
	NoticeRestoreFailed NoticeKind = "admin_restore_failed"
)

// Notice is surfaced to the user instead of silently reverting state.
type Notice struct {
	Kind         NoticeKind
	SessionID    string
	TargetUserID string
	At           time.Time
	Message      string
}

// SessionFetcher is satisfied by *sessions.Accessor.
type SessionFetcher interface {
	Fetch(ctx context.Context) (*sessions.Session, error)
}

type Manager struct {
	store     *authstate.Store
	sessions  SessionFetcher
	backend   backend.Backend
	persister *Persister

	duration      time.Duration
	checkInterval time.Duration
	minReason     int
	nowTime       func() time.Time
	notify        func(Notice)
	metrics       *obs.Metrics
	logger        zerolog.Logger

	// opMu serializes start, stop, expiry and remote transitions.
	opMu sync.Mutex

	mu             sync.Mutex
	phase          Phase
	pre            *authstate.State // State to restore on stop
	ownsCredential bool             // The live credential of this tab is the target's
}

type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

func WithMetrics(metrics *obs.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithNoticeHandler receives notices such as an expired impersonation.
func WithNoticeHandler(fn func(Notice)) Option {
	return func(m *Manager) {
		m.notify = fn
	}
}

func NewManager(
	store *authstate.Store,
	fetcher SessionFetcher,
	b backend.Backend,
	persister *Persister,
	cfg config.ImpersonationConfig,
	options ...Option,
) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[NewManager] store is required")
	}
	if fetcher == nil {
		return nil, errors.New("[NewManager] session fetcher is required")
	}
	if b == nil {
		return nil, errors.New("[NewManager] backend is required")
	}
	if persister == nil {
		return nil, errors.New("[NewManager] persister is required")
	}
	if cfg == nil {
		return nil, errors.New("[NewManager] config is required")
	}
	m := &Manager{
		store:         store,
		sessions:      fetcher,
		backend:       b,
		persister:     persister,
		duration:      cfg.GetImpersonationDuration(),
		checkInterval: cfg.GetImpersonationCheckInterval(),
		minReason:     cfg.GetMinReasonLength(),
		nowTime:       time.Now,
		notify:        func(Notice) {},
		logger:        obs.Component("impersonation"),
		phase:         PhaseIdle,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Start begins impersonating targetUserID. reason is recorded in the audit
// trail and must have at least the configured number of characters.
func (m *Manager) Start(ctx context.Context, targetUserID, reason string) (*authstate.Impersonation, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < m.minReason {
		return nil, errs.Wrapf(errs.ErrInvalidReason, "[Manager.Start] reason must be at least %d characters", m.minReason)
	}
	if targetUserID == "" {
		return nil, errs.Wrapf(errs.ErrInvalidRequest, "[Manager.Start] target user is required")
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	pre := m.store.Snapshot()
	if !pre.Authenticated() {
		return nil, errs.Wrapf(errs.ErrSessionUnavailable, "[Manager.Start]")
	}
	if pre.Impersonating() || m.Phase() != PhaseIdle {
		return nil, errs.Wrapf(errs.ErrImpersonationConflict, "[Manager.Start] already impersonating")
	}
	if !pre.Role.IsSuperAdmin() {
		return nil, errs.Wrapf(errs.ErrInsufficientPermissions, "[Manager.Start] role %q cannot impersonate", pre.Role)
	}
	if targetUserID == pre.UserID() {
		return nil, errs.Wrapf(errs.ErrInvalidRequest, "[Manager.Start] cannot impersonate yourself")
	}

	target, team, err := m.lookupTarget(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	if target.Role.IsSuperAdmin() {
		return nil, errs.Wrapf(errs.ErrInsufficientPermissions, "[Manager.Start] cannot impersonate a super admin")
	}

	m.setPhase(PhaseStarting)
	imp, err := m.start(ctx, pre, target, team, reason)
	if err != nil {
		m.setPhase(PhaseIdle)
		m.metrics.ImpersonationPhase("start_failed")
		return nil, err
	}
	m.setPhase(PhaseActive)
	return imp, nil
}

func (m *Manager) start(ctx context.Context, pre authstate.State, target authstate.TargetUser, team *teams.Team, reason string) (*authstate.Impersonation, error) {
	admin, err := m.sessions.Fetch(ctx)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrBackendUnreachable, "[Manager.Start] %v", err)
	}
	if admin == nil || admin.User.ID != pre.UserID() {
		return nil, errs.Wrapf(errs.ErrSessionUnavailable, "[Manager.Start] administrator session")
	}

	started, err := backend.StartImpersonation(ctx, m.backend, backend.StartImpersonationRequest{
		TargetUserID:    target.ID,
		Reason:          reason,
		DurationSeconds: int(m.duration / time.Second),
	})
	if err != nil {
		// Never retried: the audit record may already exist.
		return nil, errs.Wrapf(errs.ErrImpersonationStartFailed, "[Manager.Start] %v", err)
	}

	imp := &authstate.Impersonation{
		SessionID:            started.SessionID,
		TargetUser:           target,
		ExpiresAt:            started.ExpiresAt,
		AdminUserID:          admin.User.ID,
		AdminOriginalSession: admin,
	}
	if err := m.persister.Save(ctx, imp); err != nil {
		m.endAudit(ctx, imp.SessionID)
		return nil, errs.Wrapf(errs.ErrImpersonationStartFailed, "[Manager.Start] persist: %v", err)
	}

	end := m.store.BeginCredentialSwitch()
	defer end()

	live, err := m.backend.SetSession(ctx, started.Tokens())
	if err == nil {
		err = live.Validate()
	}
	if err != nil {
		if cerr := m.persister.Clear(ctx); cerr != nil {
			m.logger.Warn().Err(cerr).Msg("could not clear persisted impersonation after failed start")
		}
		m.endAudit(ctx, imp.SessionID)
		return nil, errs.Wrapf(errs.ErrImpersonationStartFailed, "[Manager.Start] activate: %v", err)
	}

	m.mu.Lock()
	m.pre = &pre
	m.ownsCredential = true
	m.mu.Unlock()

	m.store.Mutate(func(st *authstate.State) {
		enter(st, live.Session.User, team, imp)
	})

	m.metrics.ImpersonationPhase(string(PhaseActive))
	m.logger.Info().
		Str("session_id", imp.SessionID).
		Str("admin_user_id", imp.AdminUserID).
		Str("target_user_id", target.ID).
		Str("reason", reason).
		Time("expires_at", imp.ExpiresAt).
		Msg("impersonation started")
	return imp.Clone(), nil
}

// Stop ends the active impersonation and restores the administrator. A failure
// to mark the audit record ended is logged and does not block the restore.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stop(ctx, "stopped")
}

// CheckExpiry stops an impersonation that has reached its expiry and emits a
// notice. It reports whether an expiry was handled.
func (m *Manager) CheckExpiry(ctx context.Context) (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	imp := m.store.Snapshot().Impersonation
	now := m.nowTime()
	if imp == nil || !imp.Expired(now) {
		return false, nil
	}

	m.setPhase(PhaseExpired)
	m.metrics.ImpersonationPhase(string(PhaseExpired))
	m.logger.Info().Str("session_id", imp.SessionID).Time("expires_at", imp.ExpiresAt).Msg("impersonation expired")
	m.notify(Notice{
		Kind:         NoticeExpired,
		SessionID:    imp.SessionID,
		TargetUserID: imp.TargetUser.ID,
		At:           now,
		Message:      "Your impersonation session has expired. You are back in your own account.",
	})
	return true, m.stop(ctx, "expired")
}

// Run checks for expiry on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckExpiry(ctx); err != nil {
				m.logger.Err(err).Msg("impersonation expiry check")
			}
		}
	}
}

// AdoptRemote mirrors an impersonation started in another tab. If this tab was
// itself impersonating, its own impersonation is ended first.
func (m *Manager) AdoptRemote(ctx context.Context, remote authstate.State) error {
	if remote.Impersonation == nil {
		return nil
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	local := m.store.Snapshot()
	if local.Impersonation != nil && local.Impersonation.SessionID == remote.Impersonation.SessionID {
		return nil
	}

	m.mu.Lock()
	owns := m.ownsCredential
	m.mu.Unlock()
	if owns && local.Impersonation != nil {
		m.logger.Info().
			Str("local_session_id", local.Impersonation.SessionID).
			Str("remote_session_id", remote.Impersonation.SessionID).
			Msg("yielding to impersonation started in another tab")
		end := m.store.BeginCredentialSwitch()
		defer end()
		m.endAudit(ctx, local.Impersonation.SessionID)
		if _, err := m.swapToAdmin(ctx, local.Impersonation); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.pre == nil && local.Impersonation == nil {
		m.pre = &local
	}
	m.mu.Unlock()

	imp := remote.Impersonation.WithoutCredentials()
	m.store.MutateFrom(authstate.OriginRemote, func(st *authstate.State) {
		st.User = remote.User.Clone()
		st.Profile = remote.Profile.Clone()
		st.Team = remote.Team.Clone()
		st.Role = remote.Role
		st.TeamMembers = nil
		st.Impersonation = imp
	})
	m.setPhase(PhaseActive)
	return nil
}

// ReleaseRemote clears the local impersonation after another tab stopped it.
func (m *Manager) ReleaseRemote(ctx context.Context, _ authstate.State) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	imp := m.store.Snapshot().Impersonation
	if imp == nil {
		return nil
	}
	m.mu.Lock()
	owns := m.ownsCredential
	m.mu.Unlock()
	if owns {
		m.endAudit(ctx, imp.SessionID)
	}

	end := m.store.BeginCredentialSwitch()
	defer end()
	defer m.setPhase(PhaseIdle)
	return m.restore(ctx, imp, authstate.OriginRemote)
}

func (m *Manager) stop(ctx context.Context, why string) error {
	imp := m.store.Snapshot().Impersonation
	persisted, err := m.persister.Load(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not read persisted impersonation")
	}
	if imp == nil {
		imp = persisted
	}
	if imp == nil {
		return errs.Wrapf(errs.ErrNotImpersonating, "[Manager.Stop]")
	}
	if imp.AdminOriginalSession == nil && persisted != nil && persisted.SessionID == imp.SessionID {
		imp.AdminOriginalSession = persisted.AdminOriginalSession
	}

	m.setPhase(PhaseStopping)
	defer m.setPhase(PhaseIdle)
	end := m.store.BeginCredentialSwitch()
	defer end()

	m.endAudit(ctx, imp.SessionID)
	if err := m.persister.Clear(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("could not clear persisted impersonation")
	}

	if err := m.restore(ctx, imp, authstate.OriginLocal); err != nil {
		return err
	}
	m.metrics.ImpersonationPhase(why)
	m.logger.Info().
		Str("session_id", imp.SessionID).
		Str("admin_user_id", imp.AdminUserID).
		Str("target_user_id", imp.TargetUser.ID).
		Str("reason", why).
		Msg("impersonation ended")
	return nil
}

// restore puts the administrator back as the signed-in user. It must run
// inside a credential switch.
func (m *Manager) restore(ctx context.Context, imp *authstate.Impersonation, origin authstate.Origin) error {
	admin, err := m.swapToAdmin(ctx, imp)
	if err != nil {
		m.notify(Notice{
			Kind:         NoticeRestoreFailed,
			SessionID:    imp.SessionID,
			TargetUserID: imp.TargetUser.ID,
			At:           m.nowTime(),
			Message:      "Your administrator session could not be restored. Please sign in again.",
		})
		m.signOutLocally(ctx, origin)
		return err
	}

	m.mu.Lock()
	pre := m.pre
	m.pre = nil
	m.mu.Unlock()

	if admin == nil {
		m.store.MutateFrom(origin, func(st *authstate.State) {
			*st = authstate.State{Initialized: st.Initialized, Loading: st.Loading}
		})
		return nil
	}
	if pre != nil && pre.UserID() == admin.User.ID {
		restored := pre.Clone()
		m.store.MutateFrom(origin, func(st *authstate.State) {
			loading, initialized := st.Loading, st.Initialized
			*st = restored
			st.User = admin.User.Clone()
			st.Impersonation = nil
			st.Loading = loading
			st.Initialized = initialized
		})
		return nil
	}
	return m.store.Resolve(ctx, admin)
}

// swapToAdmin re-activates the administrator's credential when this tab's
// live credential is the target's. It returns the session that is live
// afterwards, which may be nil.
func (m *Manager) swapToAdmin(ctx context.Context, imp *authstate.Impersonation) (*sessions.Session, error) {
	m.mu.Lock()
	owns := m.ownsCredential
	m.ownsCredential = false
	m.mu.Unlock()

	live, err := m.sessions.Fetch(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not read live session while restoring administrator")
	}
	if !owns && (live == nil || live.User.ID != imp.TargetUser.ID) {
		return live, nil
	}

	if imp.AdminOriginalSession == nil {
		return nil, errs.Wrapf(errs.ErrSessionUnavailable, "[Manager.restore] administrator session was not kept")
	}
	// A fresh pair is derived; the captured refresh token may be close to rotation.
	res, err := m.backend.SetSession(ctx, imp.AdminOriginalSession.Tokens())
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		return nil, errs.Wrapf(errs.ErrSessionUnavailable, "[Manager.restore] %v", err)
	}
	return res.Session, nil
}

func (m *Manager) signOutLocally(ctx context.Context, origin authstate.Origin) {
	if err := m.backend.SignOut(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("sign out after failed restore")
	}
	m.mu.Lock()
	m.pre = nil
	m.mu.Unlock()
	m.store.MutateFrom(origin, func(st *authstate.State) {
		*st = authstate.State{Initialized: st.Initialized, Loading: st.Loading}
	})
}

// endAudit marks the audit record ended. Failures are logged, never retried.
func (m *Manager) endAudit(ctx context.Context, sessionID string) {
	if _, err := backend.StopImpersonation(ctx, m.backend, backend.StopImpersonationRequest{SessionID: sessionID}); err != nil {
		m.metrics.ImpersonationPhase("end_audit_failed")
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("could not mark impersonation ended")
	}
}

func (m *Manager) lookupTarget(ctx context.Context, userID string) (authstate.TargetUser, *teams.Team, error) {
	var (
		membership *backend.MembershipResult
		profile    *users.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := m.backend.GetMembership(gctx, userID)
		if err != nil {
			return errors.Wrap(err, "[Manager.lookupTarget] GetMembership")
		}
		if err := res.Validate(); err != nil {
			return errors.Wrap(err, "[Manager.lookupTarget] GetMembership")
		}
		membership = res
		return nil
	})
	g.Go(func() error {
		res, err := m.backend.GetProfile(gctx, userID)
		if err != nil || res.Validate() != nil {
			m.logger.Debug().Err(err).Str("user_id", userID).Msg("target profile unavailable")
			return nil
		}
		profile = &res.Profile
		return nil
	})
	if err := g.Wait(); err != nil {
		return authstate.TargetUser{}, nil, err
	}

	target := authstate.TargetUser{
		ID:   userID,
		Role: membership.Role,
		Team: membership.Team.Ref(),
	}
	if profile != nil {
		target.Email = profile.Email
		target.FullName = profile.FullName
	}
	return target, membership.Team.Clone(), nil
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = p
}

func enter(st *authstate.State, user users.User, team *teams.Team, imp *authstate.Impersonation) {
	st.User = user.Clone()
	st.Profile = &users.Profile{UserID: user.ID, Email: imp.TargetUser.Email, FullName: imp.TargetUser.FullName}
	st.Team = team.Clone()
	st.Role = imp.TargetUser.Role
	st.TeamMembers = nil
	st.Impersonation = imp.Clone()
}
