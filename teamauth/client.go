// Package teamauth is the session and impersonation engine for one tab of a
// multi-tenant team application. A Client wires the auth state store, the
// session accessor, cross-tab sync and the impersonation manager around one
// identity backend and one origin-scoped storage.
package teamauth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-team-auth/authstate"
	"github.com/jrsteele09/go-team-auth/backend"
	"github.com/jrsteele09/go-team-auth/impersonation"
	"github.com/jrsteele09/go-team-auth/internal/config"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/ids"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/internal/poll"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/jrsteele09/go-team-auth/tabsync"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	noticeBuffer           = 16
	membershipPollAttempts = 10
	membershipPollInterval = 300 * time.Millisecond
)

type Client struct {
	cfg     config.Config
	backend backend.Backend
	tabID   string
	url     string
	nowTime func() time.Time
	metrics *obs.Metrics
	logger  zerolog.Logger

	accessor  *sessions.Accessor
	store     *authstate.Store
	persister *impersonation.Persister
	manager   *impersonation.Manager
	channel   *tabsync.Channel
	syncer    *tabsync.Syncer
	registry  *tabsync.Registry

	notices     chan impersonation.Notice
	unsubscribe func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

type Option func(*Client)

// WithTabID fixes the tab id instead of generating one.
func WithTabID(id string) Option {
	return func(c *Client) {
		c.tabID = id
	}
}

// WithURL sets the location recorded in the tab registry.
func WithURL(url string) Option {
	return func(c *Client) {
		c.url = url
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func New(cfg config.Config, b backend.Backend, s storage.Storage, options ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("[teamauth.New] config is required")
	}
	if b == nil {
		return nil, errors.New("[teamauth.New] backend is required")
	}
	if s == nil {
		return nil, errors.New("[teamauth.New] storage is required")
	}
	c := &Client{
		cfg:     cfg,
		backend: b,
		nowTime: time.Now,
		notices: make(chan impersonation.Notice, noticeBuffer),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.tabID == "" {
		c.tabID = ids.NewTabID()
	}
	if c.url == "" {
		c.url = cfg.GetOrigin()
	}
	c.logger = obs.Component("teamauth").With().Str("tab_id", c.tabID).Logger()

	var err error
	c.accessor, err = sessions.NewAccessor(b,
		sessions.WithCacheTTL(cfg.GetSessionCacheTTL()),
		sessions.WithNowTime(c.nowTime),
		sessions.WithMetrics(c.metrics),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[teamauth.New]")
	}
	c.persister = impersonation.NewPersister(s, c.nowTime)
	c.store, err = authstate.New(c.accessor, b,
		authstate.WithNowTime(c.nowTime),
		authstate.WithMetrics(c.metrics),
		authstate.WithImpersonationLoader(c.persister),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[teamauth.New]")
	}
	c.unsubscribe = b.OnSessionChange(func(kind sessions.EventKind, session *sessions.Session) {
		if err := c.store.ApplyIdentityEvent(context.Background(), kind, session); err != nil {
			c.logger.Warn().Err(err).Str("event", string(kind)).Msg("identity event not applied")
		}
	})
	c.manager, err = impersonation.NewManager(c.store, c.accessor, b, c.persister, cfg,
		impersonation.WithNowTime(c.nowTime),
		impersonation.WithMetrics(c.metrics),
		impersonation.WithNoticeHandler(c.deliverNotice),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[teamauth.New]")
	}
	c.channel, err = tabsync.NewChannel(s, c.tabID,
		tabsync.WithMaxAge(cfg.GetBroadcastMaxAge()),
		tabsync.WithRemoveDelay(cfg.GetBroadcastRemoveDelay()),
		tabsync.WithChannelMetrics(c.metrics),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[teamauth.New]")
	}
	c.syncer, err = tabsync.NewSyncer(c.store, c.channel,
		tabsync.WithImpersonationHandler(c.manager),
		tabsync.WithConflictWindow(cfg.GetConflictWindow()),
		tabsync.WithMetrics(c.metrics),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[teamauth.New]")
	}
	c.registry, err = tabsync.NewRegistry(s, c.tabID, c.url,
		tabsync.WithStaleAfter(cfg.GetTabStaleAfter()),
		tabsync.WithHeartbeatInterval(cfg.GetTabHeartbeatInterval()),
		tabsync.WithRegistryNowTime(c.nowTime),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[teamauth.New]")
	}
	return c, nil
}

// Start initializes the auth state and launches the periodic jobs: the
// impersonation expiry check, the session health monitor and the tab
// heartbeat. The jobs keep running when initialization fails.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	err := c.store.Initialize(ctx)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.manager.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.registry.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.runHealthMonitor(runCtx)
	}()

	if err != nil {
		return errors.Wrap(err, "[Client.Start]")
	}
	c.logger.Info().Str("user_id", c.store.Snapshot().UserID()).Msg("engine started")
	return nil
}

// Close stops the periodic jobs, unregisters the tab and releases every
// subscription. It does not sign out.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.syncer.Close()
	c.channel.Close()
	c.unsubscribe()
	c.store.Dispose()
	c.accessor.Close()
}

func (c *Client) TabID() string {
	return c.tabID
}

// State returns a copy of the current auth state.
func (c *Client) State() authstate.State {
	return c.store.Snapshot()
}

func (c *Client) Store() *authstate.Store {
	return c.store
}

// WaitForLoad blocks until the state has finished loading or the configured
// backstop passes. The second result is false when the backstop was hit.
func (c *Client) WaitForLoad(ctx context.Context) (authstate.State, bool) {
	return c.store.WaitForLoad(ctx, c.cfg.GetLoadWaitTimeout())
}

// Notices delivers impersonation notices such as an automatic expiry. Notices
// are dropped when nobody reads them.
func (c *Client) Notices() <-chan impersonation.Notice {
	return c.notices
}

func (c *Client) SignIn(ctx context.Context, email, password string) (authstate.State, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return authstate.State{}, errs.Wrapf(errs.ErrInvalidRequest, "[Client.SignIn] email and password are required")
	}
	result, err := c.backend.SignInWithPassword(ctx, email, password)
	if err != nil {
		return authstate.State{}, errors.Wrap(err, "[Client.SignIn]")
	}
	if c.store.Snapshot().UserID() != result.Session.User.ID {
		if err := c.store.Resolve(ctx, result.Session); err != nil {
			return authstate.State{}, errors.Wrap(err, "[Client.SignIn]")
		}
	}
	st := c.store.Snapshot()
	return st, st.Validate()
}

// SignOut ends any impersonation this tab owns, then signs out. Failing to
// end the impersonation does not prevent the sign-out.
func (c *Client) SignOut(ctx context.Context) error {
	if c.store.Snapshot().Impersonating() {
		if err := c.manager.Stop(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("could not end impersonation before sign-out")
		}
	}
	if err := c.persister.Clear(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("could not clear persisted impersonation")
	}
	if err := c.backend.SignOut(ctx); err != nil {
		return errors.Wrap(err, "[Client.SignOut]")
	}
	c.accessor.Invalidate()
	if c.store.Snapshot().Authenticated() {
		_ = c.store.ApplyIdentityEvent(ctx, sessions.EventSignedOut, nil)
	}
	return nil
}

// SignUpRequest creates a user together with the team they will own.
type SignUpRequest struct {
	Email    string
	Password string
	FullName string
	TeamName string
}

// SignUpWithTeam registers a user, creates their team with them as owner and
// waits until the new membership is readable before resolving the state.
func (c *Client) SignUpWithTeam(ctx context.Context, req SignUpRequest) (authstate.State, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.TeamName = strings.TrimSpace(req.TeamName)
	if req.Email == "" || req.TeamName == "" {
		return authstate.State{}, errs.Wrapf(errs.ErrInvalidRequest, "[Client.SignUpWithTeam] email and team name are required")
	}
	if err := users.ValidatePasswordStrength(req.Password); err != nil {
		return authstate.State{}, errs.Wrapf(errs.ErrInvalidRequest, "[Client.SignUpWithTeam] %v", err)
	}

	// The fresh user has no membership yet, so the sign-in event would resolve
	// to a user without a role.
	end := c.store.BeginCredentialSwitch()
	result, err := c.backend.SignUp(ctx, req.Email, req.Password, map[string]any{"full_name": req.FullName})
	end()
	if err != nil {
		return authstate.State{}, errors.Wrap(err, "[Client.SignUpWithTeam] SignUp")
	}
	userID := result.Session.User.ID

	created, err := backend.CreateTeamAndOwner(ctx, c.backend, backend.CreateTeamRequest{TeamName: req.TeamName, FullName: req.FullName})
	if err != nil {
		return authstate.State{}, errors.Wrap(err, "[Client.SignUpWithTeam]")
	}
	err = poll.Until(ctx, func(ctx context.Context) (bool, error) {
		m, err := c.backend.GetMembership(ctx, userID)
		if errs.Is(err, errs.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return m.Team.ID == created.TeamID, nil
	}, membershipPollAttempts, membershipPollInterval)
	if err != nil {
		return authstate.State{}, errors.Wrapf(err, "[Client.SignUpWithTeam] membership of team %s", created.TeamID)
	}

	if err := c.store.Resolve(ctx, result.Session); err != nil {
		return authstate.State{}, errors.Wrap(err, "[Client.SignUpWithTeam]")
	}
	c.logger.Info().Str("user_id", userID).Str("team_id", created.TeamID).Msg("user signed up with new team")
	st := c.store.Snapshot()
	return st, st.Validate()
}

func (c *Client) StartImpersonation(ctx context.Context, targetUserID, reason string) (*authstate.Impersonation, error) {
	return c.manager.Start(ctx, targetUserID, reason)
}

func (c *Client) StopImpersonation(ctx context.Context) error {
	return c.manager.Stop(ctx)
}

func (c *Client) ImpersonationPhase() impersonation.Phase {
	return c.manager.Phase()
}

// TriggerSessionRecovery overwrites every other tab's state with this one's.
func (c *Client) TriggerSessionRecovery(ctx context.Context) error {
	return c.syncer.TriggerSessionRecovery(ctx)
}

func (c *Client) GetActiveTabs(ctx context.Context) ([]tabsync.TabRecord, error) {
	return c.registry.ActiveTabs(ctx)
}

// IsTabPrimary is advisory: two tabs may briefly both believe they are primary.
func (c *Client) IsTabPrimary(ctx context.Context) (bool, error) {
	return c.registry.IsPrimaryTab(ctx)
}

func (c *Client) deliverNotice(n impersonation.Notice) {
	select {
	case c.notices <- n:
	default:
		c.logger.Warn().Str("kind", string(n.Kind)).Msg("notice dropped, nobody is reading")
	}
}
