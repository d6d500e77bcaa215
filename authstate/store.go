// Package authstate holds the single source of truth for the signed-in user,
// their team and role, and any active impersonation. Every other component
// reads and changes that state through a Store.
package authstate

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-team-auth/backend"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Origin tells listeners where a change came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote" // Applied from another tab's broadcast
)

// Change is delivered to listeners after every commit.
type Change struct {
	Prev   State
	Next   State
	Origin Origin
}

// Listener observes commits. Listeners run synchronously in commit order and
// must not mutate the store from the same goroutine.
type Listener func(Change)

// SessionGetter is satisfied by *sessions.Accessor.
type SessionGetter interface {
	Get(ctx context.Context) (*sessions.Session, error)
}

// Directory is the part of the backend used to resolve profile, team and role.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (*backend.ProfileResult, error)
	GetMembership(ctx context.Context, userID string) (*backend.MembershipResult, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]teams.Member, error)
}

// ImpersonationLoader reads a persisted impersonation. It returns nil when
// none is stored or the stored one is no longer usable.
type ImpersonationLoader interface {
	Load(ctx context.Context) (*Impersonation, error)
}

type eventKey struct {
	kind   sessions.EventKind
	userID string
}

type Store struct {
	sessions  SessionGetter
	directory Directory
	loader    ImpersonationLoader
	nowTime   func() time.Time
	metrics   *obs.Metrics
	logger    zerolog.Logger

	initMu        sync.Mutex
	initAttempted bool

	// commitMu serializes commits with their notifications.
	commitMu sync.Mutex

	mu        sync.Mutex
	state     State
	inflight  int
	loaded    chan struct{} // Closed whenever state.Loading is false
	listeners map[int]Listener
	next      int
	lastEvent *eventKey
	switching int
	disposed  bool
}

type Option func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithImpersonationLoader lets Initialize rebuild state from a persisted impersonation.
func WithImpersonationLoader(loader ImpersonationLoader) Option {
	return func(s *Store) {
		s.loader = loader
	}
}

// New creates a store in the loading state. Call Initialize to resolve it.
func New(sessionGetter SessionGetter, directory Directory, options ...Option) (*Store, error) {
	if sessionGetter == nil {
		return nil, errors.New("[authstate.New] session getter is required")
	}
	if directory == nil {
		return nil, errors.New("[authstate.New] directory is required")
	}
	s := &Store{
		sessions:  sessionGetter,
		directory: directory,
		nowTime:   time.Now,
		logger:    obs.Component("authstate"),
		state:     State{Loading: true},
		inflight:  1, // Released by the first Initialize
		loaded:    make(chan struct{}),
		listeners: make(map[int]Listener),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers l for every later commit.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Mutate applies fn to a copy of the state and commits it atomically.
func (s *Store) Mutate(fn func(*State)) State {
	return s.MutateFrom(OriginLocal, fn)
}

// MutateFrom is Mutate with an explicit origin, used when applying changes
// that arrived from another tab.
func (s *Store) MutateFrom(origin Origin, fn func(*State)) State {
	return s.commit(origin, fn)
}

// Initialize resolves the state once per store. Later calls are no-ops once a
// resolution has succeeded.
func (s *Store) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.Snapshot().Initialized {
		return nil
	}
	if s.initAttempted {
		s.commit(OriginLocal, s.beginLoad)
	}
	s.initAttempted = true

	session, err := s.sessions.Get(ctx)
	if err != nil {
		s.commit(OriginLocal, s.endLoad)
		s.logger.Warn().Err(err).Msg("initialize: session unavailable")
		return errs.Wrapf(errs.ErrBackendUnreachable, "[Store.Initialize] %v", err)
	}

	if session == nil {
		s.commit(OriginLocal, func(st *State) {
			s.endLoad(st)
			*st = signedOut(*st)
			st.Initialized = true
		})
		return nil
	}

	if imp := s.persistedImpersonation(ctx, session); imp != nil {
		s.commit(OriginLocal, func(st *State) {
			s.endLoad(st)
			applyImpersonationSnapshot(st, session, imp)
			st.Initialized = true
		})
		s.logger.Info().Str("session_id", imp.SessionID).Str("target_user_id", imp.TargetUser.ID).
			Msg("state rebuilt from persisted impersonation")
		return nil
	}

	profile, membership, rerr := s.resolveDirectory(ctx, session.User.ID)
	s.commit(OriginLocal, func(st *State) {
		s.endLoad(st)
		st.Initialized = true
		st.User = session.User.Clone()
		applyResolution(st, profile, membership, rerr)
	})
	if rerr != nil {
		s.logger.Warn().Err(rerr).Str("user_id", session.User.ID).Msg("initialize: profile/team resolution failed")
	}
	return nil
}

// ApplyIdentityEvent folds a backend-reported credential change into the state.
func (s *Store) ApplyIdentityEvent(ctx context.Context, kind sessions.EventKind, session *sessions.Session) error {
	key := eventKey{kind: kind, userID: session.UserID()}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	duplicate := s.lastEvent != nil && *s.lastEvent == key
	s.lastEvent = &key
	switching := s.switching > 0
	s.mu.Unlock()

	if duplicate {
		s.metrics.IdentityEvent(string(kind), "duplicate")
		return nil
	}
	if switching {
		s.metrics.IdentityEvent(string(kind), "suppressed")
		s.logger.Debug().Str("event", string(kind)).Msg("identity event suppressed during credential switch")
		return nil
	}
	s.metrics.IdentityEvent(string(kind), "applied")

	switch kind {
	case sessions.EventSignedOut:
		s.commit(OriginLocal, func(st *State) {
			*st = signedOut(*st)
		})
		return nil

	case sessions.EventUserUpdated:
		if session == nil {
			return nil
		}
		s.commit(OriginLocal, func(st *State) {
			if st.UserID() == session.User.ID {
				st.User = session.User.Clone()
			}
		})
		return nil

	case sessions.EventSignedIn, sessions.EventTokenRefreshed, sessions.EventInitialSession:
		if session == nil {
			return nil
		}
		current := s.Snapshot()
		if current.UserID() == session.User.ID && current.Role != "" {
			s.commit(OriginLocal, func(st *State) {
				if st.UserID() == session.User.ID {
					st.User = session.User.Clone()
				}
			})
			return nil
		}
		return s.Resolve(ctx, session)
	}

	s.logger.Debug().Str("event", string(kind)).Msg("ignoring unknown identity event")
	return nil
}

// Resolve makes session's user the signed-in user and re-reads their profile,
// team and role. A resolution that finishes after the user has changed again
// is dropped.
func (s *Store) Resolve(ctx context.Context, session *sessions.Session) error {
	if session == nil {
		return errs.Wrapf(errs.ErrSessionUnavailable, "[Store.Resolve]")
	}
	userID := session.User.ID
	s.commit(OriginLocal, func(st *State) {
		s.beginLoad(st)
		if st.UserID() != userID {
			*st = signedOut(*st)
		}
		st.User = session.User.Clone()
		st.Impersonation = nil
	})

	profile, membership, rerr := s.resolveDirectory(ctx, userID)
	s.commit(OriginLocal, func(st *State) {
		s.endLoad(st)
		if st.UserID() != userID {
			return
		}
		st.Initialized = true
		applyResolution(st, profile, membership, rerr)
	})
	if rerr != nil {
		s.logger.Warn().Err(rerr).Str("user_id", userID).Msg("profile/team resolution failed")
	}
	return nil
}

// RefreshTeamMembers reloads the member list of the current team. On failure
// the previous list is kept.
func (s *Store) RefreshTeamMembers(ctx context.Context) error {
	teamID := s.Snapshot().TeamID()
	if teamID == "" {
		return nil
	}
	members, err := s.directory.ListTeamMembers(ctx, teamID)
	if err != nil {
		s.logger.Warn().Err(err).Str("team_id", teamID).Msg("team member refresh failed, keeping stale list")
		return errors.Wrap(err, "[Store.RefreshTeamMembers]")
	}
	s.commit(OriginLocal, func(st *State) {
		if st.TeamID() == teamID {
			st.TeamMembers = teams.CloneMembers(members)
		}
	})
	return nil
}

// WaitForLoad blocks until the state is not loading, max elapses or ctx is
// done. The bool is false when the wait gave up and the state is still loading.
func (s *Store) WaitForLoad(ctx context.Context, max time.Duration) (State, bool) {
	s.mu.Lock()
	st := s.state.Clone()
	loaded := s.loaded
	s.mu.Unlock()
	if !st.Loading {
		return st, true
	}

	timer := time.NewTimer(max)
	defer timer.Stop()
	select {
	case <-loaded:
		st = s.Snapshot()
		return st, !st.Loading
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.Warn().Dur("waited", max).Msg("auth state still loading, continuing degraded")
	return s.Snapshot(), false
}

// BeginCredentialSwitch suppresses identity events until end is called. It
// brackets the swap between administrator and impersonated credentials so the
// intermediate sign-in/sign-out notifications do not reset the state.
func (s *Store) BeginCredentialSwitch() (end func()) {
	s.mu.Lock()
	s.switching++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.switching--
			s.mu.Unlock()
		})
	}
}

// Dispose detaches every listener. Later commits are ignored.
func (s *Store) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.listeners = make(map[int]Listener)
}

// beginLoad and endLoad must run inside a commit.
func (s *Store) beginLoad(st *State) {
	s.inflight++
	st.Loading = true
}

func (s *Store) endLoad(st *State) {
	if s.inflight > 0 {
		s.inflight--
	}
	st.Loading = s.inflight > 0
}

func (s *Store) commit(origin Origin, fn func(*State)) State {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		st := s.state.Clone()
		s.mu.Unlock()
		return st
	}
	prev := s.state
	next := s.state.Clone()
	fn(&next)
	s.state = next
	if next.Loading && !prev.Loading {
		s.loaded = make(chan struct{})
	} else if !next.Loading && prev.Loading {
		close(s.loaded)
	}
	listeners := make([]Listener, 0, len(s.listeners))
	for id := 0; id < s.next; id++ {
		if l, ok := s.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	change := Change{Prev: prev.Clone(), Next: next.Clone(), Origin: origin}
	s.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
	return change.Next.Clone()
}

func (s *Store) persistedImpersonation(ctx context.Context, session *sessions.Session) *Impersonation {
	if s.loader == nil {
		return nil
	}
	imp, err := s.loader.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not read persisted impersonation")
		return nil
	}
	if imp == nil || imp.Expired(s.nowTime()) {
		return nil
	}
	if session.User.ID != imp.TargetUser.ID && session.User.ID != imp.AdminUserID {
		s.logger.Debug().Str("session_id", imp.SessionID).Msg("persisted impersonation belongs to another user")
		return nil
	}
	return imp
}

func (s *Store) resolveDirectory(ctx context.Context, userID string) (*users.Profile, *backend.MembershipResult, error) {
	var (
		profile    *users.Profile
		membership *backend.MembershipResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.directory.GetProfile(gctx, userID)
		if err != nil {
			return errors.Wrap(err, "GetProfile")
		}
		if err := res.Validate(); err != nil {
			return errors.Wrap(err, "GetProfile")
		}
		profile = &res.Profile
		return nil
	})
	g.Go(func() error {
		res, err := s.directory.GetMembership(gctx, userID)
		if err != nil {
			return errors.Wrap(err, "GetMembership")
		}
		if err := res.Validate(); err != nil {
			return errors.Wrap(err, "GetMembership")
		}
		membership = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return profile, membership, nil
}

func applyResolution(st *State, profile *users.Profile, membership *backend.MembershipResult, err error) {
	if err != nil {
		st.Profile = nil
		st.Team = nil
		st.Role = ""
		st.TeamMembers = nil
		return
	}
	st.Profile = profile.Clone()
	if st.TeamID() != membership.Team.ID {
		st.TeamMembers = nil
	}
	st.Team = membership.Team.Clone()
	st.Role = membership.Role
}

func applyImpersonationSnapshot(st *State, session *sessions.Session, imp *Impersonation) {
	target := imp.TargetUser
	if session.User.ID == target.ID {
		st.User = session.User.Clone()
	} else {
		st.User = &users.User{ID: target.ID, Email: target.Email}
	}
	st.Profile = &users.Profile{UserID: target.ID, FullName: target.FullName}
	st.Team = &teams.Team{ID: target.Team.ID, Name: target.Team.Name}
	st.Role = target.Role
	st.TeamMembers = nil
	st.Impersonation = imp.Clone()
}
