package tabsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jrsteele09/go-team-auth/authstate"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	defaultConflictWindow = time.Second
	outboxSize            = 64
)

// Snapshot is the part of the auth state that crosses tabs. It never carries
// the administrator's credential.
type Snapshot struct {
	User          *users.User              `json:"user,omitempty"`
	Profile       *users.Profile           `json:"profile,omitempty"`
	Team          *teams.Team              `json:"team,omitempty"`
	Role          users.RoleType           `json:"role,omitempty"`
	Impersonation *authstate.Impersonation `json:"impersonation,omitempty"`
}

func SnapshotOf(st authstate.State) Snapshot {
	return Snapshot{
		User:          st.User.Clone(),
		Profile:       st.Profile.Clone(),
		Team:          st.Team.Clone(),
		Role:          st.Role,
		Impersonation: st.Impersonation.WithoutCredentials(),
	}
}

func (s Snapshot) State() authstate.State {
	return authstate.State{
		User:          s.User,
		Profile:       s.Profile,
		Team:          s.Team,
		Role:          s.Role,
		Impersonation: s.Impersonation,
		Initialized:   true,
	}
}

func (s Snapshot) userID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// ImpersonationHandler takes over impersonation envelopes so the tab's own
// credential is handled alongside the state. impersonation.Manager satisfies it.
type ImpersonationHandler interface {
	AdoptRemote(ctx context.Context, remote authstate.State) error
	ReleaseRemote(ctx context.Context, remote authstate.State) error
}

type outgoing struct {
	event Event
	snap  Snapshot
}

// Syncer publishes local store changes and applies the ones other tabs publish.
type Syncer struct {
	store          *authstate.Store
	channel        *Channel
	handler        ImpersonationHandler
	conflictWindow time.Duration
	nowTime        func() time.Time
	metrics        *obs.Metrics
	logger         zerolog.Logger

	mu     sync.Mutex
	closed bool
	outbox chan outgoing
	done   chan struct{}
	unsubs []func()
}

type SyncerOption func(*Syncer)

func WithImpersonationHandler(h ImpersonationHandler) SyncerOption {
	return func(s *Syncer) {
		s.handler = h
	}
}

// WithConflictWindow sets how recent a remote impersonation start must be to
// displace one already running in this tab.
func WithConflictWindow(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		s.conflictWindow = d
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) SyncerOption {
	return func(s *Syncer) {
		s.nowTime = nowFunc
	}
}

func WithMetrics(m *obs.Metrics) SyncerOption {
	return func(s *Syncer) {
		s.metrics = m
	}
}

func NewSyncer(store *authstate.Store, channel *Channel, options ...SyncerOption) (*Syncer, error) {
	if store == nil {
		return nil, errors.New("[NewSyncer] store is required")
	}
	if channel == nil {
		return nil, errors.New("[NewSyncer] channel is required")
	}
	s := &Syncer{
		store:          store,
		channel:        channel,
		conflictWindow: defaultConflictWindow,
		nowTime:        time.Now,
		logger:         obs.Component("tabsync").With().Str("tab_id", channel.TabID()).Logger(),
		outbox:         make(chan outgoing, outboxSize),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.unsubs = append(s.unsubs,
		channel.Subscribe(EventTeamChanged, s.onTeamChanged),
		channel.Subscribe(EventRoleChanged, s.onRoleChanged),
		channel.Subscribe(EventImpersonationStarted, s.onImpersonationStarted),
		channel.Subscribe(EventImpersonationStopped, s.onImpersonationStopped),
		channel.Subscribe(EventSessionRecovery, s.onSessionRecovery),
		store.Subscribe(s.onStoreChange),
	)
	go s.publishLoop()
	return s, nil
}

// TriggerSessionRecovery pushes this tab's full state to every other tab.
func (s *Syncer) TriggerSessionRecovery(ctx context.Context) error {
	return s.channel.Publish(ctx, EventSessionRecovery, SnapshotOf(s.store.Snapshot()))
}

// Close stops listening and flushes queued broadcasts.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, unsub := range s.unsubs {
		unsub()
	}
	close(s.outbox)
	s.mu.Unlock()
	<-s.done
}

func (s *Syncer) onStoreChange(c authstate.Change) {
	if c.Origin == authstate.OriginRemote {
		return
	}
	prev, next := c.Prev, c.Next
	switch {
	case impersonationStarted(prev, next):
		s.enqueue(EventImpersonationStarted, next)
		return
	case prev.Impersonation != nil && next.Impersonation == nil:
		s.enqueue(EventImpersonationStopped, next)
		return
	}
	// Resolutions are re-read by every tab on its own.
	if next.User == nil || prev.Loading || prev.UserID() != next.UserID() {
		return
	}
	if teamChanged(prev.Team, next.Team) {
		s.enqueue(EventTeamChanged, next)
	}
	if prev.Role != next.Role {
		s.enqueue(EventRoleChanged, next)
	}
}

func (s *Syncer) enqueue(event Event, st authstate.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.outbox <- outgoing{event: event, snap: SnapshotOf(st)}
}

func (s *Syncer) publishLoop() {
	defer close(s.done)
	for out := range s.outbox {
		if err := s.channel.Publish(context.Background(), out.event, out.snap); err != nil {
			s.logger.Warn().Err(err).Str("event", string(out.event)).Msg("broadcast failed")
		}
	}
}

func (s *Syncer) onTeamChanged(_ context.Context, env Envelope) {
	snap, ok := s.decode(env)
	if !ok || !s.sameUser(env, snap) {
		return
	}
	s.store.MutateFrom(authstate.OriginRemote, func(st *authstate.State) {
		st.Team = snap.Team.Clone()
	})
	s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastApplied)
}

func (s *Syncer) onRoleChanged(_ context.Context, env Envelope) {
	snap, ok := s.decode(env)
	if !ok || !s.sameUser(env, snap) {
		return
	}
	s.store.MutateFrom(authstate.OriginRemote, func(st *authstate.State) {
		st.Role = snap.Role
	})
	s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastApplied)
}

func (s *Syncer) onImpersonationStarted(ctx context.Context, env Envelope) {
	snap, ok := s.decode(env)
	if !ok {
		return
	}
	if snap.Impersonation == nil {
		s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastCorrupt)
		return
	}
	local := s.store.Snapshot()
	switch {
	case local.Impersonating():
		if local.Impersonation.SessionID == snap.Impersonation.SessionID {
			s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastIgnored)
			return
		}
		if local.Impersonation.AdminUserID != snap.Impersonation.AdminUserID {
			s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastIgnored)
			return
		}
		if s.nowTime().Sub(env.Time()) > s.conflictWindow {
			s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastConflict)
			s.logger.Info().
				Str("local_session_id", local.Impersonation.SessionID).
				Str("remote_session_id", snap.Impersonation.SessionID).
				Msg("keeping local impersonation over older remote one")
			return
		}
	case local.UserID() != snap.Impersonation.AdminUserID:
		s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastIgnored)
		return
	}

	if s.handler != nil {
		if err := s.handler.AdoptRemote(ctx, snap.State()); err != nil {
			s.logger.Err(err).Msg("could not adopt remote impersonation")
			return
		}
	} else {
		s.store.MutateFrom(authstate.OriginRemote, func(st *authstate.State) {
			st.User = snap.User.Clone()
			st.Profile = snap.Profile.Clone()
			st.Team = snap.Team.Clone()
			st.Role = snap.Role
			st.TeamMembers = nil
			st.Impersonation = snap.Impersonation.WithoutCredentials()
		})
	}
	s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastApplied)
}

func (s *Syncer) onImpersonationStopped(ctx context.Context, env Envelope) {
	snap, ok := s.decode(env)
	if !ok {
		return
	}
	if !s.store.Snapshot().Impersonating() {
		s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastIgnored)
		return
	}
	if s.handler != nil {
		if err := s.handler.ReleaseRemote(ctx, snap.State()); err != nil {
			s.logger.Err(err).Msg("could not release remote impersonation")
		}
	} else {
		s.store.MutateFrom(authstate.OriginRemote, func(st *authstate.State) {
			st.Impersonation = nil
		})
	}
	s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastApplied)
}

// onSessionRecovery overwrites the whole local view. It is a manual repair.
func (s *Syncer) onSessionRecovery(_ context.Context, env Envelope) {
	snap, ok := s.decode(env)
	if !ok {
		return
	}
	s.store.MutateFrom(authstate.OriginRemote, func(st *authstate.State) {
		st.User = snap.User.Clone()
		st.Profile = snap.Profile.Clone()
		st.Team = snap.Team.Clone()
		st.Role = snap.Role
		st.TeamMembers = nil
		st.Impersonation = snap.Impersonation.WithoutCredentials()
	})
	s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastApplied)
	s.logger.Info().Str("source_tab_id", env.SourceTabID).Msg("state recovered from another tab")
}

func (s *Syncer) decode(env Envelope) (Snapshot, bool) {
	var snap Snapshot
	if err := json.Unmarshal(env.State, &snap); err != nil {
		s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastCorrupt)
		s.logger.Warn().Err(err).Str("event", string(env.Event)).Msg("dropping envelope with malformed state")
		return Snapshot{}, false
	}
	return snap, true
}

func (s *Syncer) sameUser(env Envelope, snap Snapshot) bool {
	local := s.store.Snapshot().UserID()
	if local == "" || local != snap.userID() {
		s.metrics.BroadcastReceived(string(env.Event), obs.BroadcastIgnored)
		return false
	}
	return true
}

func impersonationStarted(prev, next authstate.State) bool {
	if next.Impersonation == nil {
		return false
	}
	return prev.Impersonation == nil || prev.Impersonation.SessionID != next.Impersonation.SessionID
}

func teamChanged(prev, next *teams.Team) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	return *prev != *next
}
