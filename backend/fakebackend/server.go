// Package fakebackend is an in-memory identity backend. One Server holds the
// shared users, teams and audit records; each Client is one tab's connection
// to it with its own live credential.
package fakebackend

import (
	"strings"
	"sync"
	"time"

	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/ids"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/teams"
	teamrepofakes "github.com/jrsteele09/go-team-auth/teams/repofakes"
	"github.com/jrsteele09/go-team-auth/token"
	"github.com/jrsteele09/go-team-auth/users"
	fakeuserrepo "github.com/jrsteele09/go-team-auth/users/repofake"
	"github.com/pkg/errors"
)

const (
	defaultSessionTTL       = time.Hour
	defaultImpersonationTTL = 30 * time.Minute
	signingSecret           = "fakebackend-signing-secret"
)

// Fault points that are not operation names.
const (
	FaultMintImpersonation = "start-impersonation:mint"
)

// AuditRecord is the server-side trace of one impersonation.
type AuditRecord struct {
	ID        string
	AdminID   string
	TargetID  string
	Reason    string
	StartedAt time.Time
	ExpiresAt time.Time
	EndedAt   *time.Time
}

type refreshGrant struct {
	userID         string
	impersonatedBy string
	sessionID      string
	expiresAt      time.Time
}

type Server struct {
	users   *fakeuserrepo.FakeUserRepo
	teams   *teamrepofakes.FakeTeamRepo
	minter  *token.Minter
	revoked *token.Denylist
	nowTime func() time.Time

	sessionTTL       time.Duration
	impersonationTTL time.Duration

	mu          sync.Mutex
	refresh     map[string]refreshGrant
	audit       map[string]*AuditRecord
	invitations map[string]backendInvitation
	faults      map[string]error
	calls       map[string]int
}

type backendInvitation struct {
	TeamID    string
	Email     string
	Role      users.RoleType
	InvitedBy string
}

type ServerOption func(*Server)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServerOption {
	return func(s *Server) {
		s.nowTime = nowFunc
	}
}

func WithSessionTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.sessionTTL = ttl
	}
}

// WithImpersonationTTL caps the length of impersonation sessions.
func WithImpersonationTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.impersonationTTL = ttl
	}
}

func NewServer(options ...ServerOption) *Server {
	s := &Server{
		users:            fakeuserrepo.NewFakeUserRepo(),
		teams:            teamrepofakes.NewFakeTeamRepo(),
		revoked:          token.NewDenylist(),
		nowTime:          time.Now,
		sessionTTL:       defaultSessionTTL,
		impersonationTTL: defaultImpersonationTTL,
		refresh:          make(map[string]refreshGrant),
		audit:            make(map[string]*AuditRecord),
		invitations:      make(map[string]backendInvitation),
		faults:           make(map[string]error),
		calls:            make(map[string]int),
	}
	for _, opt := range options {
		opt(s)
	}
	s.minter = token.NewMinter(
		token.SharedSecret(signingSecret),
		token.WithIssuer("fakebackend"),
		token.WithAccessTokenExpiry(s.sessionTTL),
		token.WithNowFunc(s.now),
	)
	return s
}

func (s *Server) now() time.Time {
	return s.nowTime()
}

// NewClient opens a connection with no live credential.
func (s *Server) NewClient() *Client {
	return &Client{
		server:    s,
		listeners: make(map[int]sessions.ChangeListener),
	}
}

// CreateUser seeds an account and its profile.
func (s *Server) CreateUser(email, password, fullName string) (users.User, error) {
	if _, err := s.users.GetByEmail(email); err == nil {
		return users.User{}, errors.Wrapf(errs.ErrInvalidRequest, "[Server.CreateUser] %s already registered", email)
	}
	hash, err := users.HashPassword(password)
	if err != nil {
		return users.User{}, errors.Wrap(err, "[Server.CreateUser] HashPassword")
	}
	account := &users.Account{
		User:         users.User{Email: strings.ToLower(email)},
		PasswordHash: hash,
		Profile:      users.Profile{FullName: fullName, UpdatedAt: s.now()},
	}
	if err := s.users.Upsert(account); err != nil {
		return users.User{}, errors.Wrap(err, "[Server.CreateUser] Upsert")
	}
	return *account.User.Clone(), nil
}

// CreateTeam seeds a team with no members.
func (s *Server) CreateTeam(name string) (*teams.Team, error) {
	team := &teams.Team{Name: name, CreatedAt: s.now()}
	if err := s.teams.Upsert(team); err != nil {
		return nil, errors.Wrap(err, "[Server.CreateTeam] Upsert")
	}
	return team.Clone(), nil
}

// AddMember seeds a membership. A user belongs to at most one team.
func (s *Server) AddMember(teamID, userID string, role users.RoleType) error {
	if !role.Valid() {
		return errors.Wrapf(errs.ErrInvalidRequest, "[Server.AddMember] role %q", role)
	}
	account, err := s.users.GetByID(userID)
	if err != nil {
		return errors.Wrap(errs.ErrNotFound, "[Server.AddMember] user")
	}
	return s.teams.UpsertMember(teams.Member{
		TeamID:   teamID,
		UserID:   userID,
		Role:     role,
		Email:    account.User.Email,
		FullName: account.Profile.FullName,
		JoinedAt: s.now(),
	})
}

// Fail makes every later call of op return err. A nil err clears the fault.
// op is a Client method name or a server function name.
func (s *Server) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Calls returns how many times op was called.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of calls across every operation.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *Server) Audit(id string) (AuditRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.audit[id]
	if !ok {
		return AuditRecord{}, false
	}
	return *rec, true
}

func (s *Server) AuditRecords() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, 0, len(s.audit))
	for _, rec := range s.audit {
		out = append(out, *rec)
	}
	return out
}

func (s *Server) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.faults[op]
}

func (s *Server) fault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults[op]
}

// issue mints a session for userID and registers its refresh token.
func (s *Server) issue(userID, impersonatedBy, sessionID string, ttl time.Duration) (*sessions.Session, error) {
	account, err := s.users.GetByID(userID)
	if err != nil {
		return nil, errors.Wrap(errs.ErrNotFound, "[Server.issue] user")
	}
	minted, err := s.minter.Mint(token.Subject{
		UserID:         userID,
		Email:          account.User.Email,
		ImpersonatedBy: impersonatedBy,
		SessionID:      sessionID,
		TTL:            ttl,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Server.issue] Mint")
	}

	s.mu.Lock()
	s.refresh[minted.RefreshToken] = refreshGrant{
		userID:         userID,
		impersonatedBy: impersonatedBy,
		sessionID:      sessionID,
		expiresAt:      minted.ExpiresAt,
	}
	s.mu.Unlock()

	return &sessions.Session{
		AccessToken:  minted.AccessToken,
		RefreshToken: minted.RefreshToken,
		ExpiresAt:    minted.ExpiresAt,
		User:         account.User,
	}, nil
}

// exchange rotates a refresh token into a fresh session.
func (s *Server) exchange(refreshToken string) (*sessions.Session, error) {
	s.mu.Lock()
	grant, ok := s.refresh[refreshToken]
	if ok {
		delete(s.refresh, refreshToken)
	}
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrap(errs.ErrAuthenticationFailed, "[Server.exchange] unknown refresh token")
	}
	if s.revoked.SessionRevoked(grant.sessionID) {
		return nil, errors.Wrap(errs.ErrAuthenticationFailed, "[Server.exchange] session ended")
	}

	ttl := s.sessionTTL
	if grant.impersonatedBy != "" {
		ttl = grant.expiresAt.Sub(s.now())
		if ttl <= 0 {
			return nil, errors.Wrap(errs.ErrImpersonationExpired, "[Server.exchange]")
		}
	}
	return s.issue(grant.userID, grant.impersonatedBy, grant.sessionID, ttl)
}

// caller verifies an access token and returns its claims.
func (s *Server) caller(accessToken string) (*token.Claims, error) {
	if accessToken == "" {
		return nil, errors.Wrap(errs.ErrSessionUnavailable, "[Server.caller] no access token")
	}
	claims, err := s.minter.Verify(accessToken)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrSessionUnavailable, "[Server.caller] %v", err)
	}
	if s.revoked.Rejects(claims) {
		return nil, errors.Wrap(errs.ErrSessionUnavailable, "[Server.caller] token revoked")
	}
	return claims, nil
}

// revoke invalidates an access/refresh pair.
func (s *Server) revoke(session *sessions.Session) {
	if session == nil {
		return
	}
	if claims, err := token.ParseUnverified(session.AccessToken); err == nil {
		s.revoked.RevokeToken(claims.ID, claims.ExpiresAtTime())
	}
	s.mu.Lock()
	delete(s.refresh, session.RefreshToken)
	s.mu.Unlock()
	s.revoked.Sweep(s.now())
}

func (s *Server) roleOf(userID string) (*teams.Member, error) {
	m, err := s.teams.MembershipForUser(userID)
	if err != nil {
		return nil, errors.Wrap(errs.ErrNotFound, "[Server.roleOf] membership")
	}
	return m, nil
}

func (s *Server) newAuditRecord(adminID, targetID, reason string, ttl time.Duration) *AuditRecord {
	now := s.now()
	rec := &AuditRecord{
		ID:        ids.New(),
		AdminID:   adminID,
		TargetID:  targetID,
		Reason:    reason,
		StartedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.audit[rec.ID] = rec
	s.mu.Unlock()
	return rec
}
