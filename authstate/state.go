package authstate

import (
	"time"

	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
)

// State is the engine's view of who is signed in, as whom and with what role.
type State struct {
	User          *users.User
	Profile       *users.Profile
	Team          *teams.Team
	Role          users.RoleType // Empty when absent
	TeamMembers   []teams.Member
	Loading       bool
	Impersonation *Impersonation
	Initialized   bool
}

// TargetUser is the display snapshot of an impersonated user, taken at start time.
type TargetUser struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	FullName string         `json:"full_name,omitempty"`
	Role     users.RoleType `json:"role"`
	Team     teams.Ref      `json:"team"`
}

// Impersonation is present only while an administrator acts as another user.
type Impersonation struct {
	SessionID   string     `json:"sessionId"`
	TargetUser  TargetUser `json:"targetUser"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	AdminUserID string     `json:"adminUserId"`

	// AdminOriginalSession is the administrator's own credential captured at
	// start. It is never the target's and never leaves the origin's storage.
	AdminOriginalSession *sessions.Session `json:"adminOriginalSession,omitempty"`
}

func (i *Impersonation) Clone() *Impersonation {
	if i == nil {
		return nil
	}
	c := *i
	c.AdminOriginalSession = i.AdminOriginalSession.Clone()
	return &c
}

// Expired reports whether now is at or after ExpiresAt.
func (i *Impersonation) Expired(now time.Time) bool {
	return i != nil && !now.Before(i.ExpiresAt)
}

// WithoutCredentials returns a copy safe to broadcast.
func (i *Impersonation) WithoutCredentials() *Impersonation {
	c := i.Clone()
	if c != nil {
		c.AdminOriginalSession = nil
	}
	return c
}

func (s State) Clone() State {
	c := s
	c.User = s.User.Clone()
	c.Profile = s.Profile.Clone()
	c.Team = s.Team.Clone()
	c.TeamMembers = teams.CloneMembers(s.TeamMembers)
	c.Impersonation = s.Impersonation.Clone()
	return c
}

func (s State) Authenticated() bool {
	return s.User != nil
}

func (s State) Impersonating() bool {
	return s.Impersonation != nil
}

// UserID returns the signed-in (or impersonated) user's id, or "".
func (s State) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

func (s State) TeamID() string {
	if s.Team == nil {
		return ""
	}
	return s.Team.ID
}

// Validate reports ErrCorruptState for a fully loaded user without a role.
func (s State) Validate() error {
	if s.User != nil && s.Role == "" && s.Initialized && !s.Loading {
		return errs.Wrapf(errs.ErrCorruptState, "user %s", s.User.ID)
	}
	if s.Impersonation != nil && s.Impersonation.AdminUserID == "" {
		return errs.Wrapf(errs.ErrCorruptState, "impersonation %s has no administrator", s.Impersonation.SessionID)
	}
	return nil
}

// signedOut keeps only the lifecycle flags.
func signedOut(prev State) State {
	return State{Initialized: prev.Initialized, Loading: prev.Loading}
}
