package backend

import (
	"time"

	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
)

// SessionResult is a validated session returned by sign-in, sign-up or SetSession.
type SessionResult struct {
	Session *sessions.Session
}

func (r *SessionResult) Validate() error {
	if r == nil || r.Session == nil {
		return errs.Wrapf(errs.ErrInvalidResponse, "session result: missing session")
	}
	if !r.Session.Tokens().Valid() {
		return errs.Wrapf(errs.ErrInvalidResponse, "session result: missing tokens")
	}
	if r.Session.User.ID == "" {
		return errs.Wrapf(errs.ErrInvalidResponse, "session result: missing user id")
	}
	return nil
}

// ProfileResult is a validated row of the profiles table.
type ProfileResult struct {
	Profile users.Profile
}

func (r *ProfileResult) Validate() error {
	if r == nil || r.Profile.UserID == "" {
		return errs.Wrapf(errs.ErrInvalidResponse, "profile result: missing user id")
	}
	return nil
}

// MembershipResult is a user's team and role, joined from team_members and teams.
type MembershipResult struct {
	UserID string
	Team   teams.Team
	Role   users.RoleType
}

func (r *MembershipResult) Validate() error {
	if r == nil || r.Team.ID == "" {
		return errs.Wrapf(errs.ErrInvalidResponse, "membership result: missing team")
	}
	if !r.Role.Valid() {
		return errs.Wrapf(errs.ErrInvalidResponse, "membership result: invalid role %q", r.Role)
	}
	return nil
}

type StartImpersonationRequest struct {
	TargetUserID    string `json:"target_user_id"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// ImpersonationStartResult is the audit session id and the session minted for
// the target user.
type ImpersonationStartResult struct {
	SessionID    string    `json:"session_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r *ImpersonationStartResult) Tokens() sessions.Tokens {
	return sessions.Tokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

func (r *ImpersonationStartResult) Validate() error {
	if r == nil || r.SessionID == "" {
		return errs.Wrapf(errs.ErrInvalidResponse, "start impersonation: missing session id")
	}
	if !r.Tokens().Valid() {
		return errs.Wrapf(errs.ErrInvalidResponse, "start impersonation: missing tokens")
	}
	if r.ExpiresAt.IsZero() {
		return errs.Wrapf(errs.ErrInvalidResponse, "start impersonation: missing expiry")
	}
	return nil
}

type StopImpersonationRequest struct {
	SessionID string `json:"session_id"`
}

type ImpersonationStopResult struct {
	SessionID string    `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
}

func (r *ImpersonationStopResult) Validate() error {
	if r == nil || r.SessionID == "" {
		return errs.Wrapf(errs.ErrInvalidResponse, "stop impersonation: missing session id")
	}
	return nil
}

type CreateTeamRequest struct {
	TeamName string `json:"team_name"`
	FullName string `json:"full_name,omitempty"`
}

type CreateTeamResult struct {
	TeamID string `json:"team_id"`
}

func (r *CreateTeamResult) Validate() error {
	if r == nil || r.TeamID == "" {
		return errs.Wrapf(errs.ErrInvalidResponse, "create team: missing team id")
	}
	return nil
}

type InviteMemberRequest struct {
	TeamID string         `json:"team_id"`
	Email  string         `json:"email"`
	Role   users.RoleType `json:"role"`
}

type InviteMemberResult struct {
	InvitationID string `json:"invitation_id"`
}

func (r *InviteMemberResult) Validate() error {
	if r == nil || r.InvitationID == "" {
		return errs.Wrapf(errs.ErrInvalidResponse, "invite member: missing invitation id")
	}
	return nil
}

type TransferOwnershipRequest struct {
	TeamID     string `json:"team_id"`
	NewOwnerID string `json:"new_owner_id"`
}
