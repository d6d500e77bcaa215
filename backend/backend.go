// Package backend describes the identity backend the engine consumes: session
// management, a query interface onto the team/profile tables and server-side
// functions. Implementations validate responses into the tagged result types
// in this package before returning them.
package backend

import (
	"context"

	"github.com/jrsteele09/go-team-auth/sessions"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
)

// Server-side function names.
const (
	FnCreateTeamAndOwner = "create-team-and-owner"
	FnInviteMember       = "invite-member"
	FnTransferOwnership  = "transfer-ownership"
	FnStartImpersonation = "start-impersonation"
	FnStopImpersonation  = "stop-impersonation"
)

// Identity is the credential half of the backend.
type Identity interface {
	sessions.Source

	SignInWithPassword(ctx context.Context, email, password string) (*SessionResult, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*SessionResult, error)
	SignOut(ctx context.Context) error

	// SetSession makes tokens the live credential. The refresh token is
	// exchanged, so the returned session never reuses the supplied pair.
	SetSession(ctx context.Context, tokens sessions.Tokens) (*SessionResult, error)
	UpdateUser(ctx context.Context, patch UserPatch) (*users.User, error)

	// Invoke calls a server-side function with a JSON payload and decodes the
	// JSON response into out (which may be nil).
	Invoke(ctx context.Context, fn string, payload any, out any) error
}

// Directory is the query interface onto the team, team_members and profiles tables.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (*ProfileResult, error)
	GetMembership(ctx context.Context, userID string) (*MembershipResult, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]teams.Member, error)
	UpdateTeam(ctx context.Context, team teams.Team) (*teams.Team, error)
	UpdateMemberRole(ctx context.Context, teamID, userID string, role users.RoleType) error
	UpdateProfile(ctx context.Context, profile users.Profile) (*ProfileResult, error)
}

type Backend interface {
	Identity
	Directory
}

// UserPatch holds the identity fields a user may change about themselves.
type UserPatch struct {
	Email    *string        `json:"email,omitempty"`
	Password *string        `json:"password,omitempty"`
	Metadata map[string]any `json:"data,omitempty"`
}
