package teamauth

import (
	"context"
	"strings"

	"github.com/jrsteele09/go-team-auth/authstate"
	"github.com/jrsteele09/go-team-auth/backend"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
)

// RefreshTeamMembers reloads the member list. On failure the stale list stays.
func (c *Client) RefreshTeamMembers(ctx context.Context) error {
	return c.store.RefreshTeamMembers(ctx)
}

// RenameTeam changes the current team's display name. Other tabs of the same
// user pick the new name up through the sync channel.
func (c *Client) RenameTeam(ctx context.Context, name string) (*teams.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Wrapf(errs.ErrInvalidRequest, "[Client.RenameTeam] name is required")
	}
	st, err := c.requireRole(users.RoleType.CanManageMembers)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.RenameTeam]")
	}
	team := *st.Team.Clone()
	team.Name = name
	updated, err := c.backend.UpdateTeam(ctx, team)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.RenameTeam]")
	}
	c.store.Mutate(func(st *authstate.State) {
		if st.TeamID() == updated.ID {
			st.Team = updated.Clone()
		}
	})
	return updated, nil
}

// UpdateMemberRole changes a team member's role. The owner and super admin
// roles are not assignable this way.
func (c *Client) UpdateMemberRole(ctx context.Context, userID string, role users.RoleType) error {
	if !role.Valid() || role == users.RoleOwner || role.IsSuperAdmin() {
		return errs.Wrapf(errs.ErrInvalidRequest, "[Client.UpdateMemberRole] role %q is not assignable", role)
	}
	st, err := c.requireRole(users.RoleType.CanManageMembers)
	if err != nil {
		return errors.Wrap(err, "[Client.UpdateMemberRole]")
	}
	teamID := st.TeamID()
	if err := c.backend.UpdateMemberRole(ctx, teamID, userID, role); err != nil {
		return errors.Wrap(err, "[Client.UpdateMemberRole]")
	}
	c.store.Mutate(func(st *authstate.State) {
		if st.TeamID() != teamID {
			return
		}
		if st.UserID() == userID {
			st.Role = role
		}
		for i := range st.TeamMembers {
			if st.TeamMembers[i].UserID == userID {
				st.TeamMembers[i].Role = role
			}
		}
	})
	return nil
}

// UpdateProfile changes the signed-in user's display attributes.
func (c *Client) UpdateProfile(ctx context.Context, fullName, avatarURL string) (*users.Profile, error) {
	st := c.store.Snapshot()
	if !st.Authenticated() {
		return nil, errs.Wrapf(errs.ErrSessionUnavailable, "[Client.UpdateProfile]")
	}
	profile := users.Profile{UserID: st.UserID(), FullName: strings.TrimSpace(fullName), AvatarURL: strings.TrimSpace(avatarURL)}
	if st.Profile != nil {
		profile.Email = st.Profile.Email
	}
	result, err := c.backend.UpdateProfile(ctx, profile)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.UpdateProfile]")
	}
	c.store.Mutate(func(st *authstate.State) {
		if st.UserID() == result.Profile.UserID {
			st.Profile = result.Profile.Clone()
		}
	})
	return result.Profile.Clone(), nil
}

// InviteMember asks the backend to invite email into the current team.
func (c *Client) InviteMember(ctx context.Context, email string, role users.RoleType) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || !role.Valid() || role == users.RoleOwner || role.IsSuperAdmin() {
		return "", errs.Wrapf(errs.ErrInvalidRequest, "[Client.InviteMember] email and an assignable role are required")
	}
	st, err := c.requireRole(users.RoleType.CanManageMembers)
	if err != nil {
		return "", errors.Wrap(err, "[Client.InviteMember]")
	}
	result, err := backend.InviteMember(ctx, c.backend, backend.InviteMemberRequest{TeamID: st.TeamID(), Email: email, Role: role})
	if err != nil {
		return "", errors.Wrap(err, "[Client.InviteMember]")
	}
	return result.InvitationID, nil
}

// TransferOwnership hands the current team to newOwnerID. The backend demotes
// the previous owner, so this user's role is re-read afterwards.
func (c *Client) TransferOwnership(ctx context.Context, newOwnerID string) error {
	st, err := c.requireRole(users.RoleType.CanTransferOwnership)
	if err != nil {
		return errors.Wrap(err, "[Client.TransferOwnership]")
	}
	if newOwnerID == "" || newOwnerID == st.UserID() {
		return errs.Wrapf(errs.ErrInvalidRequest, "[Client.TransferOwnership] a different new owner is required")
	}
	if err := backend.TransferOwnership(ctx, c.backend, backend.TransferOwnershipRequest{TeamID: st.TeamID(), NewOwnerID: newOwnerID}); err != nil {
		return errors.Wrap(err, "[Client.TransferOwnership]")
	}
	membership, err := c.backend.GetMembership(ctx, st.UserID())
	if err != nil {
		return errors.Wrap(err, "[Client.TransferOwnership] re-reading role")
	}
	c.store.Mutate(func(next *authstate.State) {
		if next.UserID() == st.UserID() {
			next.Role = membership.Role
		}
	})
	if err := c.store.RefreshTeamMembers(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("member list not refreshed after ownership transfer")
	}
	return nil
}

func (c *Client) requireRole(allowed func(users.RoleType) bool) (authstate.State, error) {
	st := c.store.Snapshot()
	if !st.Authenticated() {
		return st, errs.Wrapf(errs.ErrSessionUnavailable, "not signed in")
	}
	if st.Team == nil {
		return st, errs.Wrapf(errs.ErrNotFound, "no team")
	}
	if !allowed(st.Role) {
		return st, errs.Wrapf(errs.ErrInsufficientPermissions, "role %q", st.Role)
	}
	return st, nil
}
