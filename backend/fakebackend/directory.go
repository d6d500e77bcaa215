package fakebackend

import (
	"context"

	"github.com/jrsteele09/go-team-auth/backend"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
)

func (c *Client) GetProfile(ctx context.Context, userID string) (*backend.ProfileResult, error) {
	if err := c.server.record("GetProfile"); err != nil {
		return nil, err
	}
	if _, err := c.claims(); err != nil {
		return nil, err
	}
	account, err := c.server.users.GetByID(userID)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.GetProfile] %s", userID)
	}
	profile := account.Profile
	profile.Email = account.User.Email
	return &backend.ProfileResult{Profile: profile}, nil
}

func (c *Client) GetMembership(ctx context.Context, userID string) (*backend.MembershipResult, error) {
	if err := c.server.record("GetMembership"); err != nil {
		return nil, err
	}
	if _, err := c.claims(); err != nil {
		return nil, err
	}
	m, err := c.server.teams.MembershipForUser(userID)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.GetMembership] %s", userID)
	}
	team, err := c.server.teams.Get(m.TeamID)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.GetMembership] team %s", m.TeamID)
	}
	return &backend.MembershipResult{UserID: userID, Team: *team, Role: m.Role}, nil
}

func (c *Client) ListTeamMembers(ctx context.Context, teamID string) ([]teams.Member, error) {
	if err := c.server.record("ListTeamMembers"); err != nil {
		return nil, err
	}
	if _, err := c.claims(); err != nil {
		return nil, err
	}
	members, err := c.server.teams.Members(teamID)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.ListTeamMembers] %s", teamID)
	}
	for i := range members {
		if account, err := c.server.users.GetByID(members[i].UserID); err == nil {
			members[i].Email = account.User.Email
			members[i].FullName = account.Profile.FullName
		}
	}
	return members, nil
}

// UpdateTeam requires the caller to manage the team.
func (c *Client) UpdateTeam(ctx context.Context, team teams.Team) (*teams.Team, error) {
	if err := c.server.record("UpdateTeam"); err != nil {
		return nil, err
	}
	if err := c.requireManager(team.ID); err != nil {
		return nil, err
	}
	existing, err := c.server.teams.Get(team.ID)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.UpdateTeam] %s", team.ID)
	}
	team.CreatedAt = existing.CreatedAt
	if err := c.server.teams.Upsert(&team); err != nil {
		return nil, errors.Wrap(err, "[Client.UpdateTeam] Upsert")
	}
	return team.Clone(), nil
}

func (c *Client) UpdateMemberRole(ctx context.Context, teamID, userID string, role users.RoleType) error {
	if err := c.server.record("UpdateMemberRole"); err != nil {
		return err
	}
	if !role.Valid() || role.IsSuperAdmin() {
		return errors.Wrapf(errs.ErrInvalidRequest, "[Client.UpdateMemberRole] role %q", role)
	}
	if err := c.requireManager(teamID); err != nil {
		return err
	}
	if err := c.server.teams.SetRole(teamID, userID, role); err != nil {
		return errors.Wrapf(errs.ErrNotFound, "[Client.UpdateMemberRole] %s", userID)
	}
	return nil
}

// UpdateProfile lets a user edit only their own profile.
func (c *Client) UpdateProfile(ctx context.Context, profile users.Profile) (*backend.ProfileResult, error) {
	if err := c.server.record("UpdateProfile"); err != nil {
		return nil, err
	}
	claims, err := c.claims()
	if err != nil {
		return nil, err
	}
	if claims.Subject != profile.UserID {
		return nil, errors.Wrap(errs.ErrInsufficientPermissions, "[Client.UpdateProfile] not the profile owner")
	}
	profile.UpdatedAt = c.server.now()
	if err := c.server.users.UpdateProfile(profile); err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.UpdateProfile] %s", profile.UserID)
	}
	return &backend.ProfileResult{Profile: profile}, nil
}

func (c *Client) requireManager(teamID string) error {
	claims, err := c.claims()
	if err != nil {
		return err
	}
	m, err := c.server.roleOf(claims.Subject)
	if err != nil {
		return errors.Wrap(errs.ErrInsufficientPermissions, "[Client.requireManager] no membership")
	}
	if m.Role.IsSuperAdmin() {
		return nil
	}
	if m.TeamID != teamID || !m.Role.CanManageMembers() {
		return errors.Wrap(errs.ErrInsufficientPermissions, "[Client.requireManager]")
	}
	return nil
}
