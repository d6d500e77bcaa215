package fakebackend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jrsteele09/go-team-auth/backend"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/ids"
	"github.com/jrsteele09/go-team-auth/token"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
)

type function func(c *Client, caller *token.Claims, payload []byte) (any, error)

var functions = map[string]function{
	backend.FnCreateTeamAndOwner: createTeamAndOwner,
	backend.FnInviteMember:       inviteMember,
	backend.FnTransferOwnership:  transferOwnership,
	backend.FnStartImpersonation: startImpersonation,
	backend.FnStopImpersonation:  stopImpersonation,
}

// Invoke round-trips payload and response through JSON like a remote call would.
func (c *Client) Invoke(ctx context.Context, fn string, payload any, out any) error {
	if err := c.server.record(fn); err != nil {
		return err
	}
	handler, ok := functions[fn]
	if !ok {
		return errors.Wrapf(errs.ErrNotFound, "[Client.Invoke] function %s", fn)
	}
	caller, err := c.claims()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(errs.ErrInvalidRequest, "[Client.Invoke] %v", err)
	}
	result, err := handler(c, caller, raw)
	if err != nil {
		return err
	}
	if out == nil || result == nil {
		return nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "[Client.Invoke] encode response")
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return errors.Wrapf(errs.ErrInvalidResponse, "[Client.Invoke] %v", err)
	}
	return nil
}

func decode[T any](payload []byte) (*T, error) {
	var req T
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidRequest, "decode: %v", err)
	}
	return &req, nil
}

func createTeamAndOwner(c *Client, caller *token.Claims, payload []byte) (any, error) {
	req, err := decode[backend.CreateTeamRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.TeamName == "" {
		return nil, errors.Wrap(errs.ErrInvalidRequest, "[createTeamAndOwner] team name is required")
	}
	if _, err := c.server.roleOf(caller.Subject); err == nil {
		return nil, errors.Wrap(errs.ErrInvalidRequest, "[createTeamAndOwner] user already belongs to a team")
	}
	team, err := c.server.CreateTeam(req.TeamName)
	if err != nil {
		return nil, err
	}
	if req.FullName != "" {
		if account, err := c.server.users.GetByID(caller.Subject); err == nil {
			account.Profile.FullName = req.FullName
			_ = c.server.users.UpdateProfile(account.Profile)
		}
	}
	if err := c.server.AddMember(team.ID, caller.Subject, users.RoleOwner); err != nil {
		return nil, err
	}
	return backend.CreateTeamResult{TeamID: team.ID}, nil
}

func inviteMember(c *Client, caller *token.Claims, payload []byte) (any, error) {
	req, err := decode[backend.InviteMemberRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Email == "" || !req.Role.Valid() || req.Role.IsSuperAdmin() {
		return nil, errors.Wrap(errs.ErrInvalidRequest, "[inviteMember] email and a team role are required")
	}
	if err := c.requireManager(req.TeamID); err != nil {
		return nil, err
	}
	id := ids.New()
	c.server.mu.Lock()
	c.server.invitations[id] = backendInvitation{TeamID: req.TeamID, Email: req.Email, Role: req.Role, InvitedBy: caller.Subject}
	c.server.mu.Unlock()
	return backend.InviteMemberResult{InvitationID: id}, nil
}

func transferOwnership(c *Client, caller *token.Claims, payload []byte) (any, error) {
	req, err := decode[backend.TransferOwnershipRequest](payload)
	if err != nil {
		return nil, err
	}
	owner, err := c.server.roleOf(caller.Subject)
	if err != nil || owner.TeamID != req.TeamID || owner.Role != users.RoleOwner {
		return nil, errors.Wrap(errs.ErrInsufficientPermissions, "[transferOwnership] caller is not the owner")
	}
	next, err := c.server.roleOf(req.NewOwnerID)
	if err != nil || next.TeamID != req.TeamID {
		return nil, errors.Wrap(errs.ErrInvalidRequest, "[transferOwnership] new owner is not a member")
	}
	if err := c.server.teams.SetRole(req.TeamID, req.NewOwnerID, users.RoleOwner); err != nil {
		return nil, err
	}
	if err := c.server.teams.SetRole(req.TeamID, caller.Subject, users.RoleAdmin); err != nil {
		return nil, err
	}
	return nil, nil
}

func startImpersonation(c *Client, caller *token.Claims, payload []byte) (any, error) {
	req, err := decode[backend.StartImpersonationRequest](payload)
	if err != nil {
		return nil, err
	}
	if caller.ImpersonatedBy != "" {
		return nil, errors.Wrap(errs.ErrImpersonationConflict, "[startImpersonation] caller is impersonating")
	}
	admin, err := c.server.roleOf(caller.Subject)
	if err != nil || !admin.Role.IsSuperAdmin() {
		return nil, errors.Wrap(errs.ErrInsufficientPermissions, "[startImpersonation]")
	}
	target, err := c.server.roleOf(req.TargetUserID)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "[startImpersonation] target %s", req.TargetUserID)
	}
	if target.Role.IsSuperAdmin() {
		return nil, errors.Wrap(errs.ErrInsufficientPermissions, "[startImpersonation] target is a super admin")
	}

	ttl := c.server.impersonationTTL
	if requested := time.Duration(req.DurationSeconds) * time.Second; requested > 0 && requested < ttl {
		ttl = requested
	}
	rec := c.server.newAuditRecord(caller.Subject, req.TargetUserID, req.Reason, ttl)

	if err := c.server.fault(FaultMintImpersonation); err != nil {
		expireAuditRecord(c.server, rec.ID)
		return nil, errors.Wrap(err, "[startImpersonation] mint")
	}
	session, err := c.server.issue(req.TargetUserID, caller.Subject, rec.ID, ttl)
	if err != nil {
		expireAuditRecord(c.server, rec.ID)
		return nil, errors.Wrap(err, "[startImpersonation] mint")
	}
	return backend.ImpersonationStartResult{
		SessionID:    rec.ID,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

// expireAuditRecord leaves an orphaned record closed rather than deleting it.
func expireAuditRecord(s *Server, id string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.audit[id]; ok {
		rec.ExpiresAt = now
		rec.EndedAt = &now
	}
}

func stopImpersonation(c *Client, caller *token.Claims, payload []byte) (any, error) {
	req, err := decode[backend.StopImpersonationRequest](payload)
	if err != nil {
		return nil, err
	}
	now := c.server.now()
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	rec, ok := c.server.audit[req.SessionID]
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotFound, "[stopImpersonation] session %s", req.SessionID)
	}
	if caller.Subject != rec.AdminID && caller.ImpersonatedBy != rec.AdminID {
		return nil, errors.Wrap(errs.ErrInsufficientPermissions, "[stopImpersonation]")
	}
	if rec.EndedAt == nil {
		rec.EndedAt = &now
	}
	c.server.revoked.RevokeSession(rec.ID, rec.ExpiresAt)
	return backend.ImpersonationStopResult{SessionID: rec.ID, EndedAt: *rec.EndedAt}, nil
}

