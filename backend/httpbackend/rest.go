package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-team-auth/backend"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
)

const maxErrorBody = 4 << 10

type apiKeyTransport struct {
	base http.RoundTripper
	key  string
}

func (t *apiKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("apikey", t.key)
	return t.base.RoundTrip(r)
}

func (c *Client) GetProfile(ctx context.Context, userID string) (*backend.ProfileResult, error) {
	var rows []users.Profile
	q := url.Values{"id": {"eq." + userID}, "select": {"id,email,full_name,avatar_url,updated_at"}}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/profiles", q, nil, &rows, true); err != nil {
		return nil, errors.Wrap(err, "[Client.GetProfile]")
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.GetProfile] %s", userID)
	}
	result := &backend.ProfileResult{Profile: rows[0]}
	if err := result.Validate(); err != nil {
		return nil, errors.Wrap(err, "[Client.GetProfile]")
	}
	return result, nil
}

func (c *Client) GetMembership(ctx context.Context, userID string) (*backend.MembershipResult, error) {
	var rows []struct {
		UserID string         `json:"user_id"`
		Role   users.RoleType `json:"role"`
		Team   *teams.Team    `json:"team"`
	}
	q := url.Values{"user_id": {"eq." + userID}, "select": {"user_id,role,team:teams(*)"}}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/team_members", q, nil, &rows, true); err != nil {
		return nil, errors.Wrap(err, "[Client.GetMembership]")
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.GetMembership] %s", userID)
	}
	row := rows[0]
	result := &backend.MembershipResult{UserID: row.UserID, Role: row.Role}
	if row.Team != nil {
		result.Team = *row.Team
	}
	if err := result.Validate(); err != nil {
		return nil, errors.Wrap(err, "[Client.GetMembership]")
	}
	return result, nil
}

func (c *Client) ListTeamMembers(ctx context.Context, teamID string) ([]teams.Member, error) {
	var rows []struct {
		TeamID   string         `json:"team_id"`
		UserID   string         `json:"user_id"`
		Role     users.RoleType `json:"role"`
		JoinedAt time.Time      `json:"joined_at"`
		Profile  *struct {
			Email    string `json:"email"`
			FullName string `json:"full_name"`
		} `json:"profile"`
	}
	q := url.Values{
		"team_id": {"eq." + teamID},
		"select":  {"team_id,user_id,role,joined_at,profile:profiles(email,full_name)"},
		"order":   {"joined_at.asc"},
	}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/team_members", q, nil, &rows, true); err != nil {
		return nil, errors.Wrap(err, "[Client.ListTeamMembers]")
	}
	members := make([]teams.Member, 0, len(rows))
	for _, row := range rows {
		if row.UserID == "" || !row.Role.Valid() {
			return nil, errs.Wrapf(errs.ErrInvalidResponse, "[Client.ListTeamMembers] malformed member row")
		}
		m := teams.Member{TeamID: row.TeamID, UserID: row.UserID, Role: row.Role, JoinedAt: row.JoinedAt}
		if row.Profile != nil {
			m.Email = row.Profile.Email
			m.FullName = row.Profile.FullName
		}
		members = append(members, m)
	}
	return members, nil
}

func (c *Client) UpdateTeam(ctx context.Context, team teams.Team) (*teams.Team, error) {
	patch := map[string]string{
		"name":          team.Name,
		"billing_email": team.BillingEmail,
		"address_line1": team.AddressLine1,
		"address_line2": team.AddressLine2,
		"city":          team.City,
		"postal_code":   team.PostalCode,
		"country":       team.Country,
	}
	var rows []teams.Team
	q := url.Values{"id": {"eq." + team.ID}}
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/teams", q, patch, &rows, true); err != nil {
		return nil, errors.Wrap(err, "[Client.UpdateTeam]")
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.UpdateTeam] %s", team.ID)
	}
	if rows[0].ID == "" {
		return nil, errs.Wrapf(errs.ErrInvalidResponse, "[Client.UpdateTeam] missing team id")
	}
	return &rows[0], nil
}

func (c *Client) UpdateMemberRole(ctx context.Context, teamID, userID string, role users.RoleType) error {
	var rows []json.RawMessage
	q := url.Values{"team_id": {"eq." + teamID}, "user_id": {"eq." + userID}}
	body := map[string]users.RoleType{"role": role}
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/team_members", q, body, &rows, true); err != nil {
		return errors.Wrap(err, "[Client.UpdateMemberRole]")
	}
	if len(rows) == 0 {
		return errors.Wrapf(errs.ErrNotFound, "[Client.UpdateMemberRole] %s", userID)
	}
	return nil
}

func (c *Client) UpdateProfile(ctx context.Context, profile users.Profile) (*backend.ProfileResult, error) {
	patch := map[string]string{"full_name": profile.FullName, "avatar_url": profile.AvatarURL}
	var rows []users.Profile
	q := url.Values{"id": {"eq." + profile.UserID}}
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/profiles", q, patch, &rows, true); err != nil {
		return nil, errors.Wrap(err, "[Client.UpdateProfile]")
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(errs.ErrNotFound, "[Client.UpdateProfile] %s", profile.UserID)
	}
	result := &backend.ProfileResult{Profile: rows[0]}
	if err := result.Validate(); err != nil {
		return nil, errors.Wrap(err, "[Client.UpdateProfile]")
	}
	return result, nil
}

// do sends a JSON request and decodes a JSON response into out. With authed
// set, the live access token is sent as the bearer, otherwise the anon key.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, authed bool) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s %s", method, path)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrapf(err, "build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}

	bearer := c.anonKey
	if authed {
		current := c.Current()
		if current == nil {
			return errs.Wrapf(errs.ErrSessionUnavailable, "%s %s", method, path)
		}
		bearer = current.AccessToken
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrapf(errs.ErrBackendUnreachable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp, method, path)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrapf(errs.ErrInvalidResponse, "%s %s: %v", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response, method, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(raw, &body)
	msg := firstNonEmpty(body.Message, body.Msg, body.ErrorDescription, body.Error, http.StatusText(resp.StatusCode))
	detail := fmt.Sprintf("%s %s: %d %s", method, path, resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errs.Wrapf(errs.ErrSessionUnavailable, "%s", detail)
	case resp.StatusCode == http.StatusForbidden:
		return errs.Wrapf(errs.ErrInsufficientPermissions, "%s", detail)
	case resp.StatusCode == http.StatusNotFound:
		return errs.Wrapf(errs.ErrNotFound, "%s", detail)
	case resp.StatusCode >= 500:
		return errs.Wrapf(errs.ErrBackendUnreachable, "%s", detail)
	}
	return errs.Wrapf(errs.ErrInvalidRequest, "%s", detail)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
