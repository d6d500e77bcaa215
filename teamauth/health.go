package teamauth

import (
	"context"
	"time"

	"github.com/jrsteele09/go-team-auth/authstate"
	"github.com/jrsteele09/go-team-auth/token"
)

// HealthIssue names one inconsistency between the auth state and the live
// credential.
type HealthIssue string

const (
	IssueSessionUnavailable   HealthIssue = "session_unavailable"
	IssueNoSession            HealthIssue = "no_session"
	IssueSessionExpired       HealthIssue = "session_expired"
	IssueUserWithoutRole      HealthIssue = "user_without_role"
	IssueTeamWithoutRole      HealthIssue = "team_without_role"
	IssueImpersonationExpired HealthIssue = "impersonation_expired"
	IssueCredentialMismatch   HealthIssue = "credential_mismatch"
)

type HealthReport struct {
	CheckedAt time.Time
	State     authstate.State
	Issues    []HealthIssue
}

func (r HealthReport) Healthy() bool {
	return len(r.Issues) == 0
}

func (r HealthReport) Has(issue HealthIssue) bool {
	for _, i := range r.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// SessionHealth compares the auth state with the live credential.
func (c *Client) SessionHealth(ctx context.Context) HealthReport {
	now := c.nowTime()
	st := c.store.Snapshot()
	report := HealthReport{CheckedAt: now, State: st}
	add := func(issue HealthIssue) {
		report.Issues = append(report.Issues, issue)
		c.metrics.HealthIssue(string(issue))
	}

	if st.Authenticated() && !st.Loading {
		if st.Role == "" {
			add(IssueUserWithoutRole)
		}
		if st.Team != nil && st.Role == "" {
			add(IssueTeamWithoutRole)
		}
	}
	if st.Impersonation.Expired(now) {
		add(IssueImpersonationExpired)
	}

	session, err := c.accessor.Get(ctx)
	switch {
	case err != nil:
		add(IssueSessionUnavailable)
	case !st.Authenticated():
	case session == nil:
		add(IssueNoSession)
	case session.Expired(now):
		add(IssueSessionExpired)
	case !c.credentialMatches(st, session.AccessToken, session.User.ID):
		add(IssueCredentialMismatch)
	}
	return report
}

// credentialMatches accepts the live credential when it belongs to the state's
// user, or to the administrator while this tab mirrors another tab's
// impersonation. A token carrying an impersonation claim must agree with the
// state's impersonation.
func (c *Client) credentialMatches(st authstate.State, accessToken, userID string) bool {
	if userID != st.UserID() {
		return st.Impersonating() && userID == st.Impersonation.AdminUserID
	}
	claims, err := token.ParseUnverified(accessToken)
	if err != nil || claims.ImpersonatedBy == "" {
		return true
	}
	return st.Impersonating() && claims.ImpersonatedBy == st.Impersonation.AdminUserID
}

func (c *Client) runHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.GetHealthCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Client) checkHealth(ctx context.Context) {
	report := c.SessionHealth(ctx)
	if report.Healthy() {
		return
	}
	issues := make([]string, len(report.Issues))
	for i, issue := range report.Issues {
		issues[i] = string(issue)
	}
	c.logger.Warn().Strs("issues", issues).Str("user_id", report.State.UserID()).Msg("session health check failed")

	if report.Has(IssueImpersonationExpired) {
		if _, err := c.manager.CheckExpiry(ctx); err != nil {
			c.logger.Err(err).Msg("expired impersonation not stopped")
		}
	}
	if report.Has(IssueUserWithoutRole) && !report.State.Impersonating() {
		session, err := c.accessor.Fetch(ctx)
		if err != nil || session == nil {
			return
		}
		if err := c.store.Resolve(ctx, session); err != nil {
			c.logger.Err(err).Msg("re-resolution after missing role failed")
		}
	}
}
