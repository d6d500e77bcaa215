package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jrsteele09/go-team-auth/authstate"
	errs "github.com/jrsteele09/go-team-auth/internal/errors"
	"github.com/jrsteele09/go-team-auth/internal/utils"
	"github.com/jrsteele09/go-team-auth/tabsync"
	"github.com/jrsteele09/go-team-auth/teamauth"
	"github.com/jrsteele09/go-team-auth/teams"
	"github.com/jrsteele09/go-team-auth/users"
)

const maxRequestBody = 1 << 16

// stateView is the JSON form of the auth state. The administrator's original
// credential is never included.
type stateView struct {
	User          *users.User              `json:"user"`
	Profile       *users.Profile           `json:"profile"`
	Team          *teams.Team              `json:"team"`
	Role          users.RoleType           `json:"role,omitempty"`
	TeamMembers   []teams.Member           `json:"teamMembers,omitempty"`
	Loading       bool                     `json:"loading"`
	Initialized   bool                     `json:"initialized"`
	Impersonation *authstate.Impersonation `json:"impersonation"`
}

func newStateView(st authstate.State) stateView {
	return stateView{
		User:          st.User,
		Profile:       st.Profile,
		Team:          st.Team,
		Role:          st.Role,
		TeamMembers:   st.TeamMembers,
		Loading:       st.Loading,
		Initialized:   st.Initialized,
		Impersonation: st.Impersonation.WithoutCredentials(),
	}
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, Description: description})
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errs.Is(err, teamauth.ErrAuthenticationFailed):
		status, code = http.StatusUnauthorized, "authentication_failed"
	case errs.Is(err, teamauth.ErrSessionUnavailable):
		status, code = http.StatusUnauthorized, "session_unavailable"
	case errs.Is(err, teamauth.ErrInsufficientPermissions):
		status, code = http.StatusForbidden, "insufficient_permissions"
	case errs.Is(err, teamauth.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errs.Is(err, teamauth.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errs.Is(err, teamauth.ErrInvalidReason):
		status, code = http.StatusBadRequest, "invalid_reason"
	case errs.Is(err, teamauth.ErrImpersonationConflict):
		status, code = http.StatusConflict, "impersonation_conflict"
	case errs.Is(err, teamauth.ErrNotImpersonating):
		status, code = http.StatusConflict, "not_impersonating"
	case errs.Is(err, teamauth.ErrBackendUnreachable):
		status, code = http.StatusServiceUnavailable, "backend_unreachable"
	case errs.Is(err, teamauth.ErrCorruptState):
		code = "corrupt_state"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSONError(w, status, code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"app":    s.config.GetAppName(),
			"tab_id": s.client.TabID(),
		})
	}
}

func (s *Server) StateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, _ := AuthStateFrom(r.Context())
		writeJSON(w, http.StatusOK, newStateView(st))
	}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// stateResponse carries the state together with a non-fatal consistency
// problem, such as a user that resolved without a role.
type stateResponse struct {
	State   stateView `json:"state"`
	Warning string    `json:"warning,omitempty"`
}

func (s *Server) SignInHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		st, err := s.client.SignIn(r.Context(), req.Email, req.Password)
		s.writeStateResult(w, r, st, err)
	}
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	TeamName string `json:"team_name"`
}

func (s *Server) SignUpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signUpRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		st, err := s.client.SignUpWithTeam(r.Context(), teamauth.SignUpRequest{
			Email:    req.Email,
			Password: req.Password,
			FullName: req.FullName,
			TeamName: req.TeamName,
		})
		s.writeStateResult(w, r, st, err)
	}
}

func (s *Server) writeStateResult(w http.ResponseWriter, r *http.Request, st authstate.State, err error) {
	if err != nil && !errs.Is(err, teamauth.ErrCorruptState) {
		s.writeError(w, r, err)
		return
	}
	resp := stateResponse{State: newStateView(st)}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) SignOutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.client.SignOut(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type healthView struct {
	CheckedAt time.Time              `json:"checkedAt"`
	Healthy   bool                   `json:"healthy"`
	Issues    []teamauth.HealthIssue `json:"issues"`
	Phase     string                 `json:"impersonationPhase"`
}

func (s *Server) SessionHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := s.client.SessionHealth(r.Context())
		issues := report.Issues
		if issues == nil {
			issues = []teamauth.HealthIssue{}
		}
		writeJSON(w, http.StatusOK, healthView{
			CheckedAt: report.CheckedAt,
			Healthy:   report.Healthy(),
			Issues:    issues,
			Phase:     string(s.client.ImpersonationPhase()),
		})
	}
}

func (s *Server) SessionRecoveryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.client.TriggerSessionRecovery(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type tabsView struct {
	TabID   string              `json:"tabId"`
	Primary bool                `json:"primary"`
	Tabs    []tabsync.TabRecord `json:"tabs"`
}

func (s *Server) TabsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tabs, err := s.client.GetActiveTabs(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		primary, err := s.client.IsTabPrimary(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tabsView{TabID: s.client.TabID(), Primary: primary, Tabs: tabs})
	}
}

func (s *Server) TeamMembersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("refresh") == "true" {
			if err := s.client.RefreshTeamMembers(r.Context()); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		members := s.client.State().TeamMembers
		if members == nil {
			members = []teams.Member{}
		}
		writeJSON(w, http.StatusOK, members)
	}
}

type renameTeamRequest struct {
	Name string `json:"name"`
}

func (s *Server) RenameTeamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renameTeamRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		team, err := s.client.RenameTeam(r.Context(), req.Name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, team)
	}
}

type memberRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) MemberRoleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memberRoleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		role, err := users.ParseRole(req.Role)
		if err != nil {
			s.writeError(w, r, errs.Wrapf(teamauth.ErrInvalidRequest, "%v", err))
			return
		}
		if err := s.client.UpdateMemberRole(r.Context(), r.PathValue("userID"), role); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) InviteMemberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req inviteRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		role, err := users.ParseRole(req.Role)
		if err != nil {
			s.writeError(w, r, errs.Wrapf(teamauth.ErrInvalidRequest, "%v", err))
			return
		}
		id, err := s.client.InviteMember(r.Context(), req.Email, role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"invitation_id": id})
	}
}

type transferOwnershipRequest struct {
	NewOwnerID string `json:"new_owner_id"`
}

func (s *Server) TransferOwnershipHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferOwnershipRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := s.client.TransferOwnership(r.Context(), req.NewOwnerID); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newStateView(s.client.State()))
	}
}

// updateProfileRequest leaves a field unchanged when it is omitted.
type updateProfileRequest struct {
	FullName  *string `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
}

func (s *Server) UpdateProfileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateProfileRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		current := utils.Value(s.client.State().Profile)
		profile, err := s.client.UpdateProfile(r.Context(),
			utils.ValueOr(req.FullName, current.FullName),
			utils.ValueOr(req.AvatarURL, current.AvatarURL))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

type startImpersonationRequest struct {
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason"`
}

func (s *Server) StartImpersonationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startImpersonationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		imp, err := s.client.StartImpersonation(r.Context(), req.TargetUserID, req.Reason)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, imp.WithoutCredentials())
	}
}

func (s *Server) StopImpersonationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.client.StopImpersonation(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
