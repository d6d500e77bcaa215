package server

import (
	"net/http"

	"github.com/jrsteele09/go-team-auth/users"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())
	s.RegisterRouteHandler("GET "+RouteMetrics, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Preflight for every API route
	s.RegisterRouteHandler("OPTIONS /api/", ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, s.CorsMiddleware))

	// Routes that only need the state to have settled
	s.RegisterRouteHandler("GET "+RouteState, ChainMiddleware(s.StateHandler(), s.APIMiddleware(s.RequireAuthState())...))
	s.RegisterRouteHandler("POST "+RouteSignIn, ChainMiddleware(s.SignInHandler(), s.APIMiddleware(s.CredentialRateLimit)...))
	s.RegisterRouteHandler("POST "+RouteSignUp, ChainMiddleware(s.SignUpHandler(), s.APIMiddleware(s.CredentialRateLimit)...))
	s.RegisterRouteHandler("GET "+RouteSessionHealth, ChainMiddleware(s.SessionHealthHandler(), s.APIMiddleware(s.RequireAuthState())...))
	s.RegisterRouteHandler("GET "+RouteTabs, ChainMiddleware(s.TabsHandler(), s.APIMiddleware()...))

	// Routes that need a signed-in user
	authed := s.APIMiddleware(s.RequireAuthState(), s.RequireAuthenticated())
	s.RegisterRouteHandler("POST "+RouteSignOut, ChainMiddleware(s.SignOutHandler(), authed...))
	s.RegisterRouteHandler("POST "+RouteSessionRecovery, ChainMiddleware(s.SessionRecoveryHandler(), authed...))
	s.RegisterRouteHandler("GET "+RouteTeamMembers, ChainMiddleware(s.TeamMembersHandler(), authed...))
	s.RegisterRouteHandler("PATCH "+RouteProfile, ChainMiddleware(s.UpdateProfileHandler(), authed...))
	s.RegisterRouteHandler("POST "+RouteImpersonation, ChainMiddleware(s.StartImpersonationHandler(), authed...))
	s.RegisterRouteHandler("DELETE "+RouteImpersonation, ChainMiddleware(s.StopImpersonationHandler(), authed...))

	// Team management, checked again by the client
	managers := s.APIMiddleware(s.RequireAuthState(), s.RequireRole(users.RoleType.CanManageMembers))
	s.RegisterRouteHandler("PATCH "+RouteTeam, ChainMiddleware(s.RenameTeamHandler(), managers...))
	s.RegisterRouteHandler("PUT "+RouteMemberRole, ChainMiddleware(s.MemberRoleHandler(), managers...))
	s.RegisterRouteHandler("POST "+RouteTeamInvitations, ChainMiddleware(s.InviteMemberHandler(), managers...))
	owners := s.APIMiddleware(s.RequireAuthState(), s.RequireRole(users.RoleType.CanTransferOwnership))
	s.RegisterRouteHandler("POST "+RouteTransferOwnership, ChainMiddleware(s.TransferOwnershipHandler(), owners...))
}
