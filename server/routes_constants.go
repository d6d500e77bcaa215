package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Liveness and metrics
	RouteHealth  = "/healthz"
	RouteMetrics = "/metrics"

	// Auth state
	RouteState   = "/api/state"
	RouteSignIn  = "/api/auth/sign-in"
	RouteSignOut = "/api/auth/sign-out"
	RouteSignUp  = "/api/auth/sign-up"

	// Session maintenance
	RouteSessionHealth   = "/api/session/health"
	RouteSessionRecovery = "/api/session/recovery"
	RouteTabs            = "/api/tabs"

	// Team and profile
	RouteTeam              = "/api/team"
	RouteTeamMembers       = "/api/team/members"
	RouteMemberRole        = "/api/team/members/{userID}/role"
	RouteTeamInvitations   = "/api/team/invitations"
	RouteTransferOwnership = "/api/team/owner"
	RouteProfile           = "/api/profile"

	// Impersonation
	RouteImpersonation = "/api/impersonation"
)
