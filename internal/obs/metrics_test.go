package obs_test

import (
	"testing"

	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := obs.NewMetrics(reg)

	m.SessionCacheHit()
	m.SessionCacheHit()
	m.SessionCacheMiss()
	m.SessionFetched()
	m.BroadcastSent("team_changed")
	m.BroadcastReceived("team_changed", obs.BroadcastApplied)
	m.ImpersonationPhase("active")

	count, err := testutil.GatherAndCount(reg,
		"teamauth_session_cache_total",
		"teamauth_session_fetches_total",
		"teamauth_broadcasts_sent_total",
		"teamauth_broadcasts_received_total",
		"teamauth_impersonation_transitions_total",
	)
	require.NoError(t, err)
	require.Equal(t, 6, count)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *obs.Metrics
	require.NotPanics(t, func() {
		m.SessionCacheHit()
		m.BroadcastReceived("role_changed", obs.BroadcastStale)
		m.HealthIssue("no_role")
	})
}
