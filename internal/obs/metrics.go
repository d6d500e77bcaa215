package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Broadcast outcomes recorded on the receiving side.
const (
	BroadcastApplied  = "applied"
	BroadcastStale    = "stale"
	BroadcastOwn      = "own"
	BroadcastIgnored  = "ignored"
	BroadcastConflict = "conflict"
	BroadcastCorrupt  = "corrupt"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sessionCache   *prometheus.CounterVec
	sessionFetches prometheus.Counter
	broadcastsSent *prometheus.CounterVec
	broadcastsRecv *prometheus.CounterVec
	impersonations *prometheus.CounterVec
	healthIssues   *prometheus.CounterVec
	identityEvents *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamauth_session_cache_total",
			Help: "Session accessor lookups by result.",
		}, []string{"result"}),
		sessionFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamauth_session_fetches_total",
			Help: "Session fetches sent to the identity backend.",
		}),
		broadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamauth_broadcasts_sent_total",
			Help: "Cross-tab envelopes published.",
		}, []string{"event"}),
		broadcastsRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamauth_broadcasts_received_total",
			Help: "Cross-tab envelopes received by outcome.",
		}, []string{"event", "outcome"}),
		impersonations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamauth_impersonation_transitions_total",
			Help: "Impersonation phase transitions.",
		}, []string{"phase"}),
		healthIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamauth_health_issues_total",
			Help: "Problems found by the session health check.",
		}, []string{"issue"}),
		identityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamauth_identity_events_total",
			Help: "Identity events applied to the auth state.",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionCache, m.sessionFetches, m.broadcastsSent, m.broadcastsRecv,
			m.impersonations, m.healthIssues, m.identityEvents)
	}
	return m
}

func (m *Metrics) SessionCacheHit() {
	if m != nil {
		m.sessionCache.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) SessionCacheMiss() {
	if m != nil {
		m.sessionCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) SessionFetched() {
	if m != nil {
		m.sessionFetches.Inc()
	}
}

func (m *Metrics) BroadcastSent(event string) {
	if m != nil {
		m.broadcastsSent.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) BroadcastReceived(event, outcome string) {
	if m != nil {
		m.broadcastsRecv.WithLabelValues(event, outcome).Inc()
	}
}

func (m *Metrics) ImpersonationPhase(phase string) {
	if m != nil {
		m.impersonations.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) HealthIssue(issue string) {
	if m != nil {
		m.healthIssues.WithLabelValues(issue).Inc()
	}
}

func (m *Metrics) IdentityEvent(kind, result string) {
	if m != nil {
		m.identityEvents.WithLabelValues(kind, result).Inc()
	}
}
