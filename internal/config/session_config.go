package config

import "time"

type SessionConfig interface {
	GetSessionCacheTTL() time.Duration
}

type Session struct {
	CacheTTL time.Duration `env:"SESSION_CACHE_TTL" envDefault:"30s"`
}

var _ SessionConfig = Session{}

func (s Session) GetSessionCacheTTL() time.Duration {
	return s.CacheTTL
}

type HealthConfig interface {
	GetHealthCheckInterval() time.Duration
	GetLoadWaitTimeout() time.Duration
}

type Health struct {
	CheckInterval   time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"60s"`
	LoadWaitTimeout time.Duration `env:"LOAD_WAIT_TIMEOUT" envDefault:"2s"`
}

var _ HealthConfig = Health{}

func (h Health) GetHealthCheckInterval() time.Duration {
	return h.CheckInterval
}

// GetLoadWaitTimeout caps how long a route guard waits for the auth state to
// finish loading before continuing in degraded mode.
func (h Health) GetLoadWaitTimeout() time.Duration {
	return h.LoadWaitTimeout
}
