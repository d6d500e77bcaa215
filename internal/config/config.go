package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config interface {
	EnvConfig
	CorsConfig
	SessionConfig
	SyncConfig
	ImpersonationConfig
	HealthConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetBackendURL() string
	GetBackendAnonKey() string
	GetStorageDriver() string
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
	GetOrigin() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	Session
	Sync
	Impersonation
	Health
}

// New reads the configuration from the environment, falling back to defaults
// for anything unset.
func New() (Config, error) {
	c := mainConfig{}
	if err := env.Parse(&c); err != nil {
		return nil, errors.Wrap(err, "[config.New] env.Parse")
	}
	return c, nil
}

// Default returns the configuration with every value at its default, ignoring
// the environment.
func Default() Config {
	c := mainConfig{}
	_ = env.ParseWithOptions(&c, env.Options{Environment: map[string]string{}})
	return c
}
