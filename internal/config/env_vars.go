package config

import (
	"fmt"
	"strings"
)

const (
	StorageDriverMemory = "memory"
	StorageDriverRedis  = "redis"
)

type EnvVars struct {
	Port           string `env:"PORT" envDefault:"8080"`
	AppName        string `env:"APP_NAME" envDefault:"Team Auth"`
	Env            string `env:"ENV" envDefault:"DEV"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	BackendURL     string `env:"BACKEND_URL"`
	BackendAnonKey string `env:"BACKEND_ANON_KEY"`
	StorageDriver  string `env:"STORAGE_DRIVER" envDefault:"memory"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	Origin         string `env:"ORIGIN" envDefault:"http://localhost:3000"`
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.Port
	if port != "" && port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	if e.Env == "" {
		return "DEV"
	}
	return e.Env
}

func (e EnvVars) GetLogLevel() string {
	return strings.ToLower(e.LogLevel)
}

// GetBackendURL returns the base URL of the identity backend (e.g., "https://project.example.com")
func (e EnvVars) GetBackendURL() string {
	return strings.TrimRight(e.BackendURL, "/")
}

func (e EnvVars) GetBackendAnonKey() string {
	return e.BackendAnonKey
}

func (e EnvVars) GetStorageDriver() string {
	return strings.ToLower(e.StorageDriver)
}

func (e EnvVars) GetRedisAddr() string {
	return e.RedisAddr
}

func (e EnvVars) GetRedisPassword() string {
	return e.RedisPassword
}

func (e EnvVars) GetRedisDB() int {
	return e.RedisDB
}

// GetOrigin returns the origin that scopes the shared storage. Every engine
// instance configured with the same origin sees the same keys.
func (e EnvVars) GetOrigin() string {
	return e.Origin
}
