package config_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-team-auth/internal/config"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := config.Default()

	require.Equal(t, ":8080", c.GetPort())
	require.Equal(t, "DEV", c.GetEnv())
	require.Equal(t, config.StorageDriverMemory, c.GetStorageDriver())
	require.Equal(t, 30*time.Second, c.GetSessionCacheTTL())
	require.Equal(t, 5*time.Second, c.GetBroadcastMaxAge())
	require.Equal(t, time.Second, c.GetConflictWindow())
	require.Equal(t, 5*time.Minute, c.GetTabStaleAfter())
	require.Equal(t, 30*time.Minute, c.GetImpersonationDuration())
	require.Equal(t, 10, c.GetMinReasonLength())
	require.Equal(t, 2*time.Second, c.GetLoadWaitTimeout())
	require.True(t, c.GetAllowedOrigins().IsAllowedOrigin("http://localhost:3000"))
}

func TestNew_ReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BACKEND_URL", "https://backend.example.com/")
	t.Setenv("STORAGE_DRIVER", "REDIS")
	t.Setenv("CONFLICT_WINDOW", "250ms")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	c, err := config.New()
	require.NoError(t, err)

	require.Equal(t, ":9090", c.GetPort())
	require.Equal(t, "https://backend.example.com", c.GetBackendURL())
	require.Equal(t, config.StorageDriverRedis, c.GetStorageDriver())
	require.Equal(t, 250*time.Millisecond, c.GetConflictWindow())
	require.True(t, c.GetAllowedOrigins().IsAllowedOrigin("https://b.example.com"))
}

func TestNew_InvalidDuration(t *testing.T) {
	t.Setenv("SESSION_CACHE_TTL", "soon")

	_, err := config.New()
	require.Error(t, err)
	require.Contains(t, err.Error(), "[config.New] env.Parse")
	require.Contains(t, err.Error(), "SESSION_CACHE_TTL")
}
