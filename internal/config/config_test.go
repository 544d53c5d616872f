package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.StepTimeout)
	assert.Equal(t, 4, cfg.Worker.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Worker.BackoffMax)
	assert.Equal(t, 5*time.Second, cfg.Worker.BackpressureAge)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "memory", cfg.Data.Driver)
	assert.Equal(t, 30, cfg.Retention.Days)
	assert.False(t, cfg.Auth.Require)
	assert.Empty(t, cfg.Auth.APIKeys)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("STEP_TIMEOUT_MS", "1500")
	t.Setenv("STEP_MAX_ATTEMPTS", "2")
	t.Setenv("STEP_BACKOFF_BASE_MS", "100")
	t.Setenv("QUEUE_DRIVER", "redis")
	t.Setenv("DATA_DRIVER", "postgres")
	t.Setenv("REQUIRE_AUTH", "true")
	t.Setenv("API_KEYS", "k1:admin,k2")

	cfg := Load()

	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 16, cfg.Worker.Concurrency)
	require.Equal(t, 1500*time.Millisecond, cfg.Worker.StepTimeout)
	require.Equal(t, 2, cfg.Worker.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.Worker.BackoffBase)
	require.Equal(t, "redis", cfg.Queue.Driver)
	require.Equal(t, "postgres", cfg.Data.Driver)
	require.True(t, cfg.Auth.Require)
	require.Equal(t, []string{"k1:admin", "k2"}, cfg.Auth.APIKeys)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("STEP_TIMEOUT_MS", "soon")
	t.Setenv("REQUIRE_AUTH", "maybe")

	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Worker.StepTimeout)
	assert.False(t, cfg.Auth.Require)
}
