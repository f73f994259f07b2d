package config

import (
	"testing"
	"time"

	"github.com/Sternrassler/swrcache/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWith_Defaults(t *testing.T) {
	cfg, err := LoadWith(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, BackendBadger, cfg.Backend)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "http://localhost:8080/api", cfg.APIBaseURL)
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.BreakerTimeout)
	assert.Equal(t, 5*time.Second, cfg.ReplayInterval)
	assert.Empty(t, cfg.UserID)
}

func TestLoadWith_Overrides(t *testing.T) {
	cfg, err := LoadWith(map[string]string{
		"SWR_BACKEND":         "redis",
		"SWR_REDIS_ADDR":      "cache:6380",
		"SWR_API_BASE_URL":    "https://api.example.com",
		"SWR_LOG_LEVEL":       "debug",
		"SWR_LOG_PRETTY":      "true",
		"SWR_BREAKER_TIMEOUT": "1m",
		"SWR_REPLAY_INTERVAL": "250ms",
		"SWR_USER_ID":         "user-42",
	})
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.Equal(t, time.Minute, cfg.BreakerTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ReplayInterval)
	assert.Equal(t, "user-42", cfg.UserID)
	assert.Equal(t, logging.Config{Level: logging.LevelDebug, Pretty: true}, cfg.Logging())
}

func TestLoadWith_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"unknown backend", map[string]string{"SWR_BACKEND": "sqlite"}},
		{"relative base url", map[string]string{"SWR_API_BASE_URL": "/api"}},
		{"bad log level", map[string]string{"SWR_LOG_LEVEL": "verbose"}},
		{"zero breaker timeout", map[string]string{"SWR_BREAKER_TIMEOUT": "0s"}},
		{"unparsable duration", map[string]string{"SWR_REPLAY_INTERVAL": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(tt.vars)
			assert.Error(t, err)
		})
	}
}
