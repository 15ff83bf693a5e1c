package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1800, cfg.MatrixTTLSeconds)
	assert.Equal(t, 10, cfg.SolverWallClockSeconds)
	assert.Equal(t, 25, cfg.MaxStopsPerRequest)
	assert.Equal(t, 5, cfg.DelayThresholdMin)
	assert.InDelta(t, 1.20, cfg.TrafficIncreaseRatio, 1e-9)
	assert.Equal(t, 300, cfg.MinRerouteIntervalSec)
	assert.Equal(t, 43200, cfg.SessionTTLSeconds)
	assert.Equal(t, 30*time.Minute, cfg.MatrixTTL())
	assert.Equal(t, 12*time.Hour, cfg.SessionTTL())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_STOPS_PER_REQUEST", "10")
	t.Setenv("TRAFFIC_INCREASE_RATIO", "1.5")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6400")

	cfg := Load()
	assert.Equal(t, 10, cfg.MaxStopsPerRequest)
	assert.InDelta(t, 1.5, cfg.TrafficIncreaseRatio, 1e-9)
	assert.Equal(t, "redis.internal:6400", cfg.RedisAddr())
}

func TestLoad_MalformedIntFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_STOPS_PER_REQUEST", "not-a-number")

	cfg := Load()
	assert.Equal(t, 25, cfg.MaxStopsPerRequest)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "GIN_MODE", "LOG_LEVEL", "REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB",
		"TRAFFIC_PROVIDER_KEY", "TRAFFIC_PROVIDER_URL", "MATRIX_TTL_SECONDS",
		"SOLVER_WALL_CLOCK_SECONDS", "MAX_STOPS_PER_REQUEST", "DELAY_THRESHOLD_MIN",
		"TRAFFIC_INCREASE_RATIO", "MIN_REROUTE_INTERVAL_SEC", "SESSION_TTL_SECONDS",
		"OPTIMIZE_WORKER_CONCURRENCY",
	} {
		orig, existed := os.LookupEnv(key)
		os.Unsetenv(key)
		if existed {
			t.Cleanup(func() { os.Setenv(key, orig) })
		}
	}
}
