package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "", "TestService", "1.0.0")
	require.NotNil(t, checker)
	assert.Equal(t, "TestService", checker.serviceName)
	assert.Equal(t, "1.0.0", checker.version)
}

func TestHealthChecker_Check(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "", "TestService", "1.0.0")
	response := checker.Check()

	assert.Equal(t, StatusHealthy, response.Status)
	assert.Equal(t, "TestService", response.Service)
	assert.Equal(t, "1.0.0", response.Version)
}

func TestHealthChecker_CheckLiveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "", "TestService", "1.0.0")
	assert.Equal(t, StatusHealthy, checker.CheckLiveness().Status)
}

func TestHealthChecker_GetUptime(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "", "TestService", "1.0.0")
	time.Sleep(20 * time.Millisecond)

	assert.NotEmpty(t, checker.getUptime())
	assert.GreaterOrEqual(t, checker.GetUptime(), 20*time.Millisecond)
}

func TestHealthChecker_GetSystemMetrics(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "", "TestService", "1.0.0")
	metrics := checker.getSystemMetrics()

	require.NotNil(t, metrics)
	assert.Greater(t, metrics.CPUCount, 0)
	assert.Greater(t, metrics.GoroutineCount, 0)
}

func TestHealthChecker_CheckReadiness_NoDependencies(t *testing.T) {
	// No Redis, no traffic provider key configured: must be unhealthy,
	// never silently healthy.
	checker := NewHealthChecker(nil, nil, "", "TestService", "1.0.0")
	response := checker.CheckReadiness(context.Background())

	assert.Equal(t, StatusUnhealthy, response.Status)
	assert.NotEmpty(t, response.Errors)
	assert.NotNil(t, response.System)
}

func TestHealthChecker_CheckReadiness_ProviderConfiguredRedisDown(t *testing.T) {
	// Redis unreachable (nil client reports unhealthy), provider key set:
	// must report "degraded", not "unhealthy".
	checker := NewHealthChecker(nil, nil, "maps-api-key", "TestService", "1.0.0")
	response := checker.CheckReadiness(context.Background())

	assert.Equal(t, StatusDegraded, response.Status)
	assert.Equal(t, StatusHealthy, response.MapsAPI)
}

func TestStatus_Types(t *testing.T) {
	assert.Equal(t, "healthy", string(StatusHealthy))
	assert.Equal(t, "unhealthy", string(StatusUnhealthy))
	assert.Equal(t, "degraded", string(StatusDegraded))
}

func BenchmarkHealthChecker_Check(b *testing.B) {
	checker := NewHealthChecker(nil, nil, "", "TestService", "1.0.0")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.Check()
	}
}
