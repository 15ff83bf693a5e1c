// Package health implements the readiness and liveness probes: the service
// is `healthy` when the state backend (Redis) is reachable and the traffic
// provider credential is configured, `degraded` when only the state
// backend is unreachable, and `unhealthy` otherwise. The probe never
// invokes the paid traffic provider itself.
package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Status represents health check status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// HealthChecker reports reachability of the state backend and traffic
// provider configuration. db is optional: when present (the audit trail
// is enabled) its reachability is surfaced as an additive dependency and
// never downgrades the top-level status below what Redis/provider imply.
type HealthChecker struct {
	redis              *redis.Client
	db                 *gorm.DB
	trafficProviderKey string
	startTime          time.Time
	version            string
	serviceName        string
	mu                 sync.RWMutex
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(redis *redis.Client, db *gorm.DB, trafficProviderKey, serviceName, version string) *HealthChecker {
	return &HealthChecker{
		redis:              redis,
		db:                 db,
		trafficProviderKey: trafficProviderKey,
		startTime:          time.Now(),
		version:            version,
		serviceName:        serviceName,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status       Status                `json:"status"`
	Timestamp    time.Time             `json:"timestamp"`
	Service      string                `json:"service"`
	Version      string                `json:"version"`
	Uptime       string                `json:"uptime"`
	StateBackend Status                `json:"state_backend"`
	MapsAPI      Status                `json:"maps_api"`
	Dependencies map[string]Dependency `json:"dependencies,omitempty"`
	System       *SystemMetrics        `json:"system,omitempty"`
	Errors       []string              `json:"errors,omitempty"`
}

// Dependency represents a dependency health check.
type Dependency struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SystemMetrics represents system health metrics.
type SystemMetrics struct {
	MemoryUsageMB  uint64 `json:"memory_usage_mb"`
	MemoryAllocMB  uint64 `json:"memory_alloc_mb"`
	GoroutineCount int    `json:"goroutine_count"`
	CPUCount       int    `json:"cpu_count"`
}

// Check performs a basic liveness check.
func (hc *HealthChecker) Check() HealthResponse {
	return HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Service:   hc.serviceName,
		Version:   hc.version,
		Uptime:    hc.getUptime(),
	}
}

// CheckReadiness performs the full dependency readiness check.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	response := HealthResponse{
		Timestamp:    time.Now().UTC(),
		Service:      hc.serviceName,
		Version:      hc.version,
		Uptime:       hc.getUptime(),
		Dependencies: make(map[string]Dependency),
		System:       hc.getSystemMetrics(),
		Errors:       []string{},
	}

	stateDep := hc.checkStateBackend(ctx)
	response.Dependencies["state_backend"] = stateDep
	response.StateBackend = stateDep.Status

	mapsDep := hc.checkMapsAPIConfig()
	response.Dependencies["maps_api"] = mapsDep
	response.MapsAPI = mapsDep.Status

	switch {
	case stateDep.Status == StatusHealthy && mapsDep.Status == StatusHealthy:
		response.Status = StatusHealthy
	case stateDep.Status != StatusHealthy && mapsDep.Status == StatusHealthy:
		response.Status = StatusDegraded
		response.Errors = append(response.Errors, fmt.Sprintf("state_backend: %s", stateDep.Error))
	default:
		response.Status = StatusUnhealthy
		if mapsDep.Status != StatusHealthy {
			response.Errors = append(response.Errors, "maps_api: traffic provider credential not configured")
		}
		if stateDep.Status != StatusHealthy {
			response.Errors = append(response.Errors, fmt.Sprintf("state_backend: %s", stateDep.Error))
		}
	}

	// The audit trail's database is optional infrastructure: surface it,
	// but never let it change the top-level status.
	if hc.db != nil {
		dbDep := hc.checkDatabase(ctx)
		response.Dependencies["audit_database"] = dbDep
	}

	return response
}

// CheckLiveness performs a minimal liveness check (process is responsive).
func (hc *HealthChecker) CheckLiveness() HealthResponse {
	return HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Service:   hc.serviceName,
		Version:   hc.version,
	}
}

func (hc *HealthChecker) checkStateBackend(ctx context.Context) Dependency {
	if hc.redis == nil {
		return Dependency{Status: StatusUnhealthy, Error: "state backend not configured"}
	}

	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.redis.Ping(checkCtx).Err(); err != nil {
		return Dependency{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     fmt.Sprintf("ping failed: %v", err),
		}
	}

	latency := time.Since(start).Milliseconds()
	status := StatusHealthy
	message := "connected"
	if latency > 500 {
		status = StatusDegraded
		message = "slow response"
	}

	return Dependency{Status: status, LatencyMs: latency, Message: message}
}

// checkMapsAPIConfig reports whether the traffic provider credential is
// configured. It never dials the provider itself; a health probe that bills
// a third party on every poll is a liability, not a safeguard.
func (hc *HealthChecker) checkMapsAPIConfig() Dependency {
	if hc.trafficProviderKey == "" {
		return Dependency{Status: StatusUnhealthy, Error: "traffic provider credential not configured"}
	}
	return Dependency{Status: StatusHealthy, Message: "credential configured"}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) Dependency {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	sqlDB, err := hc.db.DB()
	if err != nil {
		return Dependency{Status: StatusUnhealthy, LatencyMs: time.Since(start).Milliseconds(), Error: err.Error()}
	}
	if err := sqlDB.PingContext(checkCtx); err != nil {
		return Dependency{Status: StatusUnhealthy, LatencyMs: time.Since(start).Milliseconds(), Error: err.Error()}
	}
	return Dependency{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds(), Message: "connected"}
}

func (hc *HealthChecker) getSystemMetrics() *SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemMetrics{
		MemoryUsageMB:  m.Sys / 1024 / 1024,
		MemoryAllocMB:  m.Alloc / 1024 / 1024,
		GoroutineCount: runtime.NumGoroutine(),
		CPUCount:       runtime.NumCPU(),
	}
}

func (hc *HealthChecker) getUptime() string {
	duration := time.Since(hc.startTime)

	hours := int(duration.Hours())
	minutes := int(duration.Minutes()) % 60
	seconds := int(duration.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// GetUptime returns the service uptime duration.
func (hc *HealthChecker) GetUptime() time.Duration {
	return time.Since(hc.startTime)
}
