package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimitMetrics holds rate limiting metrics.
type RateLimitMetrics struct {
	TotalRequests       int64                     `json:"total_requests"`
	AllowedRequests     int64                     `json:"allowed_requests"`
	BlockedRequests     int64                     `json:"blocked_requests"`
	BlockRate           float64                   `json:"block_rate"`
	AverageResponseTime time.Duration             `json:"average_response_time"`
	EndpointStats       map[string]*EndpointStats `json:"endpoint_stats"`
	DriverStats         map[string]*DriverStats   `json:"driver_stats"`
	LastUpdated         time.Time                 `json:"last_updated"`
}

// EndpointStats holds statistics for a specific endpoint.
type EndpointStats struct {
	Path                string        `json:"path"`
	Method              string        `json:"method"`
	TotalRequests       int64         `json:"total_requests"`
	AllowedRequests     int64         `json:"allowed_requests"`
	BlockedRequests     int64         `json:"blocked_requests"`
	BlockRate           float64       `json:"block_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastRequest         time.Time     `json:"last_request"`
}

// DriverStats holds statistics for a specific driver — the one identity
// dimension this service actually has, unlike the multi-tenant user/company
// split of a fleet-management backend.
type DriverStats struct {
	DriverID        string    `json:"driver_id"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	BlockRate       float64   `json:"block_rate"`
	LastRequest     time.Time `json:"last_request"`
}

// RateLimitMonitor provides monitoring and metrics for rate limiting.
type RateLimitMonitor struct {
	redis     *redis.Client
	metrics   *RateLimitMetrics
	mutex     sync.RWMutex
	startTime time.Time
}

// NewRateLimitMonitor creates a new rate limit monitor.
func NewRateLimitMonitor(redis *redis.Client) *RateLimitMonitor {
	monitor := &RateLimitMonitor{
		redis: redis,
		metrics: &RateLimitMetrics{
			EndpointStats: make(map[string]*EndpointStats),
			DriverStats:   make(map[string]*DriverStats),
		},
		startTime: time.Now(),
	}

	ctx := context.Background()
	_ = monitor.loadMetricsFromRedis(ctx)

	return monitor
}

// RecordRequest records a rate limit decision for one request. driverID is
// empty for endpoints with no driver identity (e.g. optimize-route called
// before a session exists).
func (rm *RateLimitMonitor) RecordRequest(ctx context.Context, path, method, driverID string, allowed bool, responseTime time.Duration) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	rm.metrics.TotalRequests++
	if allowed {
		rm.metrics.AllowedRequests++
	} else {
		rm.metrics.BlockedRequests++
	}

	if rm.metrics.TotalRequests > 0 {
		rm.metrics.BlockRate = float64(rm.metrics.BlockedRequests) / float64(rm.metrics.TotalRequests) * 100
	}

	if rm.metrics.TotalRequests == 1 {
		rm.metrics.AverageResponseTime = responseTime
	} else {
		rm.metrics.AverageResponseTime = (rm.metrics.AverageResponseTime*time.Duration(rm.metrics.TotalRequests-1) + responseTime) / time.Duration(rm.metrics.TotalRequests)
	}

	endpointKey := fmt.Sprintf("%s:%s", method, path)
	if stats, exists := rm.metrics.EndpointStats[endpointKey]; exists {
		stats.TotalRequests++
		if allowed {
			stats.AllowedRequests++
		} else {
			stats.BlockedRequests++
		}
		stats.BlockRate = float64(stats.BlockedRequests) / float64(stats.TotalRequests) * 100
		stats.AverageResponseTime = (stats.AverageResponseTime*time.Duration(stats.TotalRequests-1) + responseTime) / time.Duration(stats.TotalRequests)
		stats.LastRequest = time.Now()
	} else {
		rm.metrics.EndpointStats[endpointKey] = newEndpointStats(path, method, allowed, responseTime)
	}

	if driverID != "" {
		if stats, exists := rm.metrics.DriverStats[driverID]; exists {
			stats.TotalRequests++
			if allowed {
				stats.AllowedRequests++
			} else {
				stats.BlockedRequests++
			}
			stats.BlockRate = float64(stats.BlockedRequests) / float64(stats.TotalRequests) * 100
			stats.LastRequest = time.Now()
		} else {
			rm.metrics.DriverStats[driverID] = newDriverStats(driverID, allowed)
		}
	}

	rm.metrics.LastUpdated = time.Now()

	go rm.storeMetricsInRedis(ctx)
}

func newEndpointStats(path, method string, allowed bool, responseTime time.Duration) *EndpointStats {
	stats := &EndpointStats{
		Path:                path,
		Method:              method,
		TotalRequests:       1,
		AverageResponseTime: responseTime,
		LastRequest:         time.Now(),
	}
	if allowed {
		stats.AllowedRequests = 1
	} else {
		stats.BlockedRequests = 1
		stats.BlockRate = 100
	}
	return stats
}

func newDriverStats(driverID string, allowed bool) *DriverStats {
	stats := &DriverStats{DriverID: driverID, TotalRequests: 1, LastRequest: time.Now()}
	if allowed {
		stats.AllowedRequests = 1
	} else {
		stats.BlockedRequests = 1
		stats.BlockRate = 100
	}
	return stats
}

// GetMetrics returns current rate limiting metrics.
func (rm *RateLimitMonitor) GetMetrics() *RateLimitMetrics {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	metricsCopy := *rm.metrics
	metricsCopy.EndpointStats = make(map[string]*EndpointStats, len(rm.metrics.EndpointStats))
	metricsCopy.DriverStats = make(map[string]*DriverStats, len(rm.metrics.DriverStats))

	for k, v := range rm.metrics.EndpointStats {
		statsCopy := *v
		metricsCopy.EndpointStats[k] = &statsCopy
	}
	for k, v := range rm.metrics.DriverStats {
		statsCopy := *v
		metricsCopy.DriverStats[k] = &statsCopy
	}

	return &metricsCopy
}

// GetEndpointStats returns statistics for a specific endpoint.
func (rm *RateLimitMonitor) GetEndpointStats(path, method string) *EndpointStats {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	endpointKey := fmt.Sprintf("%s:%s", method, path)
	if stats, exists := rm.metrics.EndpointStats[endpointKey]; exists {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

// GetDriverStats returns statistics for a specific driver.
func (rm *RateLimitMonitor) GetDriverStats(driverID string) *DriverStats {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	if stats, exists := rm.metrics.DriverStats[driverID]; exists {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

// GetTopBlockedEndpoints returns the endpoints with the highest block rates.
func (rm *RateLimitMonitor) GetTopBlockedEndpoints(limit int) []*EndpointStats {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	endpoints := make([]*EndpointStats, 0, len(rm.metrics.EndpointStats))
	for _, stats := range rm.metrics.EndpointStats {
		endpoints = append(endpoints, stats)
	}

	for i := 0; i < len(endpoints)-1; i++ {
		for j := i + 1; j < len(endpoints); j++ {
			if endpoints[i].BlockRate < endpoints[j].BlockRate {
				endpoints[i], endpoints[j] = endpoints[j], endpoints[i]
			}
		}
	}

	if limit > 0 && limit < len(endpoints) {
		endpoints = endpoints[:limit]
	}
	return endpoints
}

// GetTopBlockedDrivers returns the drivers with the highest block rates —
// a signal that a driver's app is retrying far more than normal network
// conditions would explain.
func (rm *RateLimitMonitor) GetTopBlockedDrivers(limit int) []*DriverStats {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	drivers := make([]*DriverStats, 0, len(rm.metrics.DriverStats))
	for _, stats := range rm.metrics.DriverStats {
		drivers = append(drivers, stats)
	}

	for i := 0; i < len(drivers)-1; i++ {
		for j := i + 1; j < len(drivers); j++ {
			if drivers[i].BlockRate < drivers[j].BlockRate {
				drivers[i], drivers[j] = drivers[j], drivers[i]
			}
		}
	}

	if limit > 0 && limit < len(drivers) {
		drivers = drivers[:limit]
	}
	return drivers
}

// ResetMetrics resets all metrics.
func (rm *RateLimitMonitor) ResetMetrics() {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	rm.metrics = &RateLimitMetrics{
		EndpointStats: make(map[string]*EndpointStats),
		DriverStats:   make(map[string]*DriverStats),
	}
	rm.startTime = time.Now()
}

func (rm *RateLimitMonitor) storeMetricsInRedis(ctx context.Context) {
	metrics := rm.GetMetrics()
	data, err := json.Marshal(metrics)
	if err != nil {
		return
	}
	rm.redis.Set(ctx, "rate_limit:metrics", data, 24*time.Hour)
}

func (rm *RateLimitMonitor) loadMetricsFromRedis(ctx context.Context) error {
	data, err := rm.redis.Get(ctx, "rate_limit:metrics").Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	var metrics RateLimitMetrics
	if err := json.Unmarshal([]byte(data), &metrics); err != nil {
		return err
	}

	rm.mutex.Lock()
	rm.metrics = &metrics
	rm.mutex.Unlock()

	return nil
}

// GetUptime returns the uptime of the rate limit monitor.
func (rm *RateLimitMonitor) GetUptime() time.Duration {
	return time.Since(rm.startTime)
}

// GetHealthStatus returns the health status of rate limiting.
func (rm *RateLimitMonitor) GetHealthStatus() map[string]interface{} {
	metrics := rm.GetMetrics()

	status := map[string]interface{}{
		"status":                 "healthy",
		"uptime":                 rm.GetUptime().String(),
		"total_requests":         metrics.TotalRequests,
		"block_rate":             metrics.BlockRate,
		"average_response_time":  metrics.AverageResponseTime.String(),
		"endpoint_count":         len(metrics.EndpointStats),
		"driver_count":           len(metrics.DriverStats),
	}

	if metrics.BlockRate > 50 {
		status["status"] = "warning"
		status["warning"] = "high block rate detected"
	}
	if metrics.AverageResponseTime > 100*time.Millisecond {
		status["status"] = "warning"
		status["warning"] = "high response time detected"
	}

	return status
}
