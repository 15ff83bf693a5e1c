package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// EndpointConfig holds rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string           `json:"path"`
	Method string           `json:"method"`
	Config *RateLimitConfig `json:"config"`
}

// RateLimitManager manages per-endpoint rate limiters, falling back to a
// default limiter for anything not explicitly configured.
type RateLimitManager struct {
	redis           *redis.Client
	defaultConfig   *RateLimitConfig
	endpointConfigs map[string]*EndpointConfig
	limiters        map[string]*RateLimiter
}

// NewRateLimitManager creates a new rate limit manager and seeds it with
// this service's two externally reachable endpoints.
func NewRateLimitManager(redis *redis.Client, defaultConfig *RateLimitConfig) *RateLimitManager {
	if defaultConfig == nil {
		defaultConfig = &RateLimitConfig{
			Strategy: FixedWindow,
			Requests: 100,
			Window:   1 * time.Minute,
		}
	}

	manager := &RateLimitManager{
		redis:           redis,
		defaultConfig:   defaultConfig,
		endpointConfigs: make(map[string]*EndpointConfig),
		limiters:        make(map[string]*RateLimiter),
	}

	manager.initializeDefaultConfigs()

	return manager
}

// initializeDefaultConfigs seeds rate limits for the optimize-route
// endpoint (strict: each call may dial the paid traffic provider and run
// the solver) and the driver WebSocket upgrade (looser, since a driver's
// app reconnects on every network drop).
func (rm *RateLimitManager) initializeDefaultConfigs() {
	rm.AddEndpointConfig(&EndpointConfig{
		Path:   "/api/v1/optimize-route",
		Method: "POST",
		Config: &RateLimitConfig{
			Strategy: TokenBucket,
			Requests: 30,
			Window:   1 * time.Minute,
			Burst:    10,
			RefillRate: 1,
		},
	})

	rm.AddEndpointConfig(&EndpointConfig{
		Path:   "/ws/driver/*",
		Method: "GET",
		Config: &RateLimitConfig{
			Strategy: FixedWindow,
			Requests: 20,
			Window:   1 * time.Minute,
		},
	})
}

// AddEndpointConfig adds a rate limiting configuration for an endpoint.
func (rm *RateLimitManager) AddEndpointConfig(config *EndpointConfig) {
	key := rm.getEndpointKey(config.Path, config.Method)
	rm.endpointConfigs[key] = config
	rm.limiters[key] = NewRateLimiter(rm.redis, config.Config)
}

func (rm *RateLimitManager) getEndpointKey(path, method string) string {
	return fmt.Sprintf("%s:%s", method, path)
}

// matchesPattern checks if a path and method match a "METHOD:pattern" key,
// where pattern may contain a single trailing "*" wildcard segment.
func (rm *RateLimitManager) matchesPattern(path, method, pattern string) bool {
	parts := strings.SplitN(pattern, ":", 2)
	if len(parts) != 2 {
		return false
	}

	patternMethod := parts[0]
	patternPath := parts[1]

	if patternMethod != method && patternMethod != "*" {
		return false
	}

	if strings.HasSuffix(patternPath, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(patternPath, "*"))
	}

	return path == patternPath
}

func (rm *RateLimitManager) getLimiterForEndpoint(path, method string) *RateLimiter {
	key := rm.getEndpointKey(path, method)
	if limiter, exists := rm.limiters[key]; exists {
		return limiter
	}

	for endpointKey, limiter := range rm.limiters {
		if rm.matchesPattern(path, method, endpointKey) {
			return limiter
		}
	}

	return NewRateLimiter(rm.redis, rm.defaultConfig)
}

// Middleware returns a Gin middleware that applies rate limiting based on
// the matched route template (c.FullPath), not the raw request path, so
// "/ws/driver/:driver_id" matches regardless of the caller's driver_id.
func (rm *RateLimitManager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		limiter := rm.getLimiterForEndpoint(path, method)
		limiter.Middleware()(c)
	}
}

// GetRateLimitInfo gets rate limit information for a specific endpoint and key.
func (rm *RateLimitManager) GetRateLimitInfo(ctx context.Context, path, method, key string) (*RateLimitInfo, error) {
	limiter := rm.getLimiterForEndpoint(path, method)
	return limiter.GetRateLimitInfo(ctx, key)
}

// ResetRateLimit resets rate limit for a specific endpoint and key.
func (rm *RateLimitManager) ResetRateLimit(ctx context.Context, path, method, key string) error {
	limiter := rm.getLimiterForEndpoint(path, method)
	return limiter.ResetRateLimit(ctx, key)
}

// GetEndpointConfigs returns all endpoint configurations.
func (rm *RateLimitManager) GetEndpointConfigs() map[string]*EndpointConfig {
	return rm.endpointConfigs
}

// UpdateEndpointConfig updates the configuration for an endpoint.
func (rm *RateLimitManager) UpdateEndpointConfig(path, method string, config *RateLimitConfig) {
	key := rm.getEndpointKey(path, method)
	if endpointConfig, exists := rm.endpointConfigs[key]; exists {
		endpointConfig.Config = config
		rm.limiters[key] = NewRateLimiter(rm.redis, config)
	}
}

// RemoveEndpointConfig removes rate limiting for an endpoint.
func (rm *RateLimitManager) RemoveEndpointConfig(path, method string) {
	key := rm.getEndpointKey(path, method)
	delete(rm.endpointConfigs, key)
	delete(rm.limiters, key)
}

// GetRateLimitStats returns statistics about rate limiting.
func (rm *RateLimitManager) GetRateLimitStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	info, err := rm.redis.Info(ctx, "memory").Result()
	if err != nil {
		return nil, err
	}
	stats["redis_memory"] = info
	stats["endpoint_count"] = len(rm.endpointConfigs)
	stats["limiter_count"] = len(rm.limiters)

	keys, err := rm.redis.Keys(ctx, "rate_limit:*").Result()
	if err != nil {
		return nil, err
	}
	stats["active_rate_limits"] = len(keys)

	return stats, nil
}
