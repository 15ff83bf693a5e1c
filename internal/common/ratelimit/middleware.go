package ratelimit

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// MonitoredRateLimitMiddleware combines endpoint rate limiting with
// monitoring, tagging recorded requests with the authenticated driver_id
// when DriverAuth has set one.
func MonitoredRateLimitMiddleware(manager *RateLimitManager, monitor *RateLimitMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		driverID := ""
		if v, exists := c.Get("auth_driver_id"); exists {
			driverID, _ = v.(string)
		}

		manager.Middleware()(c)

		responseTime := time.Since(start)
		allowed := !c.IsAborted()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		monitor.RecordRequest(c.Request.Context(), path, c.Request.Method, driverID, allowed, responseTime)
	}
}

// RateLimitMetricsHandler returns a handler for rate limit metrics.
func RateLimitMetricsHandler(monitor *RateLimitMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics := monitor.GetMetrics()
		c.JSON(200, gin.H{
			"metrics": metrics,
			"uptime":  monitor.GetUptime().String(),
		})
	}
}

// RateLimitHealthHandler returns a handler for rate limit health status.
func RateLimitHealthHandler(monitor *RateLimitMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, monitor.GetHealthStatus())
	}
}

// RateLimitStatsHandler returns a handler for rate limit statistics.
func RateLimitStatsHandler(monitor *RateLimitMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := c.DefaultQuery("limit", "10")
		limitInt := 10
		if l, err := strconv.Atoi(limit); err == nil {
			limitInt = l
		}

		c.JSON(200, gin.H{
			"top_blocked_endpoints": monitor.GetTopBlockedEndpoints(limitInt),
			"top_blocked_drivers":   monitor.GetTopBlockedDrivers(limitInt),
		})
	}
}

// RateLimitConfigHandler returns a handler for rate limit configuration management.
func RateLimitConfigHandler(manager *RateLimitManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case "GET":
			c.JSON(200, gin.H{"endpoint_configs": manager.GetEndpointConfigs()})

		case "POST":
			var config EndpointConfig
			if err := c.ShouldBindJSON(&config); err != nil {
				c.JSON(400, gin.H{"error": err.Error()})
				return
			}
			manager.AddEndpointConfig(&config)
			c.JSON(200, gin.H{"message": "configuration updated"})

		case "PUT":
			path := c.Param("path")
			method := c.Param("method")

			var config RateLimitConfig
			if err := c.ShouldBindJSON(&config); err != nil {
				c.JSON(400, gin.H{"error": err.Error()})
				return
			}
			manager.UpdateEndpointConfig(path, method, &config)
			c.JSON(200, gin.H{"message": "configuration updated"})

		case "DELETE":
			manager.RemoveEndpointConfig(c.Param("path"), c.Param("method"))
			c.JSON(200, gin.H{"message": "configuration removed"})
		}
	}
}

// RateLimitResetHandler returns a handler for resetting rate limits.
func RateLimitResetHandler(manager *RateLimitManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Query("path")
		method := c.Query("method")
		key := c.Query("key")

		if path == "" || method == "" || key == "" {
			c.JSON(400, gin.H{"error": "path, method, and key are required"})
			return
		}

		if err := manager.ResetRateLimit(c.Request.Context(), path, method, key); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"message": "rate limit reset successfully"})
	}
}
