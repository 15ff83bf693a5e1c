package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP handlers for health checks
type Handler struct {
	checker *HealthChecker
}

// NewHandler creates a new health check handler
func NewHandler(checker *HealthChecker) *Handler {
	return &Handler{
		checker: checker,
	}
}

// HandleHealth handles GET /api/v1/health: the state_backend and maps_api
// dependency check, not merely a liveness pulse. unhealthy still responds
// 200 here; this is the status-in-body contract, and HandleReadiness is
// the endpoint that maps unhealthy onto a 503 for orchestration probes.
func (h *Handler) HandleHealth(c *gin.Context) {
	response := h.checker.CheckReadiness(c.Request.Context())
	c.JSON(http.StatusOK, response)
}

// HandleLiveness handles the Kubernetes liveness probe.
func (h *Handler) HandleLiveness(c *gin.Context) {
	response := h.checker.CheckLiveness()
	c.JSON(http.StatusOK, response)
}

// HandleReadiness handles the Kubernetes readiness probe with dependency
// checks.
func (h *Handler) HandleReadiness(c *gin.Context) {
	response := h.checker.CheckReadiness(c.Request.Context())

	// Return appropriate HTTP status based on health
	statusCode := http.StatusOK
	switch response.Status {
	case StatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	case StatusDegraded:
		statusCode = http.StatusOK // Still return 200 for degraded (service works but slower)
	}

	c.JSON(statusCode, response)
}

// HandleDetailed handles the detailed health check with all system details.
func (h *Handler) HandleDetailed(c *gin.Context) {
	response := h.checker.CheckReadiness(c.Request.Context())
	c.JSON(http.StatusOK, response)
}

// SetupHealthRoutes registers the health endpoints under the given group
// (typically the /api/v1 router group).
func SetupHealthRoutes(rg *gin.RouterGroup, handler *Handler) {
	rg.GET("/health", handler.HandleHealth)
	rg.GET("/health/live", handler.HandleLiveness)
	rg.GET("/health/ready", handler.HandleReadiness)
	rg.GET("/health/detailed", handler.HandleDetailed)
}

