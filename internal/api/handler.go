// Package api implements the synchronous HTTP surface: the optimize-route
// endpoint and the dispatcher stop add/cancel endpoints, following the
// same Handler-wraps-a-service, validate-then-delegate shape used
// throughout this codebase's domain packages.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/nemt-routing/dispatch-optimizer/internal/common/middleware"
	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/geo"
	"github.com/nemt-routing/dispatch-optimizer/internal/optimize"
	"github.com/nemt-routing/dispatch-optimizer/internal/session"
	"github.com/nemt-routing/dispatch-optimizer/pkg/apperr"
)

// Auditor records a non-identifying summary of a published optimisation
// result. Satisfied by internal/common/audit.Trail; a nil Auditor
// disables the audit trail for this endpoint.
type Auditor interface {
	Record(ctx context.Context, driverID string, result *domain.OptimisationResult, publishedAt time.Time)
}

// Handler serves the optimize-route endpoint and wires its result into
// the driver session store so a freshly optimised route is immediately
// visible to the ingest worker's delay detector.
type Handler struct {
	pipeline  *optimize.Pipeline
	store     *session.Store
	auditor   Auditor
	validator *validator.Validate
}

// NewHandler builds a Handler. auditor may be nil, disabling the audit
// trail for this endpoint.
func NewHandler(pipeline *optimize.Pipeline, store *session.Store, auditor Auditor) *Handler {
	return &Handler{
		pipeline:  pipeline,
		store:     store,
		auditor:   auditor,
		validator: validator.New(),
	}
}

// stopRequest is the wire shape of one requested stop: HH:MM windows,
// decoded into minutes-of-day before reaching the pipeline.
type stopRequest struct {
	StopID             string           `json:"stop_id" binding:"required"`
	Location           domain.Coordinate `json:"location"`
	EarliestPickup     string           `json:"earliest_pickup" binding:"required"`
	LatestPickup       string           `json:"latest_pickup" binding:"required"`
	ServiceTimeMinutes int              `json:"service_time_minutes" binding:"required,min=1,max=60"`
}

// optimizeRouteRequest is the wire shape of POST /api/v1/optimize-route.
type optimizeRouteRequest struct {
	DriverID      string            `json:"driver_id" binding:"required"`
	DriverLocation domain.Coordinate `json:"driver_location"`
	DepartureTime time.Time         `json:"departure_time" binding:"required"`
	Stops         []stopRequest     `json:"stops" binding:"required,min=2"`
}

// OptimizeRoute handles POST /api/v1/optimize-route: validates the
// request, runs the full optimisation pipeline, records the result as
// the driver's active session, and returns the enriched route.
func (h *Handler) OptimizeRoute(c *gin.Context) {
	var req optimizeRouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperr.NewValidationError(err.Error()))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		middleware.AbortWithError(c, apperr.NewValidationError(err.Error()))
		return
	}

	stops := make([]domain.Stop, 0, len(req.Stops))
	for _, s := range req.Stops {
		earliest, err := geo.TimeStrToMinutes(s.EarliestPickup)
		if err != nil {
			middleware.AbortWithError(c, apperr.NewValidationError("stop "+s.StopID+": invalid earliest_pickup: "+err.Error()))
			return
		}
		latest, err := geo.TimeStrToMinutes(s.LatestPickup)
		if err != nil {
			middleware.AbortWithError(c, apperr.NewValidationError("stop "+s.StopID+": invalid latest_pickup: "+err.Error()))
			return
		}
		stops = append(stops, domain.Stop{
			StopID:             s.StopID,
			Location:           s.Location,
			EarliestPickupMin:  earliest,
			LatestPickupMin:    latest,
			ServiceTimeMinutes: s.ServiceTimeMinutes,
		})
	}

	optReq := domain.OptimisationRequest{
		DriverID:      req.DriverID,
		DriverOrigin:  req.DriverLocation,
		DepartureTime: req.DepartureTime,
		Stops:         stops,
	}

	result, err := h.pipeline.Optimize(c.Request.Context(), optReq, nil)
	if err != nil {
		middleware.AbortWithError(c, apperr.As(err))
		return
	}

	unlock := h.store.Lock(req.DriverID)
	_, saveErr := h.store.RecordReroute(c.Request.Context(), req.DriverID, result.OptimisedStops, result.TotalDurationMinutes, req.DepartureTime)
	unlock()
	if saveErr != nil {
		middleware.AbortWithError(c, apperr.NewInternalError("optimised but failed to persist session").WithInternal(saveErr))
		return
	}

	if h.auditor != nil {
		h.auditor.Record(c.Request.Context(), req.DriverID, result, req.DepartureTime)
	}

	c.JSON(http.StatusOK, result)
}

// addStopRequest is the wire shape of POST /api/v1/drivers/:driver_id/stops:
// a dispatcher-initiated addition to an already-active session.
type addStopRequest struct {
	StopID             string            `json:"stop_id" binding:"required"`
	Location           domain.Coordinate `json:"location"`
	EarliestPickup     string            `json:"earliest_pickup" binding:"required"`
	LatestPickup       string            `json:"latest_pickup" binding:"required"`
	ServiceTimeMinutes int               `json:"service_time_minutes" binding:"required,min=1,max=60"`
}

// AddStop handles POST /api/v1/drivers/:driver_id/stops: the dispatcher
// out-of-band stop-addition path referenced by the stops-changed flag in
// the driver session. It only mutates the session's remaining route
// and marks it for reroute; the next ingest event re-optimises and
// publishes with reason "stop_added".
func (h *Handler) AddStop(c *gin.Context) {
	driverID := c.Param("driver_id")

	var req addStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperr.NewValidationError(err.Error()))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		middleware.AbortWithError(c, apperr.NewValidationError(err.Error()))
		return
	}

	earliest, err := geo.TimeStrToMinutes(req.EarliestPickup)
	if err != nil {
		middleware.AbortWithError(c, apperr.NewValidationError("invalid earliest_pickup: "+err.Error()))
		return
	}
	latest, err := geo.TimeStrToMinutes(req.LatestPickup)
	if err != nil {
		middleware.AbortWithError(c, apperr.NewValidationError("invalid latest_pickup: "+err.Error()))
		return
	}

	stop := domain.Stop{
		StopID:             req.StopID,
		Location:           req.Location,
		EarliestPickupMin:  earliest,
		LatestPickupMin:    latest,
		ServiceTimeMinutes: req.ServiceTimeMinutes,
	}

	unlock := h.store.Lock(driverID)
	sess, err := h.store.AddStop(c.Request.Context(), driverID, stop)
	unlock()
	if err == session.ErrNotFound {
		middleware.AbortWithError(c, apperr.NewDriverNotFoundError(driverID))
		return
	}
	if err != nil {
		middleware.AbortWithError(c, apperr.NewInternalError("failed to record stop addition").WithInternal(err))
		return
	}

	c.JSON(http.StatusAccepted, sess)
}

// CancelStop handles DELETE /api/v1/drivers/:driver_id/stops/:stop_id: the
// dispatcher out-of-band cancellation path. stop_id may be anywhere in the
// remaining route, not only the current head.
func (h *Handler) CancelStop(c *gin.Context) {
	driverID := c.Param("driver_id")
	stopID := c.Param("stop_id")

	unlock := h.store.Lock(driverID)
	sess, ok, err := h.store.CancelStop(c.Request.Context(), driverID, stopID)
	unlock()
	if err == session.ErrNotFound {
		middleware.AbortWithError(c, apperr.NewDriverNotFoundError(driverID))
		return
	}
	if err != nil {
		middleware.AbortWithError(c, apperr.NewInternalError("failed to record stop cancellation").WithInternal(err))
		return
	}
	if !ok {
		middleware.AbortWithError(c, apperr.NewInvalidStopIDError("stop "+stopID+" is not in driver "+driverID+"'s remaining route"))
		return
	}

	c.JSON(http.StatusOK, sess)
}
