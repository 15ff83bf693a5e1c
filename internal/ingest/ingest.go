// Package ingest implements the ingest worker: the single entry point
// for GPS and completion events, which mutates driver state, consults the
// delay detector, and triggers re-optimisation when warranted.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nemt-routing/dispatch-optimizer/internal/delay"
	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/matrix"
	"github.com/nemt-routing/dispatch-optimizer/internal/optimize"
	"github.com/nemt-routing/dispatch-optimizer/internal/session"
	"github.com/nemt-routing/dispatch-optimizer/pkg/apperr"
)

// Publisher delivers a RouteUpdated envelope on a driver's reroute topic.
// Implemented by the Redis-backed fan-out in internal/live.
type Publisher interface {
	Publish(ctx context.Context, driverID string, envelope domain.RouteUpdated) error
}

// Pool runs a CPU-bound optimisation call, keeping it off the I/O-bound
// ingest path. The default pool just runs fn inline; a bounded worker pool
// (internal/common/jobs) should be supplied in production so concurrent
// reroutes cannot starve the process of OS threads.
type Pool interface {
	Run(ctx context.Context, fn func() (*domain.OptimisationResult, error)) (*domain.OptimisationResult, error)
}

type inlinePool struct{}

func (inlinePool) Run(_ context.Context, fn func() (*domain.OptimisationResult, error)) (*domain.OptimisationResult, error) {
	return fn()
}

// Auditor records a non-identifying summary of a published optimisation
// result. Implemented by internal/common/audit.Trail; a nil Auditor
// disables the audit trail entirely.
type Auditor interface {
	Record(ctx context.Context, driverID string, result *domain.OptimisationResult, publishedAt time.Time)
}

// Event is a single GPS or completion observation for a driver.
type Event struct {
	DriverID        string
	Coordinate      domain.Coordinate
	Instant         time.Time
	CompletedStopID string
}

// Worker processes Events: update state, detect delay, reroute if needed.
type Worker struct {
	store     *session.Store
	resolver  *matrix.Resolver
	pipeline  *optimize.Pipeline
	publisher Publisher
	pool      Pool
	auditor   Auditor
	delayCfg  delay.Config
	logger    *zap.Logger
	queues    sync.Map // driver_id -> *driverQueue
}

// New builds a Worker. pool and logger default to an inline runner and a
// no-op logger when nil. auditor may be nil, disabling the audit trail.
func New(store *session.Store, resolver *matrix.Resolver, pipeline *optimize.Pipeline, publisher Publisher, delayCfg delay.Config, pool Pool, auditor Auditor, logger *zap.Logger) *Worker {
	if pool == nil {
		pool = inlinePool{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		resolver:  resolver,
		pipeline:  pipeline,
		publisher: publisher,
		pool:      pool,
		auditor:   auditor,
		delayCfg:  delayCfg,
		logger:    logger,
	}
}

// Process runs the full ingest state machine for a single event. It acquires
// the per-driver lock for its entire duration so that GPS updates,
// completions, and reroute publications can never interleave for the same
// driver.
func (w *Worker) Process(ctx context.Context, ev Event) error {
	unlock := w.store.Lock(ev.DriverID)
	defer unlock()

	sess, err := w.store.Get(ctx, ev.DriverID)
	if err == session.ErrNotFound {
		w.logger.Warn("discarding event for driver with no active session",
			zap.String("driver_id", ev.DriverID))
		return nil
	}
	if err != nil {
		return apperr.NewInternalError("failed to load driver session").WithInternal(err)
	}

	sess.LastGPS = &domain.GPSFix{Coordinate: ev.Coordinate, Instant: ev.Instant}

	if ev.CompletedStopID != "" {
		if sess.HeadStopID() != ev.CompletedStopID {
			return apperr.NewInvalidStopIDError(
				fmt.Sprintf("stop %q is not the current head of driver %q's route", ev.CompletedStopID, ev.DriverID))
		}
		sess.CompletedStopIDs = append(sess.CompletedStopIDs, ev.CompletedStopID)
		sess.RemainingRoute = sess.RemainingRoute[1:]
		if len(sess.RemainingRoute) == 0 {
			sess.Status = domain.SessionCompleted
		}
	}

	if len(sess.RemainingRoute) == 0 {
		return w.store.Save(ctx, sess)
	}

	decision, projErr := w.detect(ctx, sess, ev.Instant)
	if projErr != nil {
		w.logger.Warn("schedule projection failed, skipping delay check",
			zap.String("driver_id", ev.DriverID), zap.Error(projErr))
	} else if decision.Reroute {
		if err := w.reroute(ctx, sess, ev.Instant, decision.Reason); err != nil {
			sess.ErrorCount++
			w.logger.Error("reroute failed, retaining prior route",
				zap.String("driver_id", ev.DriverID), zap.Error(err))
		}
	}

	return w.store.Save(ctx, sess)
}

// detect re-projects the remaining route from the driver's last GPS against
// a freshly resolved matrix and applies the delay-detector rules.
func (w *Worker) detect(ctx context.Context, sess *domain.DriverSession, instant time.Time) (delay.Decision, error) {
	coords := make([]domain.Coordinate, 0, len(sess.RemainingRoute)+1)
	coords = append(coords, sess.LastGPS.Coordinate)
	for _, s := range sess.RemainingRoute {
		coords = append(coords, s.Location)
	}

	m, err := w.resolver.Resolve(ctx, coords, instant)
	if err != nil {
		return delay.Decision{}, err
	}

	nowMinute := instant.UTC().Hour()*60 + instant.UTC().Minute()
	proj := delay.Project(m, sess.RemainingRoute, nowMinute)
	return delay.Detect(sess, proj, instant, w.delayCfg), nil
}

// reroute re-optimises the remaining stops from the driver's current
// position and, on success, records and publishes the new route. A failure
// here leaves sess untouched; the caller increments the error counter.
func (w *Worker) reroute(ctx context.Context, sess *domain.DriverSession, instant time.Time, reason domain.RerouteReason) error {
	remaining := make([]domain.Stop, 0, len(sess.RemainingRoute))
	for _, s := range sess.RemainingRoute {
		remaining = append(remaining, s.Stop())
	}

	req := domain.OptimisationRequest{
		DriverID:      sess.DriverID,
		DriverOrigin:  sess.LastGPS.Coordinate,
		DepartureTime: instant,
		Stops:         remaining,
	}

	result, err := w.pool.Run(ctx, func() (*domain.OptimisationResult, error) {
		return w.pipeline.Optimize(ctx, req, &sess.LastGPS.Coordinate)
	})
	if err != nil {
		return err
	}

	sess.RemainingRoute = result.OptimisedStops
	sess.BaselineRemainingMin = result.TotalDurationMinutes
	sess.LastRerouteAt = instant
	sess.StopsChanged = false
	sess.StopsChangeReason = ""

	envelope := domain.RouteUpdated{
		Reason:               reason,
		OptimisedStops:       result.OptimisedStops,
		TotalDurationMinutes: result.TotalDurationMinutes,
		GoogleMapsURL:        result.GoogleMapsURL,
	}
	if err := w.publisher.Publish(ctx, sess.DriverID, envelope); err != nil {
		w.logger.Warn("route published to state but fan-out delivery failed",
			zap.String("driver_id", sess.DriverID), zap.Error(err))
	}

	if w.auditor != nil {
		w.auditor.Record(ctx, sess.DriverID, result, instant)
	}

	return nil
}
