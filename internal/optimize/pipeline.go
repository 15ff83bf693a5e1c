// Package optimize implements the optimisation pipeline: the single
// entry point consumed identically by the synchronous optimisation
// endpoint and the re-routing worker. It validates input bounds, resolves
// the traffic matrix, invokes the solver, and builds the enriched route.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/geo"
	"github.com/nemt-routing/dispatch-optimizer/internal/matrix"
	"github.com/nemt-routing/dispatch-optimizer/internal/routebuild"
	"github.com/nemt-routing/dispatch-optimizer/internal/solver"
	"github.com/nemt-routing/dispatch-optimizer/pkg/apperr"
)

const (
	MinStops = 2
	MaxStops = 25
)

// Pipeline ties the matrix resolver and solver together behind a single
// Optimize call.
type Pipeline struct {
	resolver  *matrix.Resolver
	solverCfg solver.Config
	maxStops  int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSolverConfig overrides the default solver search bounds.
func WithSolverConfig(cfg solver.Config) Option {
	return func(p *Pipeline) { p.solverCfg = cfg }
}

// WithMaxStops overrides the default 25-stop request bound.
func WithMaxStops(n int) Option {
	return func(p *Pipeline) { p.maxStops = n }
}

// New builds a Pipeline around resolver.
func New(resolver *matrix.Resolver, opts ...Option) *Pipeline {
	p := &Pipeline{resolver: resolver, solverCfg: solver.DefaultConfig(), maxStops: MaxStops}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Optimize runs the full resolve-solve-build pipeline for req. When
// currentPosition is non-nil it displaces req.DriverOrigin as the route's
// starting point — used by the re-routing worker, which always optimises
// from the driver's last known GPS rather than the original shift-start
// origin. A reroute may legitimately carry a single remaining stop, so the
// two-stop request minimum applies only to the fresh-request path.
func (p *Pipeline) Optimize(ctx context.Context, req domain.OptimisationRequest, currentPosition *domain.Coordinate) (*domain.OptimisationResult, error) {
	if err := p.validate(req, currentPosition != nil); err != nil {
		return nil, err
	}

	origin := req.DriverOrigin
	if currentPosition != nil {
		origin = *currentPosition
	}

	coords := make([]domain.Coordinate, 0, len(req.Stops)+1)
	coords = append(coords, origin)
	for _, s := range req.Stops {
		coords = append(coords, s.Location)
	}

	m, err := p.resolver.Resolve(ctx, coords, req.DepartureTime)
	if err != nil {
		return nil, err
	}

	departureMinute := req.DepartureTime.UTC().Hour()*60 + req.DepartureTime.UTC().Minute()

	order, err := solver.Solve(ctx, m, req.Stops, departureMinute, p.solverCfg)
	if err != nil {
		var infeasible *solver.InfeasibleError
		if errors.As(err, &infeasible) {
			return nil, apperr.NewNoFeasibleRouteError(
				fmt.Sprintf("no feasible route: time-window infeasibility (%s)", infeasible.Reason))
		}
		return nil, apperr.NewInternalError("solver failed").WithInternal(err)
	}

	result := routebuild.Build(m, req.Stops, order, origin, departureMinute)
	result.DriverID = req.DriverID
	return &result, nil
}

func (p *Pipeline) validate(req domain.OptimisationRequest, rerouting bool) error {
	if req.DriverID == "" {
		return apperr.NewValidationError("driver_id is required")
	}
	if !req.DriverOrigin.Valid() {
		return apperr.NewValidationError("driver_location is out of range")
	}
	if req.DepartureTime.Before(time.Now().Add(-1 * time.Minute)) {
		return apperr.NewValidationError("departure_time must not be in the past")
	}
	minStops := MinStops
	if rerouting {
		minStops = 1
	}
	if len(req.Stops) < minStops || len(req.Stops) > p.maxStops {
		return apperr.NewValidationError(
			fmt.Sprintf("stops must number between %d and %d, got %d", minStops, p.maxStops, len(req.Stops)))
	}

	seen := make(map[string]struct{}, len(req.Stops))
	departureMinute := req.DepartureTime.UTC().Hour()*60 + req.DepartureTime.UTC().Minute()

	for _, s := range req.Stops {
		if err := geo.ValidateStop(s); err != nil {
			return apperr.NewValidationError(err.Error())
		}
		if _, dup := seen[s.StopID]; dup {
			return apperr.NewValidationError(fmt.Sprintf("duplicate stop_id %q", s.StopID))
		}
		seen[s.StopID] = struct{}{}

		// Open question resolution: windows are interpreted in the same
		// wall clock as departure_time. A window that, read literally,
		// has already closed before departure implies an unstated
		// midnight crossing; reject rather than guess which day it means.
		if s.EarliestPickupMin < departureMinute && s.LatestPickupMin < departureMinute {
			return apperr.NewInvalidWindowAnchorError(
				fmt.Sprintf("stop %q window %s-%s falls entirely before departure time %s; ambiguous day anchor",
					s.StopID, geo.MinutesToTimeStr(s.EarliestPickupMin), geo.MinutesToTimeStr(s.LatestPickupMin), geo.MinutesToTimeStr(departureMinute)))
		}
	}

	return nil
}
