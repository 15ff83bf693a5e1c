// Package solver implements the single-vehicle VRP solver: time
// windows, service times, slack, and a daily route-duration cap, solved by
// a cheapest-insertion construction heuristic followed by 2-opt local
// search within a wall-clock budget.
package solver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/geo"
)

// Config bounds the search.
type Config struct {
	SlackMinutes       int
	RouteBudgetMinutes int
	WallClock          time.Duration
}

// DefaultConfig mirrors the fixed constants from the component design:
// 30 minutes of permitted early-arrival slack, a 600-minute (10-hour)
// route-duration cap, and a 10-second wall-clock search budget.
func DefaultConfig() Config {
	return Config{SlackMinutes: 30, RouteBudgetMinutes: 600, WallClock: 10 * time.Second}
}

// InfeasibleError reports that no assignment honours every time window.
type InfeasibleError struct {
	Reason string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("solver: infeasible: %s", e.Reason)
}

// Solve returns the ordered stop indices (0-based into stops) that
// minimise total route duration from origin, honouring each stop's time
// window, service time, the permitted arrival slack, and the route-budget
// cap. matrix must be sized len(stops)+1 with index 0 as the origin.
//
// The search never runs past cfg.WallClock (or an earlier context
// deadline): a timeout that has already found a feasible solution returns
// that solution, not an error.
func Solve(ctx context.Context, m *domain.Matrix, stops []domain.Stop, departureMinute int, cfg Config) ([]int, error) {
	n := len(stops)
	if m.N != n+1 {
		return nil, fmt.Errorf("solver: matrix sized for %d nodes, want %d", m.N, n+1)
	}
	if n == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(cfg.WallClock)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	sim := &simulator{m: m, stops: stops, departureMinute: departureMinute, cfg: cfg}

	order, ok := cheapestInsertion(sim)
	if !ok {
		// Greedy insertion can paint itself into a corner on tightly
		// staggered windows; retry seeding by window deadline before
		// declaring the instance infeasible.
		order, ok = deadlineInsertion(sim)
	}
	if !ok {
		return nil, &InfeasibleError{Reason: "no assignment satisfies every stop's time window within the permitted slack"}
	}

	order = twoOptImprove(sim, order, deadline)
	return order, nil
}

// simulator replays a candidate visit order against the matrix and stop
// windows, mirroring the route builder's stepping rule exactly so the
// solver's notion of feasibility matches what the builder later produces.
type simulator struct {
	m               *domain.Matrix
	stops           []domain.Stop
	departureMinute int
	cfg             Config
}

// evaluate returns the final route clock (minutes since midnight, the
// departure time of the last stop) and whether order is entirely
// feasible: every arrival within its window (subject to slack) and the
// whole route within the budget.
func (s *simulator) evaluate(order []int) (finalClock int, ok bool) {
	clock := s.departureMinute
	prevNode := 0

	for _, idx := range order {
		node := idx + 1
		travelSec := s.m.Seconds[prevNode][node]
		if travelSec >= domain.UnreachableSentinel {
			return 0, false
		}
		travelMin := travelSec / 60

		stop := s.stops[idx]
		arrival, stepOK := geo.StepArrival(clock, travelMin, stop.EarliestPickupMin, stop.LatestPickupMin, s.cfg.SlackMinutes)
		if !stepOK {
			return 0, false
		}
		clock = arrival + stop.ServiceTimeMinutes
		prevNode = node
	}

	if clock-s.departureMinute > s.cfg.RouteBudgetMinutes {
		return 0, false
	}
	return clock, true
}

func insertAt(order []int, pos, value int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, value)
	out = append(out, order[pos:]...)
	return out
}

// cheapestInsertion builds a route by repeatedly inserting the remaining
// stop, at the position, that yields the cheapest feasible partial route
// (the "cheapest-arc constructive heuristic").
func cheapestInsertion(sim *simulator) ([]int, bool) {
	n := len(sim.stops)
	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = i
	}

	order := make([]int, 0, n)
	for len(remaining) > 0 {
		bestRemainingPos := -1
		bestInsertPos := -1
		bestClock := -1

		for ri, idx := range remaining {
			for pos := 0; pos <= len(order); pos++ {
				candidate := insertAt(order, pos, idx)
				clock, ok := sim.evaluate(candidate)
				if !ok {
					continue
				}
				if bestInsertPos == -1 || clock < bestClock {
					bestClock = clock
					bestRemainingPos = ri
					bestInsertPos = pos
				}
			}
		}

		if bestRemainingPos == -1 {
			return nil, false
		}

		order = insertAt(order, bestInsertPos, remaining[bestRemainingPos])
		remaining = append(remaining[:bestRemainingPos], remaining[bestRemainingPos+1:]...)
	}

	return order, true
}

// deadlineInsertion builds a route by inserting stops in order of their
// closing window, each at the cheapest feasible position. Urgent stops are
// placed while the route is still sparse, which succeeds on instances
// where pure cheapest insertion commits early to an order that leaves a
// tight window unplaceable.
func deadlineInsertion(sim *simulator) ([]int, bool) {
	byDeadline := make([]int, len(sim.stops))
	for i := range byDeadline {
		byDeadline[i] = i
	}
	sort.SliceStable(byDeadline, func(a, b int) bool {
		sa, sb := sim.stops[byDeadline[a]], sim.stops[byDeadline[b]]
		if sa.LatestPickupMin != sb.LatestPickupMin {
			return sa.LatestPickupMin < sb.LatestPickupMin
		}
		return sa.EarliestPickupMin < sb.EarliestPickupMin
	})

	order := make([]int, 0, len(sim.stops))
	for _, idx := range byDeadline {
		bestPos := -1
		bestClock := -1
		for pos := 0; pos <= len(order); pos++ {
			candidate := insertAt(order, pos, idx)
			clock, ok := sim.evaluate(candidate)
			if !ok {
				continue
			}
			if bestPos == -1 || clock < bestClock {
				bestPos = pos
				bestClock = clock
			}
		}
		if bestPos == -1 {
			return nil, false
		}
		order = insertAt(order, bestPos, idx)
	}
	return order, true
}

// twoOptImprove repeatedly reverses sub-segments of order when doing so
// stays feasible and shortens the route, until no improving move remains
// or the deadline passes.
func twoOptImprove(sim *simulator, order []int, deadline time.Time) []int {
	currentClock, ok := sim.evaluate(order)
	if !ok {
		return order
	}

	for {
		if time.Now().After(deadline) {
			return order
		}

		improved := false
		for i := 0; i < len(order)-1; i++ {
			for j := i + 1; j < len(order); j++ {
				if time.Now().After(deadline) {
					return order
				}

				candidate := reversedSegment(order, i, j)
				clock, ok := sim.evaluate(candidate)
				if !ok || clock >= currentClock {
					continue
				}
				order = candidate
				currentClock = clock
				improved = true
			}
		}
		if !improved {
			return order
		}
	}
}

func reversedSegment(order []int, i, j int) []int {
	out := make([]int, len(order))
	copy(out, order)
	for l, r := i, j; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}
