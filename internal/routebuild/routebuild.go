// Package routebuild converts a solver's stop ordering into an enriched
// itinerary: arrival/departure times, totals, a navigation URL, and the
// optimisation score relative to the caller's input order.
package routebuild

import (
	"fmt"
	"strings"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/geo"
)

// Slack is the maximum early-arrival wait. It equals the SlackMinutes of
// solver.DefaultConfig; the solver reads its own Config, so a solver
// configured with a different slack is not reflected here.
const Slack = 30

// Build walks order (0-based indices into stops) from origin at
// departureMinute, producing OptimisedStops with arrival/departure times,
// route totals, and a Google Maps navigation URL. The optimisation score
// compares the built route's total duration against the cost of visiting
// stops in their caller-supplied order through the same matrix.
func Build(m *domain.Matrix, stops []domain.Stop, order []int, origin domain.Coordinate, departureMinute int) domain.OptimisationResult {
	optimised, totalDurationSeconds, totalMetres := walk(m, stops, order, departureMinute)

	naiveOrder := make([]int, len(stops))
	for i := range naiveOrder {
		naiveOrder[i] = i
	}
	naiveSeconds, naiveFeasible := naiveDuration(m, stops, naiveOrder, departureMinute)

	score := 1.0
	if naiveFeasible && naiveSeconds > 0 {
		score = 1 - float64(totalDurationSeconds)/float64(naiveSeconds)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	coords := make([]domain.Coordinate, 0, len(optimised)+1)
	coords = append(coords, origin)
	for _, s := range optimised {
		coords = append(coords, s.Location)
	}

	return domain.OptimisationResult{
		OptimisedStops:       optimised,
		TotalDistanceKM:      float64(totalMetres) / 1000.0,
		TotalDurationMinutes: float64(totalDurationSeconds) / 60.0,
		GoogleMapsURL:        navigationURL(coords),
		OptimisationScore:    score,
	}
}

// walk returns the built stops plus the route's total duration in seconds
// (travel plus service, the same cost definition naiveDuration uses) and
// total travel distance in metres.
func walk(m *domain.Matrix, stops []domain.Stop, order []int, departureMinute int) ([]domain.OptimisedStop, int, int) {
	clockMin := departureMinute
	prevNode := 0
	totalDurationSeconds := 0
	totalMetres := 0

	out := make([]domain.OptimisedStop, 0, len(order))
	for seq, idx := range order {
		node := idx + 1
		travelSec := m.Seconds[prevNode][node]
		travelMetres := m.Metres[prevNode][node]
		travelMin := travelSec / 60

		stop := stops[idx]
		arrival, _ := geo.StepArrival(clockMin, travelMin, stop.EarliestPickupMin, stop.LatestPickupMin, Slack)
		departure := arrival + stop.ServiceTimeMinutes

		out = append(out, domain.OptimisedStop{
			StopID:             stop.StopID,
			Sequence:           seq + 1,
			Location:           stop.Location,
			ArrivalMin:         arrival,
			DepartureMin:       departure,
			EarliestPickupMin:  stop.EarliestPickupMin,
			LatestPickupMin:    stop.LatestPickupMin,
			ServiceTimeMinutes: stop.ServiceTimeMinutes,
			Arrival:            geo.MinutesToTimeStr(arrival),
			Departure:          geo.MinutesToTimeStr(departure),
		})

		totalDurationSeconds += travelSec + stop.ServiceTimeMinutes*60
		totalMetres += travelMetres
		clockMin = departure
		prevNode = node
	}

	return out, totalDurationSeconds, totalMetres
}

// naiveDuration computes the travel-plus-service cost (in seconds, ignoring
// window feasibility) of visiting stops in the given order. It is used
// only as a scalar reference for the optimisation score, per the design
// note that the naive baseline need not itself be a feasible route.
func naiveDuration(m *domain.Matrix, stops []domain.Stop, order []int, departureMinute int) (int, bool) {
	prevNode := 0
	totalSeconds := 0
	for _, idx := range order {
		node := idx + 1
		sec := m.Seconds[prevNode][node]
		if sec >= domain.UnreachableSentinel {
			return 0, false
		}
		totalSeconds += sec + stops[idx].ServiceTimeMinutes*60
		prevNode = node
	}
	return totalSeconds, true
}

// navigationURL renders a Google Maps directions URL with origin first and
// every subsequent segment as a bare "lat,lng" pair, never a stop
// identifier, per the contract that no patient-adjacent string appears in
// the URL.
func navigationURL(coords []domain.Coordinate) string {
	segments := make([]string, len(coords))
	for i, c := range coords {
		segments[i] = fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
	}
	return "https://www.google.com/maps/dir/" + strings.Join(segments, "/")
}
