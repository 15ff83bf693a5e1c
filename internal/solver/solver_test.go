package solver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

// uniformMatrix builds an N×N matrix where travelling between any two
// distinct nodes costs travelSeconds.
func uniformMatrix(n int, travelSeconds int) *domain.Matrix {
	m := domain.NewMatrix(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				m.Seconds[i][j] = travelSeconds
				m.Metres[i][j] = travelSeconds * 10
			}
		}
	}
	return m
}

func TestSolve_FeasibleReordersWhenBeneficial(t *testing.T) {
	// Three stops reachable in 5 minutes between any pair; windows force
	// a specific visit order different from input order.
	m := uniformMatrix(4, 300) // 5 minutes travel
	stops := []domain.Stop{
		{StopID: "late", EarliestPickupMin: 540, LatestPickupMin: 700, ServiceTimeMinutes: 5},
		{StopID: "early", EarliestPickupMin: 480, LatestPickupMin: 490, ServiceTimeMinutes: 5},
		{StopID: "mid", EarliestPickupMin: 520, LatestPickupMin: 560, ServiceTimeMinutes: 5},
	}

	order, err := Solve(context.Background(), m, stops, 475, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, order, 3)

	// "early" (index 1) must be visited before "late" (index 0).
	posEarly, posLate := -1, -1
	for pos, idx := range order {
		if idx == 1 {
			posEarly = pos
		}
		if idx == 0 {
			posLate = pos
		}
	}
	assert.Less(t, posEarly, posLate)
}

func TestSolve_InfeasibleWindows(t *testing.T) {
	// Two stops 30 minutes apart in travel time, but both windows require
	// arrival within the same 5-minute span from a shared origin.
	m := uniformMatrix(3, 1800) // 30 minutes travel between any pair
	stops := []domain.Stop{
		{StopID: "a", EarliestPickupMin: 480, LatestPickupMin: 485, ServiceTimeMinutes: 5},
		{StopID: "b", EarliestPickupMin: 480, LatestPickupMin: 485, ServiceTimeMinutes: 5},
	}

	_, err := Solve(context.Background(), m, stops, 480, DefaultConfig())
	require.Error(t, err)
	var infeasible *InfeasibleError
	assert.ErrorAs(t, err, &infeasible)
}

func TestSolve_RouteBudgetExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RouteBudgetMinutes = 10

	m := uniformMatrix(3, 3600) // 60 minutes travel, budget only allows 10
	stops := []domain.Stop{
		{StopID: "a", EarliestPickupMin: 0, LatestPickupMin: 1439, ServiceTimeMinutes: 1},
		{StopID: "b", EarliestPickupMin: 0, LatestPickupMin: 1439, ServiceTimeMinutes: 1},
	}

	_, err := Solve(context.Background(), m, stops, 480, cfg)
	require.Error(t, err)
}

func TestSolve_RespectsWallClockBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WallClock = 50 * time.Millisecond

	m := uniformMatrix(6, 120)
	stops := make([]domain.Stop, 5)
	for i := range stops {
		stops[i] = domain.Stop{
			StopID:             string(rune('a' + i)),
			EarliestPickupMin:  400,
			LatestPickupMin:    900,
			ServiceTimeMinutes: 2,
		}
	}

	start := time.Now()
	order, err := Solve(context.Background(), m, stops, 400, cfg)
	require.NoError(t, err)
	assert.Len(t, order, 5)
	assert.Less(t, time.Since(start), 2*time.Second)
}
