// Package delay implements the delay detector: a pure decision
// function over a driver's session and a freshly projected schedule that
// decides whether the session should re-optimise, and why.
package delay

import (
	"time"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/geo"
)

// Config holds the tunable thresholds, each with the default named in the
// environment configuration.
type Config struct {
	DelayThresholdMin     int     // DELAY_THRESHOLD_MIN, default 5
	TrafficIncreaseRatio  float64 // TRAFFIC_INCREASE_RATIO, default 1.20
	MinRerouteIntervalSec int     // MIN_REROUTE_INTERVAL_SEC, default 300
}

// DefaultConfig returns the documented thresholds.
func DefaultConfig() Config {
	return Config{
		DelayThresholdMin:     5,
		TrafficIncreaseRatio:  1.20,
		MinRerouteIntervalSec: 300,
	}
}

// Decision is the detector's verdict.
type Decision struct {
	Reroute bool
	Reason  domain.RerouteReason
}

// Projection carries the two derived quantities the rules compare against
// the session's stored baseline: the projected minutes of schedule slip at
// the next stop, and the total projected travel+service time remaining.
type Projection struct {
	ScheduleDelayMin     float64
	RemainingDurationMin float64
}

// Project re-simulates the remaining route from the driver's current
// position against a freshly resolved matrix. m must be sized
// len(remaining)+1 with node 0 the current position and nodes 1..n the
// remaining stops in order. nowMinute is the current instant's
// minute-of-day in the same wall clock as the stored itinerary.
//
// Schedule delay compares the projected arrival at the next stop (index 0
// of remaining) against that stop's previously recorded scheduled arrival.
// Remaining duration sums travel and service time across every remaining
// stop, regardless of window feasibility; a driver already behind
// schedule may still need to visit every stop.
func Project(m *domain.Matrix, remaining []domain.OptimisedStop, nowMinute int) Projection {
	if len(remaining) == 0 {
		return Projection{}
	}

	clock := nowMinute
	prevNode := 0
	var proj Projection

	for i, stop := range remaining {
		node := i + 1
		travelSec := m.Seconds[prevNode][node]
		travelMin := travelSec / 60
		arrival := clock + travelMin

		if i == 0 {
			scheduled, err := geo.TimeStrToMinutes(stop.Arrival)
			if err == nil {
				proj.ScheduleDelayMin = float64(arrival - scheduled)
			}
		}

		departure := arrival + stop.ServiceTimeMinutes
		proj.RemainingDurationMin += float64(departure - clock)
		clock = departure
		prevNode = node
	}

	return proj
}

// Detect applies R1-R4 to sess and a freshly computed projection. now is
// the wall-clock instant of the triggering event, used to measure elapsed
// time since sess.LastRerouteAt.
//
// R3 (stops_changed) always wins regardless of R4: dispatcher-initiated
// stop additions or cancellations must propagate even immediately after a
// reroute. The reason reported is whichever of ReasonStopAdded /
// ReasonStopCancelled the mutation recorded in StopsChangeReason;
// ReasonStopModified is only a fallback for a flag set without a reason,
// which the session store never does. Absent R3, R4 suppresses R1 and R2
// outright: a session that just republished should not immediately
// republish again on the same traffic signal.
func Detect(sess *domain.DriverSession, proj Projection, now time.Time, cfg Config) Decision {
	if sess.StopsChanged {
		reason := sess.StopsChangeReason
		if reason == "" {
			reason = domain.ReasonStopModified
		}
		return Decision{Reroute: true, Reason: reason}
	}

	if withinMinReroute(sess.LastRerouteAt, now, cfg.MinRerouteIntervalSec) {
		return Decision{}
	}

	if proj.ScheduleDelayMin > float64(cfg.DelayThresholdMin) {
		return Decision{Reroute: true, Reason: domain.ReasonTrafficDelay}
	}

	if sess.BaselineRemainingMin > 0 && proj.RemainingDurationMin > sess.BaselineRemainingMin*cfg.TrafficIncreaseRatio {
		return Decision{Reroute: true, Reason: domain.ReasonTrafficDelay}
	}

	return Decision{}
}

func withinMinReroute(last, now time.Time, minIntervalSec int) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < time.Duration(minIntervalSec)*time.Second
}
