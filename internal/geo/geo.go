// Package geo provides the time/coordinate primitives shared by the solver,
// route builder, and optimisation pipeline: HH:MM <-> minutes-of-day
// conversion, coordinate validation, and haversine distance estimates.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

const MinutesPerDay = 1440

// TimeStrToMinutes parses an "HH:MM" string into minutes since midnight.
func TimeStrToMinutes(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("geo: malformed time %q, want HH:MM", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("geo: malformed hour in %q: %w", s, err)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("geo: malformed minute in %q: %w", s, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("geo: time %q out of range", s)
	}
	return hh*60 + mm, nil
}

// MinutesToTimeStr formats minutes-since-midnight as "HH:MM". Values are
// taken modulo a day so a route that runs past midnight still formats.
func MinutesToTimeStr(minutes int) string {
	m := minutes % MinutesPerDay
	if m < 0 {
		m += MinutesPerDay
	}
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Haversine returns the great-circle distance between a and b in metres.
func Haversine(a, b domain.Coordinate) float64 {
	const earthRadiusM = 6371000.0
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// FormatCoordinate renders a coordinate to 6 decimal places, the precision
// the matrix cache fingerprint and navigation URL both use.
func FormatCoordinate(c domain.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// StepArrival advances the route clock to the next stop: the driver
// travels travelMinutes from the previous node, then waits for the window
// to open if early (bounded by slackMinutes). It reports the resulting
// arrival minute and whether the step is feasible: arrival must fall in
// [earliest, latest] and any wait must not exceed slackMinutes.
func StepArrival(clock, travelMinutes, earliest, latest, slackMinutes int) (arrival int, ok bool) {
	raw := clock + travelMinutes
	if raw > latest {
		return raw, false
	}
	if raw < earliest {
		wait := earliest - raw
		if wait > slackMinutes {
			return raw, false
		}
		return earliest, true
	}
	return raw, true
}

// ValidateStop checks the structural bounds on a single Stop: coordinate
// range, window ordering, and service duration bounds. It does not check
// cross-stop or day-anchor constraints; see optimize for those.
func ValidateStop(s domain.Stop) error {
	if !s.Location.Valid() {
		return fmt.Errorf("geo: stop %q has invalid coordinate", s.StopID)
	}
	if s.StopID == "" {
		return fmt.Errorf("geo: stop has empty stop_id")
	}
	if s.EarliestPickupMin >= s.LatestPickupMin {
		return fmt.Errorf("geo: stop %q window is empty or inverted (%s >= %s)",
			s.StopID, MinutesToTimeStr(s.EarliestPickupMin), MinutesToTimeStr(s.LatestPickupMin))
	}
	if s.ServiceTimeMinutes < 1 || s.ServiceTimeMinutes > 60 {
		return fmt.Errorf("geo: stop %q service time %d out of [1,60]", s.StopID, s.ServiceTimeMinutes)
	}
	return nil
}
