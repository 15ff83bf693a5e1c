package delay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

func baseSession() *domain.DriverSession {
	return &domain.DriverSession{
		DriverID:             "drv-1",
		BaselineRemainingMin: 60,
		LastRerouteAt:        time.Time{},
		StopsChanged:         false,
	}
}

func TestDetect_R1_ScheduleDelayExceedsThreshold(t *testing.T) {
	sess := baseSession()
	proj := Projection{ScheduleDelayMin: 6, RemainingDurationMin: 60}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.True(t, d.Reroute)
	assert.Equal(t, domain.ReasonTrafficDelay, d.Reason)
}

func TestDetect_R1_WithinThresholdNoReroute(t *testing.T) {
	sess := baseSession()
	proj := Projection{ScheduleDelayMin: 5, RemainingDurationMin: 60}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.False(t, d.Reroute)
}

func TestDetect_R2_RemainingDurationExceedsRatio(t *testing.T) {
	sess := baseSession()
	sess.BaselineRemainingMin = 60
	proj := Projection{ScheduleDelayMin: 0, RemainingDurationMin: 73} // 60*1.20 = 72

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.True(t, d.Reroute)
	assert.Equal(t, domain.ReasonTrafficDelay, d.Reason)
}

func TestDetect_R2_AtRatioNoReroute(t *testing.T) {
	sess := baseSession()
	sess.BaselineRemainingMin = 60
	proj := Projection{ScheduleDelayMin: 0, RemainingDurationMin: 72}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.False(t, d.Reroute)
}

func TestDetect_R3_StopsChangedAlwaysReroutes(t *testing.T) {
	sess := baseSession()
	sess.StopsChanged = true
	sess.StopsChangeReason = domain.ReasonStopAdded
	sess.LastRerouteAt = time.Now() // well within the suppression window
	proj := Projection{}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.True(t, d.Reroute)
	assert.Equal(t, domain.ReasonStopAdded, d.Reason)
}

func TestDetect_R3_FallsBackToStopModifiedWithoutReason(t *testing.T) {
	sess := baseSession()
	sess.StopsChanged = true
	proj := Projection{}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.True(t, d.Reroute)
	assert.Equal(t, domain.ReasonStopModified, d.Reason)
}

func TestDetect_R4_SuppressesR1AndR2(t *testing.T) {
	sess := baseSession()
	sess.LastRerouteAt = time.Now().Add(-1 * time.Minute) // 60s < 300s interval
	proj := Projection{ScheduleDelayMin: 30, RemainingDurationMin: 1000}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.False(t, d.Reroute, "R4 must suppress R1/R2 within the min reroute interval")
}

func TestDetect_R4_DoesNotSuppressR3(t *testing.T) {
	sess := baseSession()
	sess.StopsChanged = true
	sess.StopsChangeReason = domain.ReasonStopCancelled
	sess.LastRerouteAt = time.Now().Add(-1 * time.Second)
	proj := Projection{}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.True(t, d.Reroute)
	assert.Equal(t, domain.ReasonStopCancelled, d.Reason)
}

func TestDetect_R4_ExpiredIntervalAllowsR1(t *testing.T) {
	sess := baseSession()
	sess.LastRerouteAt = time.Now().Add(-10 * time.Minute)
	proj := Projection{ScheduleDelayMin: 10, RemainingDurationMin: 60}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.True(t, d.Reroute)
	assert.Equal(t, domain.ReasonTrafficDelay, d.Reason)
}

func TestDetect_NoTriggersNoReroute(t *testing.T) {
	sess := baseSession()
	proj := Projection{ScheduleDelayMin: 1, RemainingDurationMin: 61}

	d := Detect(sess, proj, time.Now(), DefaultConfig())
	assert.False(t, d.Reroute)
}

func TestProject_SchedulesDelayAndRemainingDuration(t *testing.T) {
	m := domain.NewMatrix(3)
	// origin(0) -> stop1(1): 600s (10min); stop1(1) -> stop2(2): 300s (5min)
	m.Seconds[0][1] = 600
	m.Seconds[1][2] = 300

	remaining := []domain.OptimisedStop{
		{StopID: "s1", Arrival: "09:00", ServiceTimeMinutes: 5},
		{StopID: "s2", Arrival: "09:20", ServiceTimeMinutes: 5},
	}

	// now = 09:05 (545 minutes since midnight), arriving at s1 after 10 min -> 09:15,
	// which is 15 minutes later than the scheduled 09:00 arrival.
	nowMinute := 9*60 + 5
	proj := Project(m, remaining, nowMinute)

	assert.Equal(t, 15.0, proj.ScheduleDelayMin)
	// s1: travel 10 + service 5 = 15; s2: travel 5 + service 5 = 10; total 25.
	assert.Equal(t, 25.0, proj.RemainingDurationMin)
}

func TestProject_EmptyRemainingIsZeroValue(t *testing.T) {
	m := domain.NewMatrix(1)
	proj := Project(m, nil, 0)
	assert.Equal(t, Projection{}, proj)
}
