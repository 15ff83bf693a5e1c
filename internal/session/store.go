// Package session implements the driver state store: a key-value
// façade over the shared state backend holding each active driver's
// current route, last GPS fix, completed stops, and reroute bookkeeping.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/nemt-routing/dispatch-optimizer/internal/common/cache"
	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

// Cache is the subset of cache.RedisCache the store needs.
type Cache interface {
	DriverStateKey(driverID string) string
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by Get when no session exists for the driver.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "session: driver not found" }

// Store persists DriverSession records and serialises mutation per
// driver via a sync.Map of *sync.Mutex (one lock per driver_id rather
// than a single global lock, so unrelated drivers never contend).
type Store struct {
	cache Cache
	ttl   time.Duration
	locks sync.Map // driver_id -> *sync.Mutex
}

// New builds a Store. ttl defaults to 12 hours, matching the session
// lifetime in the data model.
func New(cache Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{cache: cache, ttl: ttl}
}

// Lock acquires the per-driver mutex, returning a function that releases
// it. Callers should defer the returned function immediately.
func (s *Store) Lock(driverID string) func() {
	value, _ := s.locks.LoadOrStore(driverID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Save writes the full session record with the store's TTL.
func (s *Store) Save(ctx context.Context, sess *domain.DriverSession) error {
	return s.cache.Set(ctx, s.cache.DriverStateKey(sess.DriverID), sess, s.ttl)
}

// Get returns the current session for driverID. It returns ErrNotFound
// only when the backend reports no such key; any other backend error
// (timeout, connection failure) is returned unwrapped, so callers can
// tell "session absent" apart from "state backend unavailable" instead of
// treating both the same way.
func (s *Store) Get(ctx context.Context, driverID string) (*domain.DriverSession, error) {
	var sess domain.DriverSession
	if err := s.cache.Get(ctx, s.cache.DriverStateKey(driverID), &sess); err != nil {
		if err == cache.ErrCacheMiss {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// UpdateGPS mutates only the last-GPS field and refreshes the TTL.
func (s *Store) UpdateGPS(ctx context.Context, driverID string, coord domain.Coordinate, instant time.Time) (*domain.DriverSession, error) {
	sess, err := s.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	sess.LastGPS = &domain.GPSFix{Coordinate: coord, Instant: instant}
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// MarkCompleted adds stopID to the completed set and removes it from the
// remaining route, refreshing the TTL. It is a no-op if stopID is not the
// current head of the remaining route, returning ok=false.
func (s *Store) MarkCompleted(ctx context.Context, driverID, stopID string) (sess *domain.DriverSession, ok bool, err error) {
	sess, err = s.Get(ctx, driverID)
	if err != nil {
		return nil, false, err
	}
	if sess.HeadStopID() != stopID {
		return sess, false, nil
	}

	sess.CompletedStopIDs = append(sess.CompletedStopIDs, stopID)
	sess.RemainingRoute = sess.RemainingRoute[1:]
	if len(sess.RemainingRoute) == 0 {
		sess.Status = domain.SessionCompleted
	}
	if err := s.Save(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// RecordReroute replaces the remaining route and baseline duration,
// setting the last-reroute instant atomically with respect to other
// mutation for this driver (caller holds the per-driver lock). A session
// is created if this is the driver's first publication.
func (s *Store) RecordReroute(ctx context.Context, driverID string, newRoute []domain.OptimisedStop, newBaselineMin float64, instant time.Time) (*domain.DriverSession, error) {
	sess, err := s.Get(ctx, driverID)
	if err == ErrNotFound {
		sess = &domain.DriverSession{DriverID: driverID, Status: domain.SessionIdle}
	} else if err != nil {
		return nil, err
	}
	sess.RemainingRoute = newRoute
	sess.BaselineRemainingMin = newBaselineMin
	sess.LastRerouteAt = instant
	sess.StopsChanged = false
	sess.StopsChangeReason = ""
	sess.Status = domain.SessionActive
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AddStop appends a dispatcher-added stop to the remaining route and marks
// the session for an out-of-band reroute (R3 in the delay detector). The
// appended entry carries no solved arrival/departure yet; those are
// recomputed by the next reroute, which re-optimises the whole remaining
// sequence rather than simply inserting at the tail.
func (s *Store) AddStop(ctx context.Context, driverID string, stop domain.Stop) (*domain.DriverSession, error) {
	sess, err := s.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	sess.RemainingRoute = append(sess.RemainingRoute, domain.OptimisedStop{
		StopID:             stop.StopID,
		Location:           stop.Location,
		EarliestPickupMin:  stop.EarliestPickupMin,
		LatestPickupMin:    stop.LatestPickupMin,
		ServiceTimeMinutes: stop.ServiceTimeMinutes,
	})
	sess.StopsChanged = true
	sess.StopsChangeReason = domain.ReasonStopAdded
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// CancelStop removes stopID from anywhere in the remaining route (unlike
// MarkCompleted, cancellation is not restricted to the current head) and
// marks the session for an out-of-band reroute. ok is false if stopID is
// not present in the remaining route, leaving the session untouched.
func (s *Store) CancelStop(ctx context.Context, driverID, stopID string) (sess *domain.DriverSession, ok bool, err error) {
	sess, err = s.Get(ctx, driverID)
	if err != nil {
		return nil, false, err
	}

	idx := -1
	for i, stop := range sess.RemainingRoute {
		if stop.StopID == stopID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return sess, false, nil
	}

	sess.RemainingRoute = append(sess.RemainingRoute[:idx], sess.RemainingRoute[idx+1:]...)
	sess.StopsChanged = true
	sess.StopsChangeReason = domain.ReasonStopCancelled
	if len(sess.RemainingRoute) == 0 {
		sess.Status = domain.SessionCompleted
	}
	if err := s.Save(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Clear removes the session entirely.
func (s *Store) Clear(ctx context.Context, driverID string) error {
	return s.cache.Delete(ctx, s.cache.DriverStateKey(driverID))
}
