package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemt-routing/dispatch-optimizer/internal/delay"
	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/matrix"
	"github.com/nemt-routing/dispatch-optimizer/internal/optimize"
	"github.com/nemt-routing/dispatch-optimizer/internal/session"
	"github.com/nemt-routing/dispatch-optimizer/pkg/apperr"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) DriverStateKey(driverID string) string { return "driver:" + driverID + ":state" }

func (m *memCache) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return session.ErrNotFound
	}
	return json.Unmarshal(raw, dest)
}

func (m *memCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type uniformProvider struct{ travelSeconds int }

func (p *uniformProvider) FetchMatrix(_ context.Context, coords []domain.Coordinate, _ time.Time) (*domain.Matrix, error) {
	m := domain.NewMatrix(len(coords))
	for i := range coords {
		for j := range coords {
			if i != j {
				m.Seconds[i][j] = p.travelSeconds
				m.Metres[i][j] = p.travelSeconds * 10
			}
		}
	}
	return m, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.RouteUpdated
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, envelope domain.RouteUpdated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, envelope)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newWorker(publisher Publisher) (*Worker, *session.Store) {
	cache := newMemCache()
	store := session.New(cache, time.Hour)
	resolver := matrix.NewResolver(nil, &uniformProvider{travelSeconds: 120}, matrix.Config{RatePerSecond: 1000, RateBurst: 1000}, nil)
	pipeline := optimize.New(resolver)
	worker := New(store, resolver, pipeline, publisher, delay.DefaultConfig(), nil, nil, nil)
	return worker, store
}

func seedSession(t *testing.T, store *session.Store, driverID string, arrival string) {
	t.Helper()
	route := []domain.OptimisedStop{
		{StopID: "s1", Sequence: 1, Location: domain.Coordinate{Lat: 40.73, Lng: -73.99}, Arrival: arrival, EarliestPickupMin: 0, LatestPickupMin: 1439, ServiceTimeMinutes: 5},
		{StopID: "s2", Sequence: 2, Location: domain.Coordinate{Lat: 40.75, Lng: -73.98}, Arrival: arrival, EarliestPickupMin: 0, LatestPickupMin: 1439, ServiceTimeMinutes: 5},
	}
	_, err := store.RecordReroute(context.Background(), driverID, route, 30, time.Now())
	require.NoError(t, err)
}

func TestProcess_DiscardsEventForUnknownDriver(t *testing.T) {
	worker, _ := newWorker(&recordingPublisher{})
	err := worker.Process(context.Background(), Event{DriverID: "ghost", Coordinate: domain.Coordinate{Lat: 1, Lng: 1}, Instant: time.Now()})
	assert.NoError(t, err)
}

func TestProcess_UpdatesGPSWithoutCompletion(t *testing.T) {
	pub := &recordingPublisher{}
	worker, store := newWorker(pub)
	seedSession(t, store, "drv-1", "00:10")

	err := worker.Process(context.Background(), Event{DriverID: "drv-1", Coordinate: domain.Coordinate{Lat: 40.72, Lng: -74.0}, Instant: time.Now()})
	require.NoError(t, err)

	sess, err := store.Get(context.Background(), "drv-1")
	require.NoError(t, err)
	assert.NotNil(t, sess.LastGPS)
	assert.Len(t, sess.RemainingRoute, 2)
}

func TestProcess_CompletionAdvancesRoute(t *testing.T) {
	pub := &recordingPublisher{}
	worker, store := newWorker(pub)
	seedSession(t, store, "drv-1", "00:10")

	err := worker.Process(context.Background(), Event{
		DriverID: "drv-1", Coordinate: domain.Coordinate{Lat: 40.73, Lng: -73.99}, Instant: time.Now(), CompletedStopID: "s1",
	})
	require.NoError(t, err)

	sess, err := store.Get(context.Background(), "drv-1")
	require.NoError(t, err)
	require.Len(t, sess.RemainingRoute, 1)
	assert.Equal(t, "s2", sess.RemainingRoute[0].StopID)
	assert.Contains(t, sess.CompletedStopIDs, "s1")
}

func TestProcess_CompletionOfNonHeadRejected(t *testing.T) {
	pub := &recordingPublisher{}
	worker, store := newWorker(pub)
	seedSession(t, store, "drv-1", "00:10")

	err := worker.Process(context.Background(), Event{
		DriverID: "drv-1", Coordinate: domain.Coordinate{Lat: 40.73, Lng: -73.99}, Instant: time.Now(), CompletedStopID: "s2",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidStopID, apperr.As(err).Code)

	sess, err := store.Get(context.Background(), "drv-1")
	require.NoError(t, err)
	assert.Len(t, sess.RemainingRoute, 2, "rejected completion must not mutate the route")
}

func TestProcess_RerouteTriggersOnDelayAndPublishesOnce(t *testing.T) {
	pub := &recordingPublisher{}
	worker, store := newWorker(pub)
	// Scheduled arrival far before the event instant's minute-of-day so the
	// projected arrival is many minutes late, well past DELAY_THRESHOLD_MIN.
	seedSession(t, store, "drv-1", "00:00")

	instant1 := time.Now().UTC().Add(6 * time.Hour).Truncate(time.Minute)
	err := worker.Process(context.Background(), Event{
		DriverID: "drv-1", Coordinate: domain.Coordinate{Lat: 40.72, Lng: -74.0}, Instant: instant1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count())

	sess, err := store.Get(context.Background(), "drv-1")
	require.NoError(t, err)
	assert.WithinDuration(t, instant1, sess.LastRerouteAt, time.Second)

	// A second event arriving moments later must not retrigger (R4).
	instant2 := instant1.Add(1 * time.Minute)
	err = worker.Process(context.Background(), Event{
		DriverID: "drv-1", Coordinate: domain.Coordinate{Lat: 40.72, Lng: -74.0}, Instant: instant2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count(), "R4 must suppress a second reroute within the minimum interval")
}

func TestSubmit_CoalescesGPSButPreservesCompletions(t *testing.T) {
	pub := &recordingPublisher{}
	worker, store := newWorker(pub)
	seedSession(t, store, "drv-1", "00:10")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		worker.Submit(ctx, Event{DriverID: "drv-1", Coordinate: domain.Coordinate{Lat: 40.72, Lng: -74.0}, Instant: time.Now()})
	}
	completionCoord := domain.Coordinate{Lat: 40.73, Lng: -73.99}
	worker.Submit(ctx, Event{DriverID: "drv-1", Coordinate: completionCoord, Instant: time.Now(), CompletedStopID: "s1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.Get(ctx, "drv-1")
		require.NoError(t, err)
		if sess.HasCompleted("s1") {
			// The completion frame arrived last, so once it has been
			// processed the stored GPS must be its coordinate — a queued
			// older fix processed afterwards would regress LastGPS.
			require.NotNil(t, sess.LastGPS)
			assert.Equal(t, completionCoord, sess.LastGPS.Coordinate)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("completion event was never processed despite a flood of GPS updates")
}
