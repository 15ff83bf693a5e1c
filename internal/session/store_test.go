package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) DriverStateKey(driverID string) string { return "driver:" + driverID + ":state" }

func (m *memCache) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := m.data[key]
	if !ok {
		return errNotFound{}
	}
	return json.Unmarshal(raw, dest)
}

func (m *memCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func TestStore_RecordRerouteCreatesSession(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	route := []domain.OptimisedStop{{StopID: "s1", Sequence: 1}}

	sess, err := store.RecordReroute(context.Background(), "drv-1", route, 42, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "drv-1", sess.DriverID)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Equal(t, 42.0, sess.BaselineRemainingMin)
}

func TestStore_MarkCompletedRemovesHeadOnly(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	route := []domain.OptimisedStop{{StopID: "s1"}, {StopID: "s2"}}
	_, err := store.RecordReroute(context.Background(), "drv-1", route, 10, time.Now())
	require.NoError(t, err)

	sess, ok, err := store.MarkCompleted(context.Background(), "drv-1", "s2")
	require.NoError(t, err)
	assert.False(t, ok, "s2 is not the head, should be rejected")
	assert.Len(t, sess.RemainingRoute, 2)

	sess, ok, err = store.MarkCompleted(context.Background(), "drv-1", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, sess.RemainingRoute, 1)
	assert.Equal(t, "s2", sess.RemainingRoute[0].StopID)
	assert.Contains(t, sess.CompletedStopIDs, "s1")
}

func TestStore_AddStopMarksStopsChangedWithReason(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	route := []domain.OptimisedStop{{StopID: "s1"}}
	_, err := store.RecordReroute(context.Background(), "drv-1", route, 10, time.Now())
	require.NoError(t, err)

	sess, err := store.AddStop(context.Background(), "drv-1", domain.Stop{StopID: "s2", ServiceTimeMinutes: 5})
	require.NoError(t, err)
	require.Len(t, sess.RemainingRoute, 2)
	assert.Equal(t, "s2", sess.RemainingRoute[1].StopID)
	assert.True(t, sess.StopsChanged)
	assert.Equal(t, domain.ReasonStopAdded, sess.StopsChangeReason)
}

func TestStore_AddStopUnknownDriverReturnsErrNotFound(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	_, err := store.AddStop(context.Background(), "ghost", domain.Stop{StopID: "s1"})
	assert.Equal(t, ErrNotFound, err)
}

func TestStore_CancelStopRemovesFromAnywhereInRoute(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	route := []domain.OptimisedStop{{StopID: "s1"}, {StopID: "s2"}, {StopID: "s3"}}
	_, err := store.RecordReroute(context.Background(), "drv-1", route, 10, time.Now())
	require.NoError(t, err)

	sess, ok, err := store.CancelStop(context.Background(), "drv-1", "s2")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, sess.RemainingRoute, 2)
	assert.Equal(t, "s1", sess.RemainingRoute[0].StopID)
	assert.Equal(t, "s3", sess.RemainingRoute[1].StopID)
	assert.True(t, sess.StopsChanged)
	assert.Equal(t, domain.ReasonStopCancelled, sess.StopsChangeReason)
}

func TestStore_CancelStopUnknownStopIDReturnsNotOK(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	route := []domain.OptimisedStop{{StopID: "s1"}}
	_, err := store.RecordReroute(context.Background(), "drv-1", route, 10, time.Now())
	require.NoError(t, err)

	sess, ok, err := store.CancelStop(context.Background(), "drv-1", "ghost-stop")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, sess.RemainingRoute, 1)
}

func TestStore_CancelStopLastRemainingCompletesSession(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	route := []domain.OptimisedStop{{StopID: "s1"}}
	_, err := store.RecordReroute(context.Background(), "drv-1", route, 10, time.Now())
	require.NoError(t, err)

	sess, ok, err := store.CancelStop(context.Background(), "drv-1", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, sess.RemainingRoute)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
}

func TestStore_GetNotFound(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	_, err := store.Get(context.Background(), "ghost")
	assert.Equal(t, ErrNotFound, err)
}

type brokenCache struct{ memCache }

func (b *brokenCache) Get(_ context.Context, _ string, _ interface{}) error {
	return errors.New("connection refused")
}

func TestStore_GetBackendErrorIsNotErrNotFound(t *testing.T) {
	store := New(&brokenCache{memCache: *newMemCache()}, time.Hour)
	_, err := store.Get(context.Background(), "drv-1")
	require.Error(t, err)
	assert.NotEqual(t, ErrNotFound, err)
}

func TestStore_LockSerialisesPerDriver(t *testing.T) {
	store := New(newMemCache(), time.Hour)
	unlockA := store.Lock("drv-a")
	unlockB := store.Lock("drv-b")
	unlockA()
	unlockB()

	unlockA2 := store.Lock("drv-a")
	unlockA2()
}
