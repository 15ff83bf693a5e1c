package live

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/ingest"
)

type fakeSub struct {
	ch        chan []byte
	topic     string
	broker    *fakeBroker
	closeOnce sync.Once
}

func (s *fakeSub) Messages() <-chan []byte { return s.ch }

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		list := s.broker.subs[s.topic]
		for i, x := range list {
			if x == s {
				s.broker.subs[s.topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

type fakeBroker struct {
	mu   sync.Mutex
	subs map[string][]*fakeSub
}

func newFakeBroker() *fakeBroker { return &fakeBroker{subs: make(map[string][]*fakeSub)} }

func (f *fakeBroker) Subscribe(_ context.Context, topic string) Subscription {
	s := &fakeSub{ch: make(chan []byte, 8), topic: topic, broker: f}
	f.mu.Lock()
	f.subs[topic] = append(f.subs[topic], s)
	f.mu.Unlock()
	return s
}

func (f *fakeBroker) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[topic]...)
	f.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	events []ingest.Event
}

func (f *fakeSubmitter) Submit(_ context.Context, ev ingest.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSubmitter) all() []ingest.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ingest.Event(nil), f.events...)
}

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/driver/:driver_id", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/driver/drv-1"
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHub_ForwardsPublishedRouteUpdate(t *testing.T) {
	broker := newFakeBroker()
	hub := NewHub(broker, &fakeSubmitter{}, nil)
	srv, url := newTestServer(t, hub)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	// Give the server goroutine a moment to register the subscription.
	time.Sleep(50 * time.Millisecond)

	publisher := NewRedisPublisher(broker)
	err := publisher.Publish(context.Background(), "drv-1", domain.RouteUpdated{
		Reason:               domain.ReasonTrafficDelay,
		TotalDurationMinutes: 42,
		GoogleMapsURL:        "https://www.google.com/maps/dir/0,0",
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "route_updated", frame["type"])
	assert.Equal(t, "traffic_delay", frame["reason"])
}

func TestHub_GPSUpdateSubmittedToWorker(t *testing.T) {
	broker := newFakeBroker()
	submitter := &fakeSubmitter{}
	hub := NewHub(broker, submitter, nil)
	srv, url := newTestServer(t, hub)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	msg := `{"type":"gps_update","lat":40.7,"lng":-74.0,"timestamp":"2026-01-01T12:00:00Z"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(submitter.all()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	events := submitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, "drv-1", events[0].DriverID)
	assert.Equal(t, 40.7, events[0].Coordinate.Lat)
}

func TestHub_InvalidGPSReturnsErrorFrame(t *testing.T) {
	broker := newFakeBroker()
	hub := NewHub(broker, &fakeSubmitter{}, nil)
	srv, url := newTestServer(t, hub)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	msg := `{"type":"gps_update","lat":999,"lng":-74.0,"timestamp":"2026-01-01T12:00:00Z"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "INVALID_GPS", frame["code"])
}

func TestHub_NewConnectionReplacesOld(t *testing.T) {
	broker := newFakeBroker()
	hub := NewHub(broker, &fakeSubmitter{}, nil)
	srv, url := newTestServer(t, hub)
	defer srv.Close()

	first := dial(t, url)
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second := dial(t, url)
	defer second.Close()
	time.Sleep(50 * time.Millisecond)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "the first connection must be closed once replaced")

	assert.Equal(t, 1, hub.ConnectedDrivers())
}
