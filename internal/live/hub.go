// Package live implements the session manager and fan-out: the
// registry of live driver WebSocket channels, adapted from the shared
// fleet-wide hub pattern into a one-channel-per-driver registry backed by a
// per-driver Redis reroute topic instead of a single broadcast channel.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/ingest"
	"github.com/nemt-routing/dispatch-optimizer/pkg/apperr"
)

const (
	heartbeatPeriod = 60 * time.Second
	pongTimeout     = 30 * time.Second
	writeWait       = 10 * time.Second
	maxMessageBytes = 2048
	sendBuffer      = 16
)

// Submitter is the subset of ingest.Worker the hub needs, narrowed for
// testability.
type Submitter interface {
	Submit(ctx context.Context, ev ingest.Event)
}

// Hub holds the process-local registry of live driver channels: at most one
// per driver_id. A new connection for a driver replaces and closes any
// prior one.
type Hub struct {
	broker   Broker
	worker   Submitter
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

// NewHub builds a Hub. logger defaults to a no-op zap logger.
func NewHub(broker Broker, worker Submitter, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broker: broker,
		worker: worker,
		logger: logger,
		conns:  make(map[string]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type connection struct {
	driverID string
	conn     *websocket.Conn
	send     chan []byte
	pongCh   chan struct{}
	done     chan struct{}
	closeOnce sync.Once
}

// HandleWebSocket upgrades the request and takes over the driver's channel
// for the life of the connection. driverID is taken from the :driver_id
// route parameter.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	driverID := c.Param("driver_id")
	if driverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "driver_id is required"})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("driver_id", driverID), zap.Error(err))
		return
	}

	conn := &connection{
		driverID: driverID,
		conn:     wsConn,
		send:     make(chan []byte, sendBuffer),
		pongCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	h.register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go h.subscribe(ctx, conn)
	go conn.writePump()
	go h.heartbeat(conn)

	h.readPump(conn) // blocks until the connection closes

	cancel()
	h.unregister(conn)
}

// register installs conn as the driver's active channel, closing and
// replacing whatever connection was previously registered.
func (h *Hub) register(conn *connection) {
	h.mu.Lock()
	prior, existed := h.conns[conn.driverID]
	h.conns[conn.driverID] = conn
	h.mu.Unlock()

	if existed {
		prior.close()
	}
}

// unregister removes conn only if it is still the driver's current
// connection; a stale unregister from a connection that was already
// replaced must not evict the new one.
func (h *Hub) unregister(conn *connection) {
	h.mu.Lock()
	if h.conns[conn.driverID] == conn {
		delete(h.conns, conn.driverID)
	}
	h.mu.Unlock()
	conn.close()
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// subscribe forwards every message on the driver's reroute topic verbatim
// to the connection's send channel. The payload is already a complete
// route_updated frame; Hub never re-wraps it.
func (h *Hub) subscribe(ctx context.Context, conn *connection) {
	sub := h.broker.Subscribe(ctx, Topic(conn.driverID))
	defer sub.Close()

	for {
		select {
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			select {
			case conn.send <- payload:
			case <-conn.done:
				return
			}
		case <-conn.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat sends a ping frame every heartbeatPeriod and closes the
// connection if no pong frame arrives within pongTimeout.
func (h *Hub) heartbeat(conn *connection) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			data, _ := json.Marshal(pingFrame{Type: "ping", ServerTime: time.Now().UTC()})
			select {
			case conn.send <- data:
			case <-conn.done:
				return
			}

			select {
			case <-conn.pongCh:
			case <-time.After(pongTimeout):
				h.logger.Info("closing driver channel: pong timeout", zap.String("driver_id", conn.driverID))
				conn.close()
				return
			case <-conn.done:
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (c *connection) writePump() {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump parses inbound frames and either routes them to the ingest
// worker (gps_update) or records a heartbeat ack (pong). It blocks until
// the connection closes.
func (h *Hub) readPump(conn *connection) {
	conn.conn.SetReadLimit(maxMessageBytes)
	defer conn.close()

	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}

		var discriminator struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &discriminator); err != nil {
			h.sendError(conn, apperr.NewInvalidGPSError("malformed frame"))
			continue
		}

		switch discriminator.Type {
		case "pong":
			select {
			case conn.pongCh <- struct{}{}:
			default:
			}
		case "gps_update":
			h.handleGPSUpdate(conn, raw)
		default:
			// Unknown frame types are ignored rather than closing the
			// connection, in case the mobile client adds new frames later.
		}
	}
}

type gpsUpdateFrame struct {
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	Timestamp       time.Time `json:"timestamp"`
	CompletedStopID string  `json:"completed_stop_id,omitempty"`
}

func (h *Hub) handleGPSUpdate(conn *connection, raw []byte) {
	var frame gpsUpdateFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendError(conn, apperr.NewInvalidGPSError("malformed gps_update frame"))
		return
	}

	coord := domain.Coordinate{Lat: frame.Lat, Lng: frame.Lng}
	if !coord.Valid() {
		h.sendError(conn, apperr.NewInvalidGPSError("coordinate out of range"))
		return
	}

	instant := frame.Timestamp
	if instant.IsZero() {
		instant = time.Now().UTC()
	}

	h.worker.Submit(context.Background(), ingest.Event{
		DriverID:        conn.driverID,
		Coordinate:      coord,
		Instant:         instant,
		CompletedStopID: frame.CompletedStopID,
	})
}

func (h *Hub) sendError(conn *connection, appErr *apperr.AppError) {
	data, _ := json.Marshal(errorFrame{Type: "error", Code: appErr.Code, Message: appErr.Message})
	select {
	case conn.send <- data:
	case <-conn.done:
	}
}

type pingFrame struct {
	Type       string    `json:"type"`
	ServerTime time.Time `json:"server_time"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedDrivers reports how many driver channels are currently active,
// for diagnostics.
func (h *Hub) ConnectedDrivers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
