package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleetstops/internal/logger"
	"fleetstops/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

type client struct {
	id       uuid.UUID
	deviceID int64
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans device updates out to the WebSocket clients watching that device.
type Hub struct {
	Upgrader websocket.Upgrader
	Metrics  *metrics.Collector

	l       logger.Logger
	mu      sync.Mutex
	clients map[int64]map[uuid.UUID]*client
}

func NewHub(l logger.Logger) *Hub {
	return &Hub{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		l:       logger.OrDiscard(l),
		clients: make(map[int64]map[uuid.UUID]*client),
	}
}

// Broadcast queues payload for every client of deviceID. Slow clients whose
// buffer is full miss the message.
func (h *Hub) Broadcast(deviceID int64, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients[deviceID] {
		select {
		case c.send <- payload:
		default:
			h.l.Warn(logger.WithDeviceID(context.Background(), deviceID), "dropping live update for slow client", "client_id", c.id.String())
		}
	}
}

// Count returns the number of clients connected for deviceID.
func (h *Hub) Count(deviceID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[deviceID])
}

// ServeWS upgrades the request and streams deviceID's updates until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, deviceID int64) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.l.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		id:       uuid.New(),
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.deviceID]
	if !ok {
		set = make(map[uuid.UUID]*client)
		h.clients[c.deviceID] = set
	}
	set[c.id] = c
	if h.Metrics != nil {
		h.Metrics.LiveClients.Inc()
	}
	h.l.Debug(logger.WithDeviceID(context.Background(), c.deviceID), "live client connected", "client_id", c.id.String())
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.deviceID]
	if !ok {
		return
	}
	if _, ok := set[c.id]; !ok {
		return
	}
	delete(set, c.id)
	if len(set) == 0 {
		delete(h.clients, c.deviceID)
	}
	h.drop(c)
	h.l.Debug(logger.WithDeviceID(context.Background(), c.deviceID), "live client disconnected", "client_id", c.id.String())
}

// readPump only services control frames; clients are not expected to send
// data.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop must be called with h.mu held and c already removed from clients.
func (h *Hub) drop(c *client) {
	c.close()
	if h.Metrics != nil {
		h.Metrics.LiveClients.Dec()
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for deviceID, set := range h.clients {
		for _, c := range set {
			h.drop(c)
		}
		delete(h.clients, deviceID)
	}
	h.l.Info(logger.WithAction(context.Background(), "hub_close"), "all live connections closed")
}
