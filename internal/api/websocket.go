package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/anstrom/scanfleet/internal/api/middleware"
	"github.com/anstrom/scanfleet/internal/logging"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	sendBuffer      = 4

	// Snapshots are pushed at most this often; changes in between coalesce.
	pushInterval = 250 * time.Millisecond
)

// Message is one websocket frame.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// hub fans status snapshots out to every connected websocket client.
type hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mutex   sync.RWMutex
	clients map[*client]struct{}
}

func newHub(checkOrigin func(string) bool, logger *logging.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r.Header.Get("Origin"))
			},
		},
		logger:  logger.WithFields("handler", "websocket"),
		clients: make(map[*client]struct{}),
	}
}

func snapshotMessage(status StatusResponse) ([]byte, error) {
	return json.Marshal(Message{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Data:      status,
	})
}

// serveWS upgrades the request and registers the client. The current
// status is sent immediately.
func (h *hub) serveWS(status func() StatusResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetRequestID(r)
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
			return
		}

		c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
		if msg, err := snapshotMessage(status()); err == nil {
			c.send <- msg
		}
		h.add(c)
		h.logger.Debug("Client registered", "request_id", requestID, "total_clients", h.count())

		go h.writePump(c, requestID)
		h.readPump(c, requestID)
	}
}

func (h *hub) add(c *client) {
	h.mutex.Lock()
	h.clients[c] = struct{}{}
	h.mutex.Unlock()
}

func (h *hub) remove(c *client) {
	h.mutex.Lock()
	delete(h.clients, c)
	h.mutex.Unlock()
	c.close()
}

func (h *hub) count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// broadcast queues message for every client. A client whose buffer is full
// loses its oldest queued snapshot.
func (h *hub) broadcast(message []byte) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- message:
			continue
		default:
		}
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- message:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mutex.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mutex.Unlock()

	for c := range clients {
		c.close()
	}
}

// watch pushes a snapshot to all clients whenever source changes.
func (h *hub) watch(ctx context.Context, source StatusSource, status func() StatusResponse) {
	changes, unsubscribe := source.Subscribe()
	defer unsubscribe()

	limiter := rate.NewLimiter(rate.Every(pushInterval), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if h.count() == 0 {
			continue
		}
		msg, err := snapshotMessage(status())
		if err != nil {
			h.logger.Error("Failed to marshal snapshot", "error", err)
			continue
		}
		h.broadcast(msg)
	}
}

// readPump discards client messages and detects disconnects.
func (h *hub) readPump(c *client, requestID string) {
	defer func() {
		h.remove(c)
		h.logger.Debug("Client unregistered", "request_id", requestID, "total_clients", h.count())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

// writePump sends queued snapshots and keepalive pings.
func (h *hub) writePump(c *client, requestID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		}
	}
}
