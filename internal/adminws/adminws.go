// Package adminws is the operator-facing live feed: a read-only websocket
// stream of fleet events (servers, slots, shutdown intents), built the way
// the teacher tracks a gateway session's liveness in session.go, but
// server-side: we ping our own clients and drop ones that stop acking
// instead of pinging an upstream gateway.
package adminws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PingInterval matches the teacher's heartbeat cadence in session.go,
// repurposed for a server pinging its own subscribers.
const PingInterval = 30 * time.Second

// PongWait is how long a client has to ack a ping before eviction, the
// server-side mirror of session.go's FailedHeartbeatAcks tolerance.
const PongWait = PingInterval * 2

// Event is one line of the admin feed.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Event type constants, the admin feed's own vocabulary — distinct from
// the bus envelope types in internal/bus, since operators see a denser
// summary than the wire protocol carries.
const (
	EventServerAdded      = "server.added"
	EventServerRemoved    = "server.removed"
	EventSlotStatusChange = "slot.status"
	EventShutdownIntent   = "shutdown.intent"
	EventShutdownUpdate   = "shutdown.update"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans a single stream of Events out to every connected admin client.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub builds an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log.With().Str("component", "adminws").Logger(), clients: make(map[*client]struct{})}
}

// Broadcast fans ev out to every connected client's send buffer. A client
// whose buffer is full is dropped rather than blocking the broadcaster.
func (h *Hub) Broadcast(ev Event) {
	ev.Timestamp = time.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.log.Warn().Msg("admin client send buffer full, dropping connection")
			go c.close()
			delete(h.clients, c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers a new client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("admin websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan Event, 32)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		_ = c.conn.Close()
	})
}

// writePump drains c.send onto the socket and pings on the teacher's own
// heartbeat cadence, tearing the connection down if a write ever fails.
func (c *client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.log.Debug().Err(err).Msg("admin feed write failed, closing")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only exists to process pongs and detect client-initiated
// close; the admin feed is one-directional, so any non-control frame is
// discarded.
func (c *client) readPump() {
	defer c.close()
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
