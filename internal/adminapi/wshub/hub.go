// Package wshub fans Flow Store, Rule Store, and Debug Queue change events
// out to connected GUI clients over websocket connections — the concrete
// transport behind spec.md §6's "GUI collaborator interface"
// (SPEC_FULL.md §3 "Live GUI event stream").
package wshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // trust is by loopback/emulator tether, same as the agent wire protocol
}

const (
	writeWait      = 10 * time.Second
	clientSendSize = 32
)

// Event is one change notification pushed to every connected client.
type Event struct {
	Type      string      `json:"type"` // e.g. "flow_added", "rule_removed", "debug_pending"
	ProjectID string      `json:"project_id"`
	Payload   interface{} `json:"payload"`
}

// Hub multiplexes Events to every connected GUI client. The zero value is
// not usable; construct with New.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New constructs an empty Hub.
func New(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("wshub")
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// ServeWS upgrades the HTTP request to a websocket connection and
// registers it as a broadcast recipient until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("error", err.Error()).Warn("wshub: upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Event, clientSendSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast delivers ev to every connected client. A client whose send
// buffer is full is disconnected rather than allowed to block the
// broadcaster (a slow GUI client never back-pressures the hub's writers).
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.removeLocked(c)
		}
	}
}

// Clients reports the number of currently connected GUI clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked closes c's send channel and drops it from the client set.
// Caller holds h.mu. Safe to call more than once for the same client.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			h.remove(c)
			return
		}
	}
}

// readPump drains and discards inbound messages: GUI clients are
// observers-only on this channel (spec.md §3 "Ownership": GUI
// collaborators hold only weak references"). It exists solely to detect
// the connection closing so the client can be unregistered.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
