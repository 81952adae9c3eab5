package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/gamma.report/internal/dispatch"
	"github.com/banshee-data/gamma.report/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Clients only send control frames.
	maxMessageSize = 512

	// Events buffered per client before new ones are dropped.
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans dispatcher events out to websocket clients. It implements
// dispatch.Notifier; Notify never blocks, a client that falls behind loses
// events.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*liveClient
}

type liveClient struct {
	id   string
	conn *websocket.Conn
	send chan dispatch.Event

	done      chan struct{}
	closeOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*liveClient)}
}

func (h *Hub) Notify(e dispatch.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- e:
		default:
			monitoring.Logf("api: live client %s is behind, dropping %s event", c.id, e.Type)
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

// ServeHTTP upgrades the request and streams events as JSON text frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		monitoring.Logf("api: live upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := &liveClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan dispatch.Event, clientBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	monitoring.Logf("api: live client %s connected from %s", c.id, r.RemoteAddr)

	go c.read(h)
	go c.write()
}

func (h *Hub) remove(c *liveClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	monitoring.Logf("api: live client %s disconnected", c.id)
}

func (c *liveClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// read discards client frames so pongs and close frames are processed.
func (c *liveClient) read(h *Hub) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				monitoring.Logf("api: live client %s read failed: %v", c.id, err)
			}
			return
		}
	}
}

func (c *liveClient) write() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && err != websocket.ErrCloseSent {
				monitoring.Logf("api: live client %s close failed: %v", c.id, err)
			}
			return

		case e := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				monitoring.Logf("api: live client %s write failed: %v", c.id, err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				monitoring.Logf("api: live client %s ping failed: %v", c.id, err)
				return
			}
		}
	}
}
