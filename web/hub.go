// Package web serves the latest detection report over HTTP and pushes every
// report to websocket subscribers.
package web

import (
	iface "AdaptiveDet/interface"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn      *websocket.Conn
	send      chan map[string]any
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close(code int, text string) {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		_ = c.conn.Close()
		close(c.done)
	})
}

// offer replaces whatever the client has not sent yet, so a slow client
// skips reports instead of stalling the presentation context.
func (c *client) offer(msg map[string]any) {
	for {
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// Hub is a Sink that keeps the newest report and fans it out to websocket
// clients.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	latest  *iface.Report
	clients map[*client]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

func (h *Hub) Present(r iface.Report) error {
	msg := r.AsMap()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &r
	for c := range h.clients {
		c.offer(msg)
	}
	return nil
}

// Latest returns the newest report, if any arrived yet.
func (h *Hub) Latest() (iface.Report, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return iface.Report{}, false
	}
	return *h.latest, true
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) serve(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan map[string]any, 1), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.close(websocket.CloseNormalClosure, "bye")
	}()

	// reads only detect the peer going away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.close(websocket.CloseNormalClosure, "")
				return
			}
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("websocket client dropped", zap.Error(err))
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
