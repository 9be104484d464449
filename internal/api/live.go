package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/lidarcam/internal/capture"
	"github.com/banshee-data/lidarcam/internal/monitoring"
)

var liveLogf = monitoring.Component("live")

// ErrHubBusy is returned by OnRecord when the broadcast queue is full.
var ErrHubBusy = errors.New("live feed busy, record dropped")

const (
	hubQueueDepth = 16
	writeWait     = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans appended records out to websocket clients. Run owns the client
// set; handlers talk to it over channels.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}
	readers    sync.WaitGroup

	mu      sync.Mutex
	count   int
	closing bool
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, hubQueueDepth),
		done:       make(chan struct{}),
	}
}

// Run serves register, unregister and broadcast until ctx is done, then
// closes every client and waits for their readers to exit.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.closing = true
		h.mu.Unlock()
		for c := range h.clients {
			c.Close()
			delete(h.clients, c)
		}
		h.setCount(0)
		close(h.done)
		h.readers.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			if !h.clients[c] {
				h.clients[c] = true
				h.setCount(len(h.clients))
				liveLogf("client connected %s, total %d", c.RemoteAddr(), len(h.clients))
			}

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				h.setCount(len(h.clients))
				c.Close()
				liveLogf("client disconnected %s, total %d", c.RemoteAddr(), len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					liveLogf("write to %s failed: %v, dropping client", c.RemoteAddr(), err)
					c.Close()
					delete(h.clients, c)
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// OnRecord queues rec for every connected client. It never blocks.
func (h *Hub) OnRecord(rec capture.Record) error {
	if h.ClientCount() == 0 {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- payload:
		return nil
	case <-h.done:
		return nil
	default:
		return ErrHubBusy
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		liveLogf("upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.readers.Add(1)
	h.mu.Unlock()

	select {
	case h.register <- conn:
	case <-h.done:
		h.readers.Done()
		conn.Close()
		return
	}

	// The feed is one-way; reading only detects disconnects and
	// services control frames.
	go func() {
		defer h.readers.Done()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					liveLogf("read from %s: %v", conn.RemoteAddr(), err)
				}
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
