package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/offlinekit/fieldsync/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Relay is a small WebSocket hub that fans every received message out to all
// other connected contexts. It carries notifications only, never data: the
// durable store remains the single source of truth between contexts.
type Relay struct {
	upgrader   websocket.Upgrader
	logger     *logging.Logger
	register   chan *relayClient
	unregister chan *relayClient
	broadcast  chan relayFrame

	mu      sync.RWMutex
	clients map[*relayClient]bool
	done    chan struct{}
	once    sync.Once
}

type relayFrame struct {
	sender *relayClient
	data   []byte
}

type relayClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewRelay returns a relay ready to serve. Call Run in a goroutine and mount
// ServeHTTP on the route the bridges dial.
func NewRelay() *Relay {
	return &Relay{
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:     logging.WithComponent("broadcast-relay"),
		register:   make(chan *relayClient),
		unregister: make(chan *relayClient),
		broadcast:  make(chan relayFrame, 256),
		clients:    make(map[*relayClient]bool),
		done:       make(chan struct{}),
	}
}

// Run starts the hub loop and blocks until ctx is done or Close is called.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case client := <-r.register:
			r.mu.Lock()
			r.clients[client] = true
			r.mu.Unlock()
			r.logger.Debug("relay client connected", slog.Int("clients", r.ClientCount()))

		case client := <-r.unregister:
			r.mu.Lock()
			if _, ok := r.clients[client]; ok {
				delete(r.clients, client)
				close(client.send)
			}
			r.mu.Unlock()
			r.logger.Debug("relay client disconnected", slog.Int("clients", r.ClientCount()))

		case frame := <-r.broadcast:
			r.mu.RLock()
			for client := range r.clients {
				if client == frame.sender {
					continue
				}
				select {
				case client.send <- frame.data:
				default:
					// Slow consumer; drop it rather than block the hub.
					go func(c *relayClient) { r.unregister <- c }(client)
				}
			}
			r.mu.RUnlock()
		}
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.LogError(req.Context(), err, "websocket upgrade failed")
		return
	}

	client := &relayClient{conn: conn, send: make(chan []byte, sendBuffer)}
	r.register <- client

	go client.writePump()
	go client.readPump(r)
}

// ClientCount returns the number of connected contexts.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close stops the hub loop and disconnects all clients.
func (r *Relay) Close() {
	r.once.Do(func() {
		close(r.done)
		r.mu.Lock()
		for client := range r.clients {
			client.close()
			delete(r.clients, client)
		}
		r.mu.Unlock()
	})
}

func (c *relayClient) close() {
	c.once.Do(func() {
		c.conn.Close()
	})
}

func (c *relayClient) readPump(r *Relay) {
	defer func() {
		select {
		case r.unregister <- c:
		case <-r.done:
		}
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case r.broadcast <- relayFrame{sender: c, data: data}:
		case <-r.done:
			return
		}
	}
}

func (c *relayClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
