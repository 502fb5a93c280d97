package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/offlinekit/fieldsync/logging"
)

// Bridge connects a local Channel to a Relay so that messages published in
// one process reach subscribers in every other process sharing the relay.
// Messages are tagged with an origin id: a bridge never re-publishes a
// message that originated in its own context, so there is no echo loop.
type Bridge struct {
	channel *Channel
	url     string
	origin  string
	logger  *logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	unsub     func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewBridge creates a bridge between channel and the relay at url
// (e.g. "ws://127.0.0.1:7123/broadcast"). Call Start to connect.
func NewBridge(channel *Channel, url string) *Bridge {
	return &Bridge{
		channel: channel,
		url:     url,
		origin:  uuid.NewString(),
		logger:  logging.WithComponent("broadcast-bridge"),
		done:    make(chan struct{}),
	}
}

// Origin returns the id this bridge stamps on outgoing messages.
func (b *Bridge) Origin() string { return b.origin }

// Start dials the relay and begins forwarding in both directions. Local
// publishes are sent to the relay; relay messages from other origins are
// published locally with their origin preserved.
func (b *Bridge) Start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.unsub = b.channel.Subscribe(b.forward)
	b.mu.Unlock()

	go b.readLoop()
	return nil
}

// forward sends a locally published message to the relay. Messages that
// arrived from the relay already carry a foreign origin and are skipped.
func (b *Bridge) forward(msg Message) {
	if msg.Origin != "" && msg.Origin != b.origin {
		return
	}
	msg.Origin = b.origin

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	b.mu.Lock()
	conn := b.conn
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Debug("bridge write failed", "error", err.Error())
		}
	}
	b.mu.Unlock()
}

func (b *Bridge) readLoop() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
			default:
				b.logger.Debug("bridge read failed", "error", err.Error())
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Origin == b.origin {
			continue
		}
		b.channel.Publish(msg)
	}
}

// Close detaches from the channel and closes the relay connection.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		if b.unsub != nil {
			b.unsub()
			b.unsub = nil
		}
		if b.conn != nil {
			err = b.conn.Close()
			b.conn = nil
		}
		b.mu.Unlock()
	})
	return err
}
