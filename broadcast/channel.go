// Package broadcast provides in-process and cross-process publish/subscribe
// of typed sync status events. Delivery is best-effort: messages are not
// persisted and a subscriber that attaches after a message was sent never
// receives it. Ordering is FIFO per publisher; no ordering is guaranteed
// across publishers or across processes.
package broadcast

import (
	"sync"
	"time"
)

// Type identifies the kind of a broadcast message.
type Type string

const (
	// TypeStorageWrite signals that a local durable write occurred, so other
	// contexts can refresh and the scheduler can wake.
	TypeStorageWrite Type = "storage-write"

	// TypeSyncScheduled signals the scheduler entered its syncing state.
	TypeSyncScheduled Type = "sync-scheduled"

	// TypeSyncComplete signals the scheduler drained the queue to empty.
	TypeSyncComplete Type = "sync-complete"

	// TypeSyncError signals a failed push; Attempt and Delay carry the retry
	// attempt count and computed backoff delay.
	TypeSyncError Type = "sync-error"
)

// Message is one typed status event. Fields beyond Type are populated only
// for the message types that carry them.
type Message struct {
	Type Type `json:"type"`

	// Resource names the collection a storage-write touched.
	Resource string `json:"resource,omitempty"`

	// Attempt and Delay accompany sync-error messages.
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`

	// CompletedAt accompanies sync-complete messages.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Origin identifies the publishing context. Bridges use it to avoid
	// echoing a context's own messages back to it.
	Origin string `json:"origin,omitempty"`
}

// Channel is an in-process broadcast channel. The zero value is not usable;
// use NewChannel.
type Channel struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Message)
}

// NewChannel returns an empty channel.
func NewChannel() *Channel {
	return &Channel{subs: make(map[int]func(Message))}
}

// Subscribe registers a handler for all message types and returns an
// unsubscribe function. Handlers run synchronously on the publisher's
// goroutine, preserving FIFO order per publisher; they must not block.
func (c *Channel) Subscribe(handler func(Message)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.subs[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Publish delivers msg to every current subscriber. A panicking subscriber
// does not prevent delivery to the rest.
func (c *Channel) Publish(msg Message) {
	c.mu.Lock()
	handlers := make([]func(Message), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(msg)
		}()
	}
}
