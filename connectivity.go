package fieldsync

import "sync"

// Connectivity is the boolean "online" observable the scheduler and status
// projection consume. Offline-to-online transitions trigger an immediate sync
// attempt regardless of backoff state.
type Connectivity interface {
	// Online reports current reachability of the remote authority.
	Online() bool

	// Subscribe registers a handler invoked on every transition and returns
	// an unsubscribe function. Handlers are called synchronously from Set,
	// so they must not block.
	Subscribe(handler func(online bool)) (unsubscribe func())
}

// ManualConnectivity is a Connectivity whose state is driven explicitly, for
// applications that learn reachability from their transport, and for tests.
// The zero value is offline; use NewManualConnectivity to start online.
type ManualConnectivity struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewManualConnectivity returns a ManualConnectivity in the given state.
func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online}
}

func (c *ManualConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Set updates the state and notifies subscribers on transitions. Setting the
// current state again is a no-op.
func (c *ManualConnectivity) Set(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	handlers := make([]func(bool), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(online)
	}
}

func (c *ManualConnectivity) Subscribe(handler func(online bool)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs == nil {
		c.subs = make(map[int]func(bool))
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}
