// Package status derives a small UI-facing sync state purely from broadcast
// channel events and connectivity transitions. It holds no independent source
// of truth: the projection is a best-effort cache, and the mutation queue's
// size remains the ground truth for "is there unsynced work".
package status

import (
	"sync"
	"time"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/broadcast"
)

// State is the displayed sync condition.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Snapshot is the derived UI-facing state.
type Snapshot struct {
	State State

	// Attempt and Delay are populated only in the error state.
	Attempt int
	Delay   time.Duration

	// LastCompletedAt is when the last successful full drain finished.
	LastCompletedAt time.Time

	// Online mirrors the connectivity signal.
	Online bool
}

// Options configures a Projection.
type Options struct {
	// StaleAfter bounds how long a syncing state is trusted without a
	// follow-up event. A projection that missed the terminal event (e.g.
	// a context that was asleep) falls back to idle once this elapses.
	// Default 2 minutes.
	StaleAfter time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.StaleAfter == 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Projection listens to a broadcast channel and a connectivity signal and
// maintains a Snapshot for display. Create with New, release with Close.
type Projection struct {
	opts Options

	mu        sync.Mutex
	snap      Snapshot
	changedAt time.Time

	unsubChannel func()
	unsubConn    func()
	closeOnce    sync.Once
}

// New creates a Projection subscribed to channel and connectivity.
func New(channel *broadcast.Channel, connectivity fieldsync.Connectivity, opts *Options) *Projection {
	if opts == nil {
		opts = &Options{}
	}
	opts.setDefaults()

	p := &Projection{
		opts: *opts,
		snap: Snapshot{State: StateIdle},
	}
	p.changedAt = opts.Now()

	if connectivity != nil {
		p.snap.Online = connectivity.Online()
		p.unsubConn = connectivity.Subscribe(func(online bool) {
			p.mu.Lock()
			p.snap.Online = online
			p.mu.Unlock()
		})
	} else {
		p.snap.Online = true
	}

	if channel != nil {
		p.unsubChannel = channel.Subscribe(p.apply)
	}

	return p
}

func (p *Projection) apply(msg broadcast.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Type {
	case broadcast.TypeSyncScheduled:
		p.snap.State = StateSyncing
		p.snap.Attempt = 0
		p.snap.Delay = 0

	case broadcast.TypeSyncComplete:
		p.snap.State = StateIdle
		p.snap.Attempt = 0
		p.snap.Delay = 0
		if !msg.CompletedAt.IsZero() {
			p.snap.LastCompletedAt = msg.CompletedAt
		} else {
			p.snap.LastCompletedAt = p.opts.Now()
		}

	case broadcast.TypeSyncError:
		p.snap.State = StateError
		p.snap.Attempt = msg.Attempt
		p.snap.Delay = msg.Delay

	default:
		return
	}
	p.changedAt = p.opts.Now()
}

// Snapshot returns the current derived state. A syncing state that has seen
// no event for StaleAfter is reported as idle, matching the scheduler's own
// default, so a context that missed a terminal event never sticks in
// "syncing" forever.
func (p *Projection) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.snap
	if snap.State == StateSyncing && p.opts.Now().Sub(p.changedAt) > p.opts.StaleAfter {
		snap.State = StateIdle
		snap.Attempt = 0
		snap.Delay = 0
	}
	return snap
}

// Close detaches the projection from its sources.
func (p *Projection) Close() {
	p.closeOnce.Do(func() {
		if p.unsubChannel != nil {
			p.unsubChannel()
		}
		if p.unsubConn != nil {
			p.unsubConn()
		}
	})
}
