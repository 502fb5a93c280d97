// Package scheduler drains the mutation queue through a pluggable push
// handler. It is a three-state machine (idle, syncing, backing off) with
// single-flight drains, exponential backoff on transport failure, and typed
// status events on the broadcast channel for every transition.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/broadcast"
	"github.com/offlinekit/fieldsync/conflict"
	"github.com/offlinekit/fieldsync/logging"
	"github.com/offlinekit/fieldsync/queue"
)

// State is the scheduler's current position in the sync state machine.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateBackingOff:
		return "backing-off"
	default:
		return "idle"
	}
}

// Options configures a Scheduler.
type Options struct {
	// MaxBatch bounds how many mutations one push carries. Default 50.
	MaxBatch int

	// Interval is the periodic re-check while the queue is non-empty.
	// Default 30s; 0 disables the timer (enqueue and reconnect triggers
	// still fire).
	Interval time.Duration

	// Backoff is the retry delay policy. Defaults to DefaultBackoff.
	Backoff Backoff

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxBatch == 0 {
		o.MaxBatch = 50
	}
	if o.Interval == 0 {
		o.Interval = 30 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler owns the sync state machine. Construct with New, then Start.
// External code never sets the state directly; it observes transitions
// through the broadcast channel.
type Scheduler struct {
	queue        *queue.Queue
	conflicts    *conflict.Service
	channel      *broadcast.Channel
	connectivity fieldsync.Connectivity
	opts         Options
	logger       *logging.Logger

	mu              sync.Mutex
	handler         fieldsync.PushHandler
	state           State
	attempt         int
	lastCompletedAt time.Time
	started         bool
	stopped         bool

	kick     chan struct{}
	onlineCh chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc

	unsubChannel func()
	unsubConn    func()
}

// New creates a Scheduler. The push handler is injected here and may be
// swapped later with SetPushHandler.
func New(q *queue.Queue, conflicts *conflict.Service, channel *broadcast.Channel, connectivity fieldsync.Connectivity, handler fieldsync.PushHandler, opts *Options) *Scheduler {
	if opts == nil {
		opts = &Options{}
	}
	opts.setDefaults()

	return &Scheduler{
		queue:        q,
		conflicts:    conflicts,
		channel:      channel,
		connectivity: connectivity,
		opts:         *opts,
		handler:      handler,
		logger:       logging.WithComponent("scheduler"),
		kick:         make(chan struct{}, 1),
		onlineCh:     make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// SetPushHandler swaps the push handler. A batch already in flight keeps the
// handler it started with; the new handler takes effect from the next batch.
func (s *Scheduler) SetPushHandler(h fieldsync.PushHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// State returns the current machine state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the current retry attempt counter. It resets to zero on
// every successful full drain.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// LastCompletedAt returns when the queue last drained to empty, or the zero
// time if it never has.
func (s *Scheduler) LastCompletedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompletedAt
}

// Start begins auto-triggering: on enqueue (storage-write broadcasts), on
// offline-to-online transitions, and on a periodic timer while the queue is
// non-empty. Calling Start more than once is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.channel != nil {
		s.unsubChannel = s.channel.Subscribe(func(msg broadcast.Message) {
			if msg.Type == broadcast.TypeStorageWrite {
				s.Notify()
			}
		})
	}
	if s.connectivity != nil {
		s.unsubConn = s.connectivity.Subscribe(func(online bool) {
			if online {
				// Wake a pending backoff wait and schedule a drain.
				select {
				case s.onlineCh <- struct{}{}:
				default:
				}
				s.Notify()
			}
		})
	}

	go s.run(ctx)
}

// Notify schedules a drain if one is not already pending. Overlapping
// notifications coalesce; drains are single-flight.
func (s *Scheduler) Notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Stop halts the scheduler synchronously and totally: the backoff timer is
// cancelled, no further auto-triggers or events fire. An in-flight push is
// allowed to finish in the background, but its result is discarded.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		close(s.stop)
		if s.cancel != nil {
			s.cancel()
		}
		if s.unsubChannel != nil {
			s.unsubChannel()
		}
		if s.unsubConn != nil {
			s.unsubConn()
		}
	})
}

func (s *Scheduler) online() bool {
	if s.connectivity == nil {
		return true
	}
	return s.connectivity.Online()
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// publish emits a status event unless the scheduler has stopped.
func (s *Scheduler) publish(msg broadcast.Message) {
	if s.channel == nil || s.isStopped() {
		return
	}
	s.channel.Publish(msg)
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
		case <-ticker.C:
			size, err := s.queue.Size(ctx)
			if err != nil || size == 0 {
				continue
			}
		}

		if !s.online() {
			continue
		}
		s.drain(ctx)
	}
}

// drain is one syncing episode: repeated bounded batches until the queue is
// empty, a failure puts us into backoff, or no batch progress is possible.
// It runs only on the scheduler goroutine (single-flight by construction).
func (s *Scheduler) drain(ctx context.Context) {
	s.setState(StateSyncing)
	s.publish(broadcast.Message{Type: broadcast.TypeSyncScheduled})

	for {
		if s.isStopped() {
			return
		}

		batch, err := s.queue.PeekBatch(ctx, s.opts.MaxBatch)
		if err != nil {
			s.logger.LogError(ctx, err, "failed to read pending mutations")
			s.setState(StateIdle)
			return
		}

		if len(batch) == 0 {
			// Queue drained to empty: settle in idle and stamp completion.
			now := s.opts.Now()
			s.mu.Lock()
			s.state = StateIdle
			s.attempt = 0
			s.lastCompletedAt = now
			s.mu.Unlock()
			s.publish(broadcast.Message{Type: broadcast.TypeSyncComplete, CompletedAt: now})
			s.logger.DebugContext(ctx, "queue drained", slog.Time("completed_at", now))
			return
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()

		result, pushErr := handler.Push(ctx, batch)

		// A result arriving after Stop must not cause transitions.
		if s.isStopped() {
			return
		}

		if pushErr != nil {
			if !s.backoff(ctx, pushErr) {
				return
			}
			// Back online or delay elapsed: re-enter syncing.
			s.setState(StateSyncing)
			s.publish(broadcast.Message{Type: broadcast.TypeSyncScheduled})
			continue
		}

		if len(result.AppliedIDs) > 0 {
			if err := s.queue.Acknowledge(ctx, result.AppliedIDs...); err != nil {
				s.logger.LogError(ctx, err, "failed to acknowledge applied mutations")
				s.setState(StateIdle)
				return
			}
		}

		for _, c := range result.Conflicts {
			if _, err := s.conflicts.Detect(ctx, c.Resource, c.RecordID, c.Local, c.Server); err != nil {
				s.logger.LogError(ctx, err, "failed to persist conflict",
					slog.String("resource", c.Resource),
					slog.String("record_id", c.RecordID),
				)
			}
		}

		// Reset the failure streak after any successful push.
		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()

		if len(result.AppliedIDs) == 0 {
			// The push succeeded but nothing left the queue (e.g. every
			// remaining mutation conflicted). End the episode instead of
			// re-pushing the same batch; a later trigger retries.
			s.setState(StateIdle)
			return
		}
	}
}

// backoff handles one transport failure: it increments the attempt counter,
// emits sync-error, and waits out the computed delay. It returns true when
// the scheduler should retry (delay elapsed or connectivity returned), false
// when it was stopped.
func (s *Scheduler) backoff(ctx context.Context, cause error) bool {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.state = StateBackingOff
	s.mu.Unlock()

	delay := s.opts.Backoff.NextDelay(attempt - 1)

	s.logger.WarnContext(ctx, "push failed, backing off",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
	s.publish(broadcast.Message{Type: broadcast.TypeSyncError, Attempt: attempt, Delay: delay})

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	case <-s.onlineCh:
		// Connectivity came back: retry immediately regardless of backoff.
		return true
	}
}
