// Package engine wires the fieldsync components — durable store, mutation
// queue, conflict service, broadcast channel, scheduler, and status
// projection — into one offline-first sync engine.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/broadcast"
	"github.com/offlinekit/fieldsync/conflict"
	syncErrors "github.com/offlinekit/fieldsync/errors"
	"github.com/offlinekit/fieldsync/queue"
	"github.com/offlinekit/fieldsync/scheduler"
	"github.com/offlinekit/fieldsync/status"
	"github.com/offlinekit/fieldsync/storage"
)

// Options configures an Engine. Store and PushHandler are required.
type Options struct {
	// Store is the shared durable key-value store.
	Store storage.Store

	// PushHandler delivers batches to the remote authority.
	PushHandler fieldsync.PushHandler

	// Connectivity is the online observable. Defaults to always-online.
	Connectivity fieldsync.Connectivity

	// Channel carries status events. A fresh in-process channel is created
	// when nil; pass a bridged channel to share events across processes.
	Channel *broadcast.Channel

	// MaxBatch bounds the mutations per push. Default 50.
	MaxBatch int

	// Interval is the periodic sync re-check. Default 30s.
	Interval time.Duration

	// Backoff is the retry delay policy. Defaults to scheduler.DefaultBackoff.
	Backoff scheduler.Backoff

	// StatusStaleAfter bounds how long a missed-event "syncing" status is
	// trusted. Default 2 minutes.
	StatusStaleAfter time.Duration
}

// Engine is the assembled sync engine.
type Engine struct {
	store      storage.Store
	channel    *broadcast.Channel
	queue      *queue.Queue
	conflicts  *conflict.Service
	scheduler  *scheduler.Scheduler
	projection *status.Projection
}

// New validates opts and assembles an Engine. The engine does not auto-start;
// call Start when the application is ready to sync.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, syncErrors.NewValidationError("engine.New", fmt.Errorf("Store is required"))
	}
	if opts.PushHandler == nil {
		return nil, syncErrors.NewValidationError("engine.New", fmt.Errorf("PushHandler is required"))
	}
	if opts.MaxBatch < 0 {
		return nil, syncErrors.NewValidationError("engine.New", fmt.Errorf("MaxBatch must not be negative, got %d", opts.MaxBatch))
	}

	channel := opts.Channel
	if channel == nil {
		channel = broadcast.NewChannel()
	}
	connectivity := opts.Connectivity
	if connectivity == nil {
		connectivity = fieldsync.NewManualConnectivity(true)
	}

	q := queue.New(opts.Store, &queue.Options{Channel: channel})
	conflicts := conflict.New(opts.Store, &conflict.Options{Channel: channel})

	sched := scheduler.New(q, conflicts, channel, connectivity, opts.PushHandler, &scheduler.Options{
		MaxBatch: opts.MaxBatch,
		Interval: opts.Interval,
		Backoff:  opts.Backoff,
	})

	projection := status.New(channel, connectivity, &status.Options{
		StaleAfter: opts.StatusStaleAfter,
	})

	return &Engine{
		store:      opts.Store,
		channel:    channel,
		queue:      q,
		conflicts:  conflicts,
		scheduler:  sched,
		projection: projection,
	}, nil
}

// Start begins automatic syncing.
func (e *Engine) Start() {
	e.scheduler.Start()
}

// Stop halts the scheduler and detaches the projection. The durable store is
// not closed; the caller owns it.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.projection.Close()
}

// Enqueue records a local write for eventual delivery. The returned mutation
// carries its assigned id. A storage failure propagates: the caller must then
// treat its own local write as not yet durable.
func (e *Engine) Enqueue(ctx context.Context, resource, recordID string, op fieldsync.OpType, payload json.RawMessage) (fieldsync.Mutation, error) {
	return e.queue.Enqueue(ctx, fieldsync.Mutation{
		Resource: resource,
		RecordID: recordID,
		Op:       op,
		Payload:  payload,
	})
}

// Queue exposes the mutation queue; its Size is the ground truth for
// pending work.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Conflicts exposes the conflict store and resolution service.
func (e *Engine) Conflicts() *conflict.Service { return e.conflicts }

// Status returns the current derived sync status.
func (e *Engine) Status() status.Snapshot { return e.projection.Snapshot() }

// Scheduler exposes the underlying scheduler, e.g. to swap the push handler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Subscribe registers a handler for all sync status events. This is the only
// supported way external code observes sync progress.
func (e *Engine) Subscribe(handler func(broadcast.Message)) (unsubscribe func()) {
	return e.channel.Subscribe(handler)
}

// ResolveKeepLocal resolves the conflict for (resource, recordID) by keeping
// the client's version: the local snapshot is written as authoritative, then
// the conflict is deleted. If the delete fails the conflict stays listed and
// the call can be retried; both steps are idempotent.
func (e *Engine) ResolveKeepLocal(ctx context.Context, resource, recordID string) error {
	return e.resolve(ctx, resource, recordID, func(rec conflict.Record) json.RawMessage { return rec.Local })
}

// ResolveKeepServer resolves the conflict by adopting the authority's version.
func (e *Engine) ResolveKeepServer(ctx context.Context, resource, recordID string) error {
	return e.resolve(ctx, resource, recordID, func(rec conflict.Record) json.RawMessage { return rec.Server })
}

func (e *Engine) resolve(ctx context.Context, resource, recordID string, choose func(conflict.Record) json.RawMessage) error {
	rec, err := e.conflicts.Get(ctx, resource, recordID)
	if err != nil {
		return err
	}
	if err := e.conflicts.ApplyResolution(ctx, resource, recordID, choose(rec)); err != nil {
		return err
	}
	return e.conflicts.Delete(ctx, resource, recordID)
}
