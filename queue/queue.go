// Package queue provides the durable, ordered log of pending local mutations.
// A mutation that returns successfully from Enqueue survives an abrupt process
// restart; it is removed only when the push handler confirms it as applied.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/broadcast"
	syncErrors "github.com/offlinekit/fieldsync/errors"
	"github.com/offlinekit/fieldsync/logging"
	"github.com/offlinekit/fieldsync/storage"
)

const (
	opEnqueue     syncErrors.Op = "queue.Enqueue"
	opPeekBatch   syncErrors.Op = "queue.PeekBatch"
	opAcknowledge syncErrors.Op = "queue.Acknowledge"
	opSize        syncErrors.Op = "queue.Size"
)

// DefaultTable is the storage table pending mutations live in.
const DefaultTable = "mutations"

// Options configures a Queue.
type Options struct {
	// Table overrides the storage table name. Defaults to DefaultTable.
	Table string

	// Channel, when non-nil, receives a storage-write message after every
	// successful enqueue so other contexts and the local scheduler wake.
	Channel *broadcast.Channel

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Queue is the durable mutation queue. It holds no in-memory state beyond its
// collaborators: the storage table is the single source of truth, so any
// number of contexts sharing the store see the same queue.
type Queue struct {
	store   storage.Store
	table   string
	channel *broadcast.Channel
	now     func() time.Time
	logger  *logging.Logger
}

// New creates a Queue on top of store.
func New(store storage.Store, opts *Options) *Queue {
	if opts == nil {
		opts = &Options{}
	}
	opts.setDefaults()

	return &Queue{
		store:   store,
		table:   opts.Table,
		channel: opts.Channel,
		now:     opts.Now,
		logger:  logging.WithComponent("queue"),
	}
}

// Enqueue durably appends a mutation and returns it with its assigned id.
// The id is a UUIDv7, so ids sort lexicographically in enqueue order. A
// storage failure propagates to the caller: the local write must then be
// treated as not yet durable, never silently dropped.
func (q *Queue) Enqueue(ctx context.Context, m fieldsync.Mutation) (fieldsync.Mutation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return fieldsync.Mutation{}, syncErrors.E(opEnqueue, syncErrors.Component("queue"), err)
	}
	m.ID = id.String()
	m.EnqueuedAt = q.now()

	data, err := json.Marshal(m)
	if err != nil {
		return fieldsync.Mutation{}, syncErrors.E(opEnqueue, syncErrors.Component("queue"), err)
	}

	if err := q.store.Put(ctx, q.table, m.ID, data); err != nil {
		return fieldsync.Mutation{}, syncErrors.WrapOpComponentKind(err, opEnqueue, "queue", syncErrors.KindStorage)
	}

	q.logger.DebugContext(ctx, "mutation enqueued",
		slog.String("id", m.ID),
		slog.String("resource", m.Resource),
		slog.String("record_id", m.RecordID),
		slog.String("op", string(m.Op)),
	)

	if q.channel != nil {
		q.channel.Publish(broadcast.Message{Type: broadcast.TypeStorageWrite, Resource: m.Resource})
	}

	return m, nil
}

// PeekBatch returns up to max oldest pending mutations without removing them.
// max <= 0 returns all pending mutations.
func (q *Queue) PeekBatch(ctx context.Context, max int) ([]fieldsync.Mutation, error) {
	entries, err := q.store.GetAll(ctx, q.table)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opPeekBatch, "queue", syncErrors.KindStorage)
	}

	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}

	batch := make([]fieldsync.Mutation, 0, len(entries))
	for _, e := range entries {
		var m fieldsync.Mutation
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, syncErrors.E(opPeekBatch, syncErrors.Component("queue"), err)
		}
		batch = append(batch, m)
	}
	return batch, nil
}

// Acknowledge durably removes the given mutation ids. It is idempotent:
// acknowledging an id not present is a no-op, not an error.
func (q *Queue) Acknowledge(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if err := q.store.Delete(ctx, q.table, id); err != nil {
			return syncErrors.WrapOpComponentKind(err, opAcknowledge, "queue", syncErrors.KindStorage)
		}
	}
	return nil
}

// Size returns the current pending count. It is the ground truth for
// "is there unsynced work", regardless of what status events were observed.
func (q *Queue) Size(ctx context.Context) (int, error) {
	entries, err := q.store.GetAll(ctx, q.table)
	if err != nil {
		return 0, syncErrors.WrapOpComponentKind(err, opSize, "queue", syncErrors.KindStorage)
	}
	return len(entries), nil
}
