// Package fieldsync provides an offline-first mutation sync engine with
// field-level conflict detection and user-mediated resolution. Local writes
// are queued durably while disconnected, pushed to a remote authority when
// connectivity allows, and divergent records are surfaced as conflicts for
// explicit resolution rather than silently merged.
//
// This package holds the core contracts; implementations live in the
// subpackages (storage, queue, conflict, broadcast, scheduler, status) and
// are wired together by the engine package.
package fieldsync

import (
	"context"
	"encoding/json"
	"time"
)

// OpType tags the kind of local write a mutation represents.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Mutation is one queued unit of local work destined for the remote authority.
// Mutations are immutable once enqueued: they are created by a local write and
// destroyed when the push handler confirms them as applied.
type Mutation struct {
	// ID is assigned at enqueue time and is monotonically orderable
	// (UUIDv7), so lexicographic id order equals enqueue order.
	ID string `json:"id"`

	// Resource is the logical collection name (e.g. "deck", "exam").
	Resource string `json:"resource"`

	// RecordID identifies the record within the resource. Mutations for the
	// same (resource, record) pair are delivered in enqueue order.
	RecordID string `json:"record_id"`

	// Op is the operation type.
	Op OpType `json:"op"`

	// Payload is the record's intended new state; its shape is opaque to
	// the engine.
	Payload json.RawMessage `json:"payload"`

	// EnqueuedAt is when the mutation entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PushConflict reports that the authority's state for a record diverged from
// what the client assumed. Conflicts are an expected outcome of a push, not
// an error.
type PushConflict struct {
	Resource string          `json:"resource"`
	RecordID string          `json:"record_id"`
	Local    json.RawMessage `json:"local"`
	Server   json.RawMessage `json:"server"`
}

// PushResult is what a PushHandler reports for one batch. Ids listed in
// AppliedIDs were durably applied remotely and will be acknowledged; ids not
// listed remain queued and are retried in a later batch (at-least-once
// delivery, so the authority must apply repeated mutations idempotently).
type PushResult struct {
	AppliedIDs []string       `json:"applied_ids"`
	Conflicts  []PushConflict `json:"conflicts,omitempty"`
}

// PushHandler delivers a batch of pending mutations to the remote authority.
// This is the entire contract with "the server": the wire protocol behind it
// (HTTP, WebSocket, ...) is the implementation's concern, including timeouts,
// which must surface as a returned error.
type PushHandler interface {
	Push(ctx context.Context, batch []Mutation) (PushResult, error)
}

// PushFunc adapts a function to the PushHandler interface.
type PushFunc func(ctx context.Context, batch []Mutation) (PushResult, error)

func (f PushFunc) Push(ctx context.Context, batch []Mutation) (PushResult, error) {
	return f(ctx, batch)
}
