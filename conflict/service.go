// Package conflict provides the durable conflict store and the resolution
// service: field-level difference computation between a local and server
// snapshot, and user-mediated whole-record resolution.
package conflict

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/offlinekit/fieldsync/broadcast"
	syncErrors "github.com/offlinekit/fieldsync/errors"
	"github.com/offlinekit/fieldsync/logging"
	"github.com/offlinekit/fieldsync/storage"
)

const (
	opSave    syncErrors.Op = "conflict.Save"
	opList    syncErrors.Op = "conflict.List"
	opGet     syncErrors.Op = "conflict.Get"
	opDelete  syncErrors.Op = "conflict.Delete"
	opResolve syncErrors.Op = "conflict.ApplyResolution"
)

// DefaultTable is the storage table conflict records live in.
const DefaultTable = "conflicts"

// Record is one open conflict: a detected divergence between the client's
// assumed state and the authority's actual state for the same key. At most
// one open record exists per (resource, record id); a newer detection for the
// same key replaces the older one.
type Record struct {
	Resource  string          `json:"resource"`
	RecordID  string          `json:"record_id"`
	Local     json.RawMessage `json:"local"`
	Server    json.RawMessage `json:"server"`
	Fields    []string        `json:"fields"`
	CreatedAt time.Time       `json:"created_at"`
}

// Key returns the composite storage key for a (resource, record id) pair.
// Resource names must not contain '/'.
func Key(resource, recordID string) string {
	return resource + "/" + recordID
}

// Options configures a Service.
type Options struct {
	// Table overrides the conflict table name. Defaults to DefaultTable.
	Table string

	// Channel, when non-nil, receives a storage-write message after
	// ApplyResolution writes a record.
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

// Service is the conflict store plus resolution operations. Pure data access
// against the durable store; it never resolves anything on its own.
type Service struct {
	store   storage.Store
	table   string
	channel *broadcast.Channel
	now     func() time.Time
	logger  *logging.Logger
}

// New creates a Service on top of store.
func New(store storage.Store, opts *Options) *Service {
	if opts == nil {
		opts = &Options{}
	}
	opts.setDefaults()

	return &Service{
		store:   store,
		table:   opts.Table,
		channel: opts.Channel,
		now:     opts.Now,
		logger:  logging.WithComponent("conflict"),
	}
}

// Detect builds a Record from a reported push conflict, computing the field
// differences once, and upserts it. Last detection wins.
func (s *Service) Detect(ctx context.Context, resource, recordID string, local, server json.RawMessage) (Record, error) {
	rec := Record{
		Resource:  resource,
		RecordID:  recordID,
		Local:     local,
		Server:    server,
		Fields:    ComputeFieldConflicts(local, server),
		CreatedAt: s.now(),
	}
	if err := s.Save(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Save upserts rec keyed by (resource, record id), replacing any prior open
// conflict for that key. Conflicts are not accumulated across repeated failed
// pushes of the same record.
func (s *Service) Save(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return syncErrors.E(opSave, syncErrors.Component("conflict"), err)
	}

	if err := s.store.Put(ctx, s.table, Key(rec.Resource, rec.RecordID), data); err != nil {
		return syncErrors.WrapOpComponentKind(err, opSave, "conflict", syncErrors.KindStorage)
	}

	s.logger.InfoContext(ctx, "conflict recorded",
		slog.String("resource", rec.Resource),
		slog.String("record_id", rec.RecordID),
		slog.Any("fields", rec.Fields),
	)
	return nil
}

// List returns all open conflict records. Order is not significant; callers
// may sort by CreatedAt for display.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	entries, err := s.store.GetAll(ctx, s.table)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opList, "conflict", syncErrors.KindStorage)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, syncErrors.E(opList, syncErrors.Component("conflict"), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get returns the open conflict for (resource, record id), or
// storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, resource, recordID string) (Record, error) {
	data, err := s.store.Get(ctx, s.table, Key(resource, recordID))
	if err != nil {
		if syncErrors.Is(err, storage.ErrNotFound) {
			return Record{}, storage.ErrNotFound
		}
		return Record{}, syncErrors.WrapOpComponentKind(err, opGet, "conflict", syncErrors.KindStorage)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, syncErrors.E(opGet, syncErrors.Component("conflict"), err)
	}
	return rec, nil
}

// ApplyResolution writes chosen as the authoritative local record for
// (resource, record id). It does not remove the conflict: callers delete it
// explicitly afterward, so a recorded resolution survives even if the delete
// step fails and needs an independent retry.
func (s *Service) ApplyResolution(ctx context.Context, resource, recordID string, chosen json.RawMessage) error {
	if err := s.store.Put(ctx, resource, recordID, chosen); err != nil {
		return syncErrors.WrapOpComponentKind(err, opResolve, "conflict", syncErrors.KindStorage)
	}

	if s.channel != nil {
		s.channel.Publish(broadcast.Message{Type: broadcast.TypeStorageWrite, Resource: resource})
	}
	return nil
}

// Delete removes the conflict record for (resource, record id). Idempotent
// if already absent.
func (s *Service) Delete(ctx context.Context, resource, recordID string) error {
	if err := s.store.Delete(ctx, s.table, Key(resource, recordID)); err != nil {
		return syncErrors.WrapOpComponentKind(err, opDelete, "conflict", syncErrors.KindStorage)
	}
	return nil
}
