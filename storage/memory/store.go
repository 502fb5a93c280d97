// Package memory provides an in-memory storage.Store for tests and demos.
// It is not durable across process restarts; use storage/sqlite in production.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/offlinekit/fieldsync/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
	blobs  map[string][]byte
	closed bool

	// FailWrites makes every write return the given error; tests use this
	// to exercise queue durability failure propagation.
	FailWrites error
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		tables: make(map[string]map[string][]byte),
		blobs:  make(map[string][]byte),
	}
}

func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, storage.ErrNotFound
	}
	v, ok := t[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}

	t, ok := s.tables[table]
	if !ok {
		t = make(map[string][]byte)
		s.tables[table] = t
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	t[key] = stored
	return nil
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}

	if t, ok := s.tables[table]; ok {
		delete(t, key)
	}
	return nil
}

func (s *Store) GetAll(ctx context.Context, table string) ([]storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[table]
	entries := make([]storage.Entry, 0, len(t))
	for k, v := range t {
		out := make([]byte, len(v))
		copy(out, v)
		entries = append(entries, storage.Entry{Key: k, Value: out})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *Store) PutBlob(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[key] = stored
	return nil
}

func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}

	delete(s.blobs, key)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.tables = make(map[string]map[string][]byte)
	s.blobs = make(map[string][]byte)
	return nil
}
