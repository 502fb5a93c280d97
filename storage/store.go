// Package storage defines the durable key-value collaborator used by the
// mutation queue and conflict store: Get/Put/Delete/GetAll over named tables,
// plus binary blob storage for attached media.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and GetBlob when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Entry pairs a key with its stored value.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the durable key-value interface. Implementations must make Put
// durable before returning: a value written successfully is still present
// after an abrupt process restart. Multiple processes may share one store;
// it is the single source of truth between execution contexts.
type Store interface {
	// Get returns the value for key in table, or ErrNotFound.
	Get(ctx context.Context, table, key string) ([]byte, error)

	// Put durably writes value under key in table, creating or replacing.
	Put(ctx context.Context, table, key string, value []byte) error

	// Delete removes key from table. Deleting an absent key is a no-op.
	Delete(ctx context.Context, table, key string) error

	// GetAll returns every entry in table ordered by key (lexicographic).
	GetAll(ctx context.Context, table string) ([]Entry, error)

	// PutBlob durably writes binary data under key in the blob namespace.
	PutBlob(ctx context.Context, key string, data []byte) error

	// GetBlob returns the blob for key, or ErrNotFound.
	GetBlob(ctx context.Context, key string) ([]byte, error)

	// DeleteBlob removes the blob for key. Absent keys are a no-op.
	DeleteBlob(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}
