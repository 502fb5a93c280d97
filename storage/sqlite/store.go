// Package sqlite provides a SQLite implementation of the fieldsync storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/offlinekit/fieldsync/errors"
	"github.com/offlinekit/fieldsync/logging"
	"github.com/offlinekit/fieldsync/storage"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opGet        syncErrors.Op = "sqlite.Get"
	opPut        syncErrors.Op = "sqlite.Put"
	opDelete     syncErrors.Op = "sqlite.Delete"
	opGetAll     syncErrors.Op = "sqlite.GetAll"
	opPutBlob    syncErrors.Op = "sqlite.PutBlob"
	opGetBlob    syncErrors.Op = "sqlite.GetBlob"
	opDeleteBlob syncErrors.Op = "sqlite.DeleteBlob"
)

// ErrStoreClosed is returned by all operations after Close.
var ErrStoreClosed = fmt.Errorf("store is closed")

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled so concurrent processes can share the database
//   - Connection pool with 25 max open, 5 max idle connections
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:fieldsync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements storage.Store on a SQLite database. One kv table holds all
// named tables (keyed by table name + key) and a separate table holds blobs.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
}

// Compile-time check that Store satisfies the storage.Store interface
var _ storage.Store = (*Store)(nil)

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	return store, nil
}

// setupSchema creates the kv and blob tables if they don't exist.
func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS kv (
        tbl   TEXT NOT NULL,
        k     TEXT NOT NULL,
        v     BLOB,
        PRIMARY KEY (tbl, k)
    );
    CREATE TABLE IF NOT EXISTS blobs (
        k     TEXT PRIMARY KEY,
        data  BLOB NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns the value for key in table, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM kv WHERE tbl = ? AND k = ?`, table, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opGet, "storage/sqlite", syncErrors.KindStorage)
	}
	return value, nil
}

// Put durably writes value under key in table.
func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (tbl, k, v) VALUES (?, ?, ?)
         ON CONFLICT (tbl, k) DO UPDATE SET v = excluded.v`,
		table, key, value)
	return syncErrors.WrapOpComponentKind(err, opPut, "storage/sqlite", syncErrors.KindStorage)
}

// Delete removes key from table; absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE tbl = ? AND k = ?`, table, key)
	return syncErrors.WrapOpComponentKind(err, opDelete, "storage/sqlite", syncErrors.KindStorage)
}

// GetAll returns every entry in table ordered by key.
func (s *Store) GetAll(ctx context.Context, table string) ([]storage.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT k, v FROM kv WHERE tbl = ? ORDER BY k ASC`, table)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opGetAll, "storage/sqlite", syncErrors.KindStorage)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		var e storage.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, syncErrors.WrapOpComponentKind(err, opGetAll, "storage/sqlite", syncErrors.KindStorage)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opGetAll, "storage/sqlite", syncErrors.KindStorage)
	}

	return entries, nil
}

// PutBlob durably writes binary data under key.
func (s *Store) PutBlob(ctx context.Context, key string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (k, data) VALUES (?, ?)
         ON CONFLICT (k) DO UPDATE SET data = excluded.data`,
		key, data)
	return syncErrors.WrapOpComponentKind(err, opPutBlob, "storage/sqlite", syncErrors.KindStorage)
}

// GetBlob returns the blob for key, or storage.ErrNotFound.
func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE k = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opGetBlob, "storage/sqlite", syncErrors.KindStorage)
	}
	return data, nil
}

// DeleteBlob removes the blob for key; absent keys are a no-op.
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE k = ?`, key)
	return syncErrors.WrapOpComponentKind(err, opDeleteBlob, "storage/sqlite", syncErrors.KindStorage)
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
