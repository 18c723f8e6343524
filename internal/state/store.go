package state

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
)

// Store is the durable key-value storage the cache and outbox persist to.
// Keys are namespaced by owner ("cache/", "outbox/"). Values are JSON
// documents.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, replacing any existing value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns all entries whose key starts with prefix, in key order.
	List(prefix string) ([]Entry, error)

	// Close releases resources.
	Close() error
}

// Entry is one key-value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Errors
var (
	ErrNotFound     = models.ErrKeyNotFound
	ErrStateCorrupt = errors.New("state file is corrupt")
	ErrClosed       = errors.New("store is closed")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// Open creates the store backend selected in cfg.
func Open(cfg config.StorageConfig, logger *events.Logger) (Store, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return NewSQLiteStore(filepath.Join(cfg.DataDir, "offsync.db"), logger)
	case "sqlite-pure":
		return NewPureSQLiteStore(filepath.Join(cfg.DataDir, "offsync.db"), logger)
	case "badger":
		return NewBadgerStore(BadgerConfig{Path: filepath.Join(cfg.DataDir, "badger"), SyncWrites: true}, logger)
	case "json":
		return NewJSONStore(cfg.DataDir, logger)
	case "memory":
		return NewMockStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Migrate copies every entry under prefix from src to dst.
func Migrate(src, dst Store, prefix string) (int, error) {
	entries, err := src.List(prefix)
	if err != nil {
		return 0, fmt.Errorf("list source: %w", err)
	}

	for i, e := range entries {
		if err := dst.Put(e.Key, e.Value); err != nil {
			return i, fmt.Errorf("copy %s: %w", e.Key, err)
		}
	}
	return len(entries), nil
}
