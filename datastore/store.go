// Package datastore provides the key/value store behind API keys, users,
// the migration ledger and alert dismissals.
//
// The Store interface uses a simple key-value model:
//   - Keys are strings with "/" separated hierarchy ("api_key/12")
//   - Values are opaque bytes, usually JSON
//   - Operations take a context for cancellation
//
// Two backends exist: Badger for the daemon and Memory for tests and
// ephemeral runtimes. Both are safe for concurrent use.
//
//	store, err := datastore.Open(datastore.Config{Backend: "badger", Path: "/var/db/middlewared"}, logger)
//	err = datastore.PutJSON(ctx, store, "migration/0001", record)
//	entries, err := store.Query(ctx, "api_key/")
package datastore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/truenas/middlewared/errors"
)

// Entry is one key/value pair returned by Query
type Entry struct {
	Key   string
	Value []byte
}

// Store is the persistence contract used by plugins
type Store interface {
	// Get returns the value stored at key or an error wrapping
	// errors.ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data at key, replacing any previous value
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix in lexicographic order
	List(ctx context.Context, prefix string) ([]string, error)

	// Query returns the entries starting with prefix in key order
	Query(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases the backend
	Close() error
}

// Config selects and configures a backend
type Config struct {
	// Backend is "badger" or "memory"
	Backend string `json:"backend" yaml:"backend"`
	// Path is the badger directory
	Path string `json:"path" yaml:"path"`
	// SyncWrites makes every badger commit durable before returning
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch c.Backend {
	case "", "memory":
		return nil
	case "badger":
		if strings.TrimSpace(c.Path) == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "datastore", "Validate", "badger backend requires a path")
		}
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "datastore", "Validate", "unknown backend "+c.Backend)
	}
}

// Open creates the configured backend
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "datastore")
	}
	if cfg.Backend == "badger" {
		return OpenBadger(cfg.Path, cfg.SyncWrites, logger)
	}
	return NewMemory(), nil
}

// GetJSON decodes the value at key into out
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapInvalid(err, "datastore", "GetJSON", "decode "+key)
	}
	return nil
}

// PutJSON encodes v and stores it at key
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "datastore", "PutJSON", "encode "+key)
	}
	return s.Put(ctx, key, data)
}

// IsNotFound reports whether err means the key does not exist
func IsNotFound(err error) bool {
	return stderrors.Is(err, errors.ErrKeyNotFound)
}

func notFound(op, key string) error {
	return errors.Wrap(errors.ErrKeyNotFound, "datastore", op, "get "+key)
}
