package datastore

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/truenas/middlewared/errors"
)

// Badger is a Store backed by a badger database directory
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadger opens or creates the database at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, syncWrites bool, logger *slog.Logger) (*Badger, error) {
	if logger == nil {
		logger = slog.Default().With("component", "datastore")
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(syncWrites).
		WithLogger(badgerLogger{logger: logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WrapFatal(err, "datastore", "OpenBadger", "open "+path)
	}
	logger.Info("Datastore opened", "backend", "badger", "path", path)
	return &Badger{db: db, logger: logger}, nil
}

// Get implements Store
func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound("Get", key)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "datastore", "Get", "read "+key)
	}
	return out, nil
}

// Put implements Store
func (b *Badger) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "datastore", "Put", "empty key")
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return errors.WrapTransient(err, "datastore", "Put", "write "+key)
	}
	return nil
}

// Delete implements Store
func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return errors.WrapTransient(err, "datastore", "Delete", "delete "+key)
	}
	return nil
}

// List implements Store
func (b *Badger) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.scan(ctx, prefix, false, func(k string, _ []byte) {
		keys = append(keys, k)
	})
	if keys == nil {
		keys = []string{}
	}
	return keys, err
}

// Query implements Store
func (b *Badger) Query(ctx context.Context, prefix string) ([]Entry, error) {
	out := make([]Entry, 0)
	err := b.scan(ctx, prefix, true, func(k string, v []byte) {
		out = append(out, Entry{Key: k, Value: v})
	})
	return out, err
}

func (b *Badger) scan(ctx context.Context, prefix string, values bool, fn func(string, []byte)) error {
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = values
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var v []byte
			if values {
				var err error
				if v, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}
			fn(string(item.KeyCopy(nil)), v)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return errors.WrapTransient(err, "datastore", "scan", "iterate "+prefix)
	}
	return err
}

// Close implements Store
func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		return errors.Wrap(err, "datastore", "Close", "close badger")
	}
	return nil
}

// badgerLogger routes badger's printf-style logging into slog
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(trim(format, args...), "source", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(trim(format, args...), "source", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(trim(format, args...), "source", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(trim(format, args...), "source", "badger")
}

func trim(format string, args ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
