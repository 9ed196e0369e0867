package datastore

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/errors"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger("", false, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	dir := t.TempDir()
	disk, err := Open(Config{Backend: "badger", Path: dir, SyncWrites: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close() })

	return map[string]Store{
		"memory":        NewMemory(),
		"badger-memory": b,
		"badger-disk":   disk,
	}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			require.Error(t, err)
			assert.True(t, IsNotFound(err))
			assert.Equal(t, errors.ENOENT, errors.ErrnoOf(err))

			require.NoError(t, store.Put(ctx, "api_key/2", []byte("two")))
			require.NoError(t, store.Put(ctx, "api_key/1", []byte("one")))
			require.NoError(t, store.Put(ctx, "user/root", []byte("root")))

			v, err := store.Get(ctx, "api_key/1")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), v)

			keys, err := store.List(ctx, "api_key/")
			require.NoError(t, err)
			assert.Equal(t, []string{"api_key/1", "api_key/2"}, keys)

			entries, err := store.Query(ctx, "user/")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, Entry{Key: "user/root", Value: []byte("root")}, entries[0])

			require.NoError(t, store.Delete(ctx, "api_key/1"))
			require.NoError(t, store.Delete(ctx, "api_key/1"))
			keys, err = store.List(ctx, "api_key/")
			require.NoError(t, err)
			assert.Equal(t, []string{"api_key/2"}, keys)

			assert.True(t, errors.IsInvalid(store.Put(ctx, "", []byte("x"))))
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	type record struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	require.NoError(t, PutJSON(ctx, store, "migration/0001", record{ID: 1, Name: "init"}))

	var got record
	require.NoError(t, GetJSON(ctx, store, "migration/0001", &got))
	assert.Equal(t, record{ID: 1, Name: "init"}, got)

	require.NoError(t, store.Put(ctx, "broken", []byte("{")))
	assert.True(t, errors.IsInvalid(GetJSON(ctx, store, "broken", &got)))
}

func TestMemory_CopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	data := []byte("abc")
	require.NoError(t, store.Put(ctx, "k", data))
	data[0] = 'x'

	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Backend: "memory"}.Validate())
	assert.True(t, errors.IsInvalid(Config{Backend: "badger"}.Validate()))
	assert.True(t, errors.IsInvalid(Config{Backend: "sqlite"}.Validate()))
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
