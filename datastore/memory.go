package datastore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/truenas/middlewared/errors"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements Store
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "datastore", "Get", "read "+key)
	}
	v, ok := m.data[key]
	if !ok {
		return nil, notFound("Get", key)
	}
	return clone(v), nil
}

// Put implements Store
func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "datastore", "Put", "empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Wrap(errors.ErrStorageUnavailable, "datastore", "Put", "write "+key)
	}
	m.data[key] = clone(data)
	return nil
}

// Delete implements Store
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// List implements Store
func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := m.Query(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Query implements Store
func (m *Memory) Query(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close implements Store
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
