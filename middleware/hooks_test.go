package middleware

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/errors"
)

func TestHooksRunInOrder(t *testing.T) {
	h := NewHooks(nil)
	var mu sync.Mutex
	var calls []string
	record := func(tag string) HookFunc {
		return func(_ context.Context, args ...any) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, fmt.Sprintf("%s:%v", tag, args[0]))
			return nil
		}
	}

	require.NoError(t, h.Register("pool.post_create", record("late"), HookOptions{Order: 10, Sync: true}))
	require.NoError(t, h.Register("pool.post_create", record("early"), HookOptions{Order: -1, Sync: true}))
	require.NoError(t, h.Register("pool.post_create", record("middle"), HookOptions{Sync: true}))

	require.NoError(t, h.Call(context.Background(), "pool.post_create", "tank"))
	assert.Equal(t, []string{"early:tank", "middle:tank", "late:tank"}, calls)
	assert.Equal(t, []string{"pool.post_create"}, h.Names())
}

func TestHooksErrors(t *testing.T) {
	h := NewHooks(nil)
	boom := func(context.Context, ...any) error { return errors.Invalid("boom") }
	ran := false

	require.NoError(t, h.Register("logged", boom, HookOptions{Sync: true}))
	require.NoError(t, h.Register("logged", func(context.Context, ...any) error {
		ran = true
		return nil
	}, HookOptions{Sync: true, Order: 1}))
	require.NoError(t, h.Call(context.Background(), "logged"))
	assert.True(t, ran, "a failing hook without RaiseError does not stop later hooks")

	require.NoError(t, h.Register("raised", boom, HookOptions{Sync: true, RaiseError: true}))
	err := h.Call(context.Background(), "raised")
	assert.True(t, errors.IsErrno(err, errors.EINVAL))

	require.NoError(t, h.Register("panics", func(context.Context, ...any) error {
		panic("bad hook")
	}, HookOptions{Sync: true, RaiseError: true}))
	err = h.Call(context.Background(), "panics")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestHooksRegisterValidation(t *testing.T) {
	h := NewHooks(nil)
	noop := func(context.Context, ...any) error { return nil }

	assert.Error(t, h.Register("", noop, HookOptions{}))
	assert.Error(t, h.Register("x", nil, HookOptions{}))
	assert.Error(t, h.Register("x", noop, HookOptions{RaiseError: true}), "raise_error needs sync")

	require.NoError(t, h.Register("x", noop, HookOptions{Blockable: true}))
	assert.Error(t, h.Register("x", noop, HookOptions{}), "blockable must agree")
}

func TestHooksBlock(t *testing.T) {
	h := NewHooks(nil)
	count := 0
	require.NoError(t, h.Register("service.reload", func(context.Context, ...any) error {
		count++
		return nil
	}, HookOptions{Sync: true, Blockable: true}))
	require.NoError(t, h.Register("fixed", func(context.Context, ...any) error { return nil }, HookOptions{Sync: true}))

	_, err := h.Block("fixed")
	assert.True(t, errors.IsErrno(err, errors.EPERM))

	outer, err := h.Block("service.reload")
	require.NoError(t, err)
	inner, err := h.Block("service.reload")
	require.NoError(t, err)

	require.NoError(t, h.Call(context.Background(), "service.reload"))
	assert.Equal(t, 0, count)

	inner()
	inner()
	assert.True(t, h.Blocked("service.reload"), "a release function only counts once")

	outer()
	assert.False(t, h.Blocked("service.reload"))
	require.NoError(t, h.Call(context.Background(), "service.reload"))
	assert.Equal(t, 1, count)
}

func TestHooksBackground(t *testing.T) {
	h := NewHooks(nil)
	release := make(chan struct{})
	done := make(chan struct{})
	require.NoError(t, h.Register("async", func(ctx context.Context, _ ...any) error {
		<-release
		assert.NoError(t, ctx.Err(), "background hooks outlive the caller's context")
		close(done)
		return nil
	}, HookOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Call(ctx, "async"))
	cancel()

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, h.Wait(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, h.Wait(context.Background()))
	<-done
}
