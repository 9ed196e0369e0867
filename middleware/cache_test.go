package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/metric"
)

func TestCacheScopes(t *testing.T) {
	c, err := NewCache(metric.NewMetricsRegistry())
	require.NoError(t, err)

	c.Put("", "a", 1)
	c.Put("disks", "a", 2)
	c.Put("disks", "b", 3)

	v, ok := c.Get(DefaultScope, "a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = c.Get("disks", "a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 3, c.Len())

	assert.Equal(t, 2, c.ResetScope("disks"))
	assert.False(t, c.Has("disks", "b"))
	assert.True(t, c.Has("", "a"))

	v, ok = c.Pop("", "a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = c.Pop("", "a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestInvalidatorResetsScope(t *testing.T) {
	c, err := NewCache(nil)
	require.NoError(t, err)
	bus := eventbus.New()
	defer bus.Close()
	require.NoError(t, bus.Register(InvalidateTopicSpec()))

	inv := NewInvalidator(c, bus, nil)
	require.NoError(t, inv.Start(context.Background()))
	defer func() { _ = inv.Stop(time.Second) }()

	c.Put("shares", "smb", true)
	c.Put("other", "x", true)

	_, err = bus.Publish(InvalidateTopic, eventbus.Changed, nil, map[string]any{"scope": "shares"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !c.Has("shares", "smb") }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Has("other", "x"))
}
