package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/pkg/buffer"
)

func collect(t *testing.T, s *Subscription, n int) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]Event, 0, n)
	for len(out) < n {
		ev, err := s.Next(ctx)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "pool.query", true},
		{"pool.query", "pool.query", true},
		{"pool.query", "pool.queryx", false},
		{"pool.*", "pool.query", true},
		{"pool.*", "pool.dataset.query", false},
		{"pool.*", "pool.", false},
		{"pool.*", "pools.query", false},
		{"core.get_jobs", "core.get_jobs", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.topic), "%s ~ %s", tt.pattern, tt.topic)
	}

	assert.True(t, ValidPattern("a.b.*"))
	assert.False(t, ValidPattern("a.*.b"))
	assert.False(t, ValidPattern("a..b"))
	assert.False(t, ValidPattern(""))
}

func TestBackpressure_DropOldestEmitsOneMarker(t *testing.T) {
	bus := New()
	sub, err := bus.Subscribe("test.burst", SubscribeOptions{Capacity: 4, Policy: buffer.DropOldest, HasPolicy: true})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := bus.Publish("test.burst", Added, i, map[string]any{"n": i})
		require.NoError(t, err)
	}

	events := sub.Drain(100)
	require.Len(t, events, 5)

	lost := events[0]
	assert.True(t, lost.IsLost())
	assert.Equal(t, map[string]any{"count": 6.0, "topic": "test.burst"}, lost.Fields)
	assert.Equal(t, "test.burst", lost.LostFrom())
	assert.Empty(t, events[1].LostFrom())

	for i, ev := range events[1:] {
		assert.Equal(t, uint64(7+i), ev.Sequence)
	}
}

func TestBackpressure_DropNewestMarkerFollowsQueued(t *testing.T) {
	bus := New()
	sub, err := bus.Subscribe("test.burst", SubscribeOptions{Capacity: 2, Policy: buffer.DropNewest, HasPolicy: true})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _ = bus.Publish("test.burst", NoKind, nil, nil)
	}
	events := sub.Drain(10)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.True(t, events[2].IsLost())
	assert.Equal(t, 3.0, events[2].Fields.(map[string]any)["count"])

	_, _ = bus.Publish("test.burst", NoKind, nil, nil)
	events = sub.Drain(10)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(6), events[0].Sequence)
}

func TestBackpressure_DisconnectClosesSubscription(t *testing.T) {
	bus := New()
	require.NoError(t, bus.Register(TopicSpec{Name: "audit.authentication"}))

	var closedWith error
	sub, err := bus.Subscribe("audit.authentication", SubscribeOptions{
		Capacity: 1,
		OnClose:  func(err error) { closedWith = err },
	})
	require.NoError(t, err)
	assert.Equal(t, buffer.Reject, sub.Policy())

	_, _ = bus.Publish("audit.authentication", NoKind, nil, map[string]any{"ok": true})
	_, _ = bus.Publish("audit.authentication", NoKind, nil, map[string]any{"ok": false})

	require.Error(t, closedWith)
	assert.Equal(t, errors.EBUSY, errors.ErrnoOf(closedWith))
	assert.Equal(t, 0, bus.SubscriptionCount())

	// the queued event is still readable, then the cause surfaces
	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, ev.Fields.(map[string]any)["ok"])
	_, err = sub.Next(context.Background())
	assert.Equal(t, errors.EBUSY, errors.ErrnoOf(err))
}

func TestStickyReplay(t *testing.T) {
	bus := New()
	require.NoError(t, bus.Register(TopicSpec{Name: "system.ready", Sticky: true}))

	_, err := bus.Publish("system.ready", NoKind, nil, map[string]any{"boot": 1})
	require.NoError(t, err)
	_, err = bus.Publish("system.ready", NoKind, nil, map[string]any{"boot": 2})
	require.NoError(t, err)

	sub, err := bus.Subscribe("system.*", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	_, err = bus.Publish("system.ready", NoKind, nil, map[string]any{"boot": 3})
	require.NoError(t, err)

	events := collect(t, sub, 2)
	assert.Equal(t, 2.0, events[0].Fields.(map[string]any)["boot"])
	assert.True(t, events[0].Sticky)
	assert.Equal(t, 3.0, events[1].Fields.(map[string]any)["boot"])

	last, ok := bus.Sticky("system.ready")
	require.True(t, ok)
	assert.Equal(t, uint64(3), last.Sequence)
}

func TestSinceReplay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	bus := New(WithClock(clock), WithReplayWindow(time.Minute))

	for i := 0; i < 5; i++ {
		_, _ = bus.Publish("pool.query", Changed, i, nil)
	}

	since := uint64(3)
	sub, err := bus.Subscribe("pool.query", SubscribeOptions{Since: &since})
	require.NoError(t, err)
	events := sub.Drain(10)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].Sequence)
	assert.Equal(t, uint64(5), events[1].Sequence)

	now = now.Add(2 * time.Minute)
	_, err = bus.Subscribe("pool.query", SubscribeOptions{Since: &since})
	assert.Equal(t, errors.EAGAIN, errors.ErrnoOf(err))

	current := uint64(5)
	_, err = bus.Subscribe("pool.query", SubscribeOptions{Since: &current})
	assert.NoError(t, err)
}

func TestPerTopicOrderingUnderConcurrency(t *testing.T) {
	bus := New()
	sub, err := bus.Subscribe("*", SubscribeOptions{Capacity: 10000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, topic := range []string{"a.x", "b.x", "c.x"} {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = bus.Publish(topic, NoKind, nil, nil)
			}
		}(topic)
	}
	wg.Wait()

	last := map[string]uint64{}
	for _, ev := range sub.Drain(1000) {
		assert.Greater(t, ev.Sequence, last[ev.Topic])
		last[ev.Topic] = ev.Sequence
	}
	assert.Equal(t, uint64(200), last["a.x"])
}

func TestTopicSchemaValidation(t *testing.T) {
	bus := New()
	require.NoError(t, bus.Register(TopicSpec{
		Name: "alert.list",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"klass"},
			"properties": map[string]any{
				"klass": map[string]any{"type": "string"},
			},
		},
	}))

	_, err := bus.Publish("alert.list", Added, "a1", map[string]any{"klass": "PoolDegraded"})
	require.NoError(t, err)

	_, err = bus.Publish("alert.list", Added, "a2", map[string]any{"klass": 5})
	require.Error(t, err)
	ce := errors.AsCallError(err)
	assert.Equal(t, errors.EINVAL, ce.Errno)
	assert.NotEmpty(t, ce.Extra.(map[string]any)["errors"])

	err = bus.Register(TopicSpec{Name: "bad.schema", Schema: map[string]any{"type": 12}})
	assert.True(t, errors.IsInvalid(err))
}

func TestFilters(t *testing.T) {
	filters, err := ParseFilters([]any{
		[]any{"state", "in", []any{"RUNNING", "WAITING"}},
		[]any{"progress.percent", ">=", 10},
		[]any{"method", "^", "pool."},
	})
	require.NoError(t, err)

	bus := New()
	sub, err := bus.Subscribe("core.get_jobs", SubscribeOptions{Filters: filters})
	require.NoError(t, err)

	publish := func(state string, pct int, method string) {
		_, err := bus.Publish("core.get_jobs", Changed, 1, map[string]any{
			"state": state, "method": method, "progress": map[string]any{"percent": pct},
		})
		require.NoError(t, err)
	}
	publish("RUNNING", 50, "pool.scrub")
	publish("SUCCESS", 100, "pool.scrub")
	publish("RUNNING", 5, "pool.scrub")
	publish("RUNNING", 20, "disk.wipe")

	events := sub.Drain(10)
	require.Len(t, events, 1)
	assert.Equal(t, "RUNNING", events[0].Fields.(map[string]any)["state"])

	_, err = ParseFilters([]any{[]any{"a", "~", 1}})
	assert.Equal(t, errors.EINVAL, errors.ErrnoOf(err))

	idFilter := []Filter{{Field: "id", Op: "=", Value: 7}}
	assert.True(t, Event{ID: 7.0, Fields: map[string]any{}}.matches(idFilter))
	assert.True(t, Filter{Field: "missing", Op: "!=", Value: 1}.Match(map[string]any{}))
}

func TestPrivateTopics(t *testing.T) {
	bus := New()
	require.NoError(t, bus.Register(TopicSpec{Name: "cache.invalidate", Private: true}))

	_, err := bus.Subscribe("cache.invalidate", SubscribeOptions{})
	assert.Equal(t, errors.EACCES, errors.ErrnoOf(err))

	public, err := bus.Subscribe("*", SubscribeOptions{})
	require.NoError(t, err)
	internal, err := bus.Subscribe("cache.invalidate", SubscribeOptions{Internal: true})
	require.NoError(t, err)

	_, _ = bus.Publish("cache.invalidate", NoKind, nil, map[string]any{"scope": "disk"})
	assert.Empty(t, public.Drain(10))
	assert.Len(t, internal.Drain(10), 1)
}

func TestMetricsAndClose(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	bus := New(WithMetrics(reg.CoreMetrics()))

	sub, err := bus.Subscribe("x.y", SubscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriptionCount())

	bus.Close()
	assert.Equal(t, 0, bus.SubscriptionCount())
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestTopicsIntrospection(t *testing.T) {
	bus := New()
	require.NoError(t, bus.Register(TopicSpec{Name: "b.topic", Sticky: true}))
	require.NoError(t, bus.Register(TopicSpec{Name: "audit.login"}))

	topics := bus.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "audit.login", topics[0].Name)
	assert.Equal(t, "disconnect", topics[0].Policy)
	assert.Equal(t, "drop-oldest", topics[1].Policy)
	assert.True(t, topics[1].Sticky)

	assert.True(t, errors.IsInvalid(bus.Register(TopicSpec{Name: "a.*"})))
}
