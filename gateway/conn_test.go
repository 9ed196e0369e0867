package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/registry"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

func (w *recordingWriter) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, f)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) snapshot() []Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Frame(nil), w.frames...)
}

func (w *recordingWriter) find(msg, id string) (Frame, bool) {
	for _, f := range w.snapshot() {
		if f.Msg == msg && f.Key() == id {
			return f, true
		}
	}
	return Frame{}, false
}

// fakeBackend blocks calls to "test.block" until release is closed
type fakeBackend struct {
	release chan struct{}
}

func (b *fakeBackend) Call(ctx context.Context, _ *registry.CallContext, path string, args []any) (any, error) {
	switch path {
	case "test.block":
		select {
		case <-b.release:
			return "released", nil
		case <-ctx.Done():
			return nil, errors.Canceled("connection closed")
		}
	case "test.echo":
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	}
	return nil, errors.NoMethod(path)
}

func (b *fakeBackend) Lookup(string) (*registry.Descriptor, bool) {
	return nil, false
}

func newTestConn(t *testing.T, roles ...string) (*Conn, *recordingWriter, *eventbus.Bus, *fakeBackend) {
	t.Helper()
	bus := eventbus.New()
	require.NoError(t, bus.Register(eventbus.TopicSpec{Name: "pool.query"}))
	require.NoError(t, bus.Register(eventbus.TopicSpec{Name: "pool.secret", Roles: []string{auth.System}}))

	backend := &fakeBackend{release: make(chan struct{})}
	srv := NewServer(backend, bus)
	session := auth.NewSession("test", "127.0.0.1:1")
	if len(roles) > 0 {
		authn := auth.NewAuthenticator(auth.DefaultRoles(), nil, nil, auth.NewSessions(time.Minute), auth.NewLimiter(5, time.Minute))
		authn.Grant(session, auth.Credentials{Kind: auth.KindPassword, Username: "alice", Granted: roles})
	}
	w := &recordingWriter{}
	c := srv.NewConn("test", session, w)
	t.Cleanup(c.Close)
	require.NoError(t, c.HandleRaw([]byte(`{"msg":"connect","version":"1"}`)))
	return c, w, bus, backend
}

func id(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

func TestConnectVersionMismatch(t *testing.T) {
	srv := NewServer(&fakeBackend{}, eventbus.New())
	w := &recordingWriter{}
	c := srv.NewConn("test", auth.NewSession("test", ""), w)
	defer c.Close()

	err := c.HandleRaw([]byte(`{"msg":"connect","version":"0"}`))
	assert.Error(t, err)
	frames := w.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, MsgFailed, frames[0].Msg)
	assert.Equal(t, ProtocolVersion, frames[0].Version)
}

func TestMalformedFrame(t *testing.T) {
	c, w, _, _ := newTestConn(t)
	require.NoError(t, c.HandleRaw([]byte(`{not json`)))
	require.NoError(t, c.HandleRaw([]byte(`{"id":"x"}`)))

	frames := w.snapshot()
	require.Len(t, frames, 3)
	for _, f := range frames[1:] {
		assert.Equal(t, MsgError, f.Msg)
		assert.Equal(t, int(errors.EINVAL), f.Error.Errno)
	}
}

func TestDuplicateInFlightIDDropped(t *testing.T) {
	c, w, _, backend := newTestConn(t, auth.FullAdmin)

	require.NoError(t, c.Handle(Frame{ID: id("a"), Msg: MsgMethod, Method: "test.block"}))
	require.NoError(t, c.Handle(Frame{ID: id("a"), Msg: MsgMethod, Method: "test.echo", Params: []any{"dup"}}))
	close(backend.release)

	require.Eventually(t, func() bool {
		_, ok := w.find(MsgResult, `"a"`)
		return ok
	}, time.Second, 5*time.Millisecond)
	c.Close()

	var results []Frame
	for _, f := range w.snapshot() {
		if f.Msg == MsgResult {
			results = append(results, f)
		}
	}
	require.Len(t, results, 1, "the duplicate gets no response")
	assert.Equal(t, "released", results[0].Result)

	// the id is free again once answered
	c2, w2, _, _ := newTestConn(t, auth.FullAdmin)
	require.NoError(t, c2.Handle(Frame{ID: id("a"), Msg: MsgMethod, Method: "test.echo", Params: []any{1.0}}))
	require.Eventually(t, func() bool {
		_, ok := w2.find(MsgResult, `"a"`)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestMethodWithoutID(t *testing.T) {
	c, w, _, _ := newTestConn(t, auth.FullAdmin)
	require.NoError(t, c.Handle(Frame{Msg: MsgMethod, Method: "test.echo"}))
	frames := w.snapshot()
	assert.Equal(t, MsgError, frames[len(frames)-1].Msg)
}

func TestCloseCancelsInFlight(t *testing.T) {
	c, w, _, _ := newTestConn(t, auth.FullAdmin)
	require.NoError(t, c.Handle(Frame{ID: id("b"), Msg: MsgMethod, Method: "test.block"}))
	c.Close()

	f, ok := w.find(MsgError, `"b"`)
	require.True(t, ok, "Close waits for the call to finish")
	assert.Equal(t, int(errors.ECANCELED), f.Error.Errno)
	assert.True(t, w.closed)
}

func TestWildcardSubscriptionFiltersByRole(t *testing.T) {
	c, w, bus, _ := newTestConn(t, auth.FullAdmin)
	require.NoError(t, c.Handle(Frame{ID: id("s"), Msg: MsgSub, Name: "pool.*"}))
	require.Eventually(t, func() bool { return bus.SubscriptionCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := bus.Publish("pool.secret", eventbus.Added, 1, map[string]any{"hidden": true})
	require.NoError(t, err)
	_, err = bus.Publish("pool.query", eventbus.Changed, 2, map[string]any{"name": "tank"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, f := range w.snapshot() {
			if f.Msg == MsgEvent {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var events []Frame
	for _, f := range w.snapshot() {
		if f.Msg == MsgEvent {
			events = append(events, f)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, "pool.*", events[0].Name)
	assert.Equal(t, "pool.query", events[0].Collection)
	assert.Equal(t, "CHANGED", events[0].MsgType)
}

func TestLostMarkerFollowsTopicRoles(t *testing.T) {
	c, _, _, _ := newTestConn(t, auth.FullAdmin)
	marker := func(topic string) eventbus.Event {
		return eventbus.Event{Topic: eventbus.LostTopic, Fields: map[string]any{"count": 3.0, "topic": topic}}
	}

	assert.True(t, c.allowed(marker("pool.query")))
	assert.False(t, c.allowed(marker("pool.secret")))
	assert.False(t, c.allowed(eventbus.Event{Topic: "pool.secret"}))

	system, _, _, _ := newTestConn(t, auth.FullAdmin, auth.System)
	assert.True(t, system.allowed(marker("pool.secret")))
}

func TestExactSubscriptionChecksRoles(t *testing.T) {
	c, w, _, _ := newTestConn(t, auth.FullAdmin)
	require.NoError(t, c.Handle(Frame{ID: id("s"), Msg: MsgSub, Name: "pool.secret"}))

	f, ok := w.find(MsgNoSub, `"s"`)
	require.True(t, ok)
	require.NotNil(t, f.Error)
	assert.Equal(t, int(errors.EACCES), f.Error.Errno)
}

func TestDuplicateSubscriptionAndUnsub(t *testing.T) {
	c, w, bus, _ := newTestConn(t, auth.FullAdmin)
	require.NoError(t, c.Handle(Frame{ID: id("s"), Msg: MsgSub, Name: "pool.query"}))
	require.NoError(t, c.Handle(Frame{ID: id("s"), Msg: MsgSub, Name: "pool.query"}))

	f, ok := w.find(MsgNoSub, `"s"`)
	require.True(t, ok)
	assert.Equal(t, int(errors.EEXIST), f.Error.Errno)
	assert.Equal(t, 1, bus.SubscriptionCount())

	require.NoError(t, c.Handle(Frame{ID: id("s"), Msg: MsgUnsub}))
	require.Eventually(t, func() bool { return bus.SubscriptionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeOptions(t *testing.T) {
	opts, err := subscribeOptions([]any{map[string]any{"since": 3.0, "capacity": 8.0, "policy": "drop-newest"}})
	require.NoError(t, err)
	require.NotNil(t, opts.Since)
	assert.Equal(t, uint64(3), *opts.Since)
	assert.Equal(t, 8, opts.Capacity)
	assert.True(t, opts.HasPolicy)

	_, err = subscribeOptions([]any{map[string]any{"policy": "sometimes"}})
	assert.True(t, errors.IsErrno(err, errors.EINVAL))

	_, err = subscribeOptions([]any{"nope"})
	assert.Error(t, err)
}

func TestIsWildcard(t *testing.T) {
	assert.True(t, isWildcard("*"))
	assert.True(t, isWildcard("pool.*"))
	assert.False(t, isWildcard("pool.query"))
	assert.False(t, isWildcard(""))
}
