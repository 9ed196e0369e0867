package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/dispatcher"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/gateway"
	"github.com/truenas/middlewared/jobs"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
)

type testEnv struct {
	bus       *eventbus.Bus
	transport *Transport
	url       string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New()
	plugins := registry.NewPlugins(reg, nil)
	authn := auth.NewAuthenticator(reg.Roles(), nil, nil, auth.NewSessions(time.Minute), auth.NewLimiter(5, time.Minute))

	echo := registry.NewDescriptor("test.echo").
		Params(schema.Required("msg", schema.String())).
		Returns(schema.String()).
		Handler(func(_ context.Context, _ *registry.CallContext, args []any) (any, error) {
			return args[0], nil
		}).
		Build()
	login := registry.NewDescriptor("test.login").
		NoAuth().
		SessionMutating().
		Returns(schema.Bool()).
		Handler(func(_ context.Context, cc *registry.CallContext, _ []any) (any, error) {
			authn.Grant(cc.Session, auth.Credentials{Kind: auth.KindPassword, Username: "alice", Granted: []string{auth.FullAdmin}})
			return true, nil
		}).
		Build()
	require.NoError(t, plugins.Add(&registry.Plugin{Name: "test", Methods: []*registry.Descriptor{echo, login}}))

	var d *dispatcher.Dispatcher
	sup, err := jobs.NewSupervisor(jobs.Config{}, jobs.WithExecutor(func(fn func()) error { return d.RunBlocking(fn) }))
	require.NoError(t, err)
	d = dispatcher.New(dispatcher.Config{}, reg, sup)
	require.NoError(t, d.Start(context.Background()))

	bus := eventbus.New()
	require.NoError(t, bus.Register(eventbus.TopicSpec{Name: "test.topic"}))
	require.NoError(t, bus.Register(eventbus.TopicSpec{Name: "test.secret", Roles: []string{auth.System}}))

	srv := gateway.NewServer(d, bus, gateway.WithSessions(authn.Sessions()))
	cfg := gateway.DefaultConfig()
	cfg.PingInterval = time.Second
	tr, err := New(cfg, srv, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	mux := http.NewServeMux()
	tr.RegisterHTTPHandlers(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		_ = tr.Stop(time.Second)
		ts.Close()
		_ = d.Stop(time.Second)
		_ = sup.Stop(time.Second)
	})
	return &testEnv{
		bus:       bus,
		transport: tr,
		url:       "ws" + strings.TrimPrefix(ts.URL, "http") + gateway.DefaultWebSocketPath,
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func connect(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, map[string]any{"msg": "connect", "version": "1", "support": []string{"1"}})
	f := recv(t, conn)
	require.Equal(t, "connected", f["msg"])
	require.NotEmpty(t, f["session"])
}

func TestEchoOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	connect(t, conn)

	send(t, conn, map[string]any{"msg": "method", "id": "c1", "method": "test.echo", "params": []any{"hi"}})
	f := recv(t, conn)
	assert.Equal(t, "error", f["msg"])
	assert.Equal(t, float64(13), f["error"].(map[string]any)["errno"], "anonymous sessions are refused")

	send(t, conn, map[string]any{"msg": "method", "id": 2, "method": "test.login"})
	f = recv(t, conn)
	assert.Equal(t, map[string]any{"msg": "result", "id": float64(2), "result": true}, f)

	send(t, conn, map[string]any{"msg": "method", "id": "c3", "method": "test.echo", "params": []any{"hi"}})
	f = recv(t, conn)
	assert.Equal(t, "result", f["msg"])
	assert.Equal(t, "c3", f["id"])
	assert.Equal(t, "hi", f["result"])

	send(t, conn, map[string]any{"msg": "method", "id": "c4", "method": "test.echo", "params": []any{}})
	f = recv(t, conn)
	require.Equal(t, "error", f["msg"])
	wire := f["error"].(map[string]any)
	assert.Equal(t, float64(22), wire["errno"])
	verrs := wire["extra"].(map[string]any)["errors"].([]any)
	require.Len(t, verrs, 1)
	assert.Equal(t, "msg", verrs[0].(map[string]any)["path"])
	assert.Equal(t, "required", verrs[0].(map[string]any)["code"])

	send(t, conn, map[string]any{"msg": "ping", "id": "p"})
	f = recv(t, conn)
	assert.Equal(t, "pong", f["msg"])
	assert.Equal(t, "p", f["id"])
}

func TestLoginAppliesBeforeNextFrame(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	connect(t, conn)

	// both frames are written before any response is read
	send(t, conn, map[string]any{"msg": "method", "id": "login", "method": "test.login"})
	send(t, conn, map[string]any{"msg": "method", "id": "echo", "method": "test.echo", "params": []any{"after"}})

	got := map[string]map[string]any{}
	for i := 0; i < 2; i++ {
		f := recv(t, conn)
		got[f["id"].(string)] = f
	}
	assert.Equal(t, "result", got["login"]["msg"])
	assert.Equal(t, "result", got["echo"]["msg"])
	assert.Equal(t, "after", got["echo"]["result"])
}

func TestSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	connect(t, conn)

	send(t, conn, map[string]any{"msg": "sub", "id": "s0", "name": "test.topic"})
	f := recv(t, conn)
	assert.Equal(t, "nosub", f["msg"])
	assert.Equal(t, float64(13), f["error"].(map[string]any)["errno"])

	send(t, conn, map[string]any{"msg": "method", "id": "login", "method": "test.login"})
	require.Equal(t, "result", recv(t, conn)["msg"])

	send(t, conn, map[string]any{"msg": "sub", "id": "s1", "name": "test.topic"})
	send(t, conn, map[string]any{"msg": "sub", "id": "s2", "name": "test.secret"})
	f = recv(t, conn)
	assert.Equal(t, "nosub", f["msg"])
	assert.Equal(t, "s2", f["id"])

	require.Eventually(t, func() bool { return env.bus.SubscriptionCount() == 1 }, time.Second, 5*time.Millisecond)
	_, err := env.bus.Publish("test.topic", eventbus.Added, 7, map[string]any{"name": "tank"})
	require.NoError(t, err)

	f = recv(t, conn)
	assert.Equal(t, "event", f["msg"])
	assert.Equal(t, "test.topic", f["collection"])
	assert.Equal(t, "ADDED", f["msg_type"])
	assert.Equal(t, float64(7), f["id"])
	assert.Equal(t, map[string]any{"name": "tank"}, f["fields"])

	send(t, conn, map[string]any{"msg": "unsub", "id": "s1"})
	f = recv(t, conn)
	assert.Equal(t, "nosub", f["msg"])
	require.Eventually(t, func() bool { return env.bus.SubscriptionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFrameBeforeConnectFails(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, map[string]any{"msg": "method", "id": "x", "method": "test.echo", "params": []any{"hi"}})
	f := recv(t, conn)
	assert.Equal(t, "failed", f["msg"])

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return env.transport.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopClosesClients(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	connect(t, conn)
	require.Equal(t, 1, env.transport.ClientCount())

	require.NoError(t, env.transport.Stop(time.Second))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, env.transport.ClientCount())
}
