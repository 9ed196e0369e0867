package dispatcher

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/jobs"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
)

type harness struct {
	reg     *registry.Registry
	plugins *registry.Plugins
	sup     *jobs.Supervisor
	d       *Dispatcher
	authn   *auth.Authenticator
	metrics *metric.Metrics
}

func newHarness(t *testing.T, cfg Config, methods ...*registry.Descriptor) *harness {
	t.Helper()
	metrics := metric.NewMetricsRegistry().CoreMetrics()
	reg := registry.New()
	plugins := registry.NewPlugins(reg, nil)
	require.NoError(t, plugins.Add(&registry.Plugin{Name: "test", Methods: methods}))

	var d *Dispatcher
	sup, err := jobs.NewSupervisor(jobs.Config{}, jobs.WithExecutor(func(fn func()) error { return d.RunBlocking(fn) }))
	require.NoError(t, err)
	d = New(cfg, reg, sup, WithMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = d.Stop(time.Second)
		_ = sup.Stop(time.Second)
	})

	authn := auth.NewAuthenticator(reg.Roles(), nil, nil, auth.NewSessions(time.Minute), auth.NewLimiter(5, time.Minute))
	return &harness{reg: reg, plugins: plugins, sup: sup, d: d, authn: authn, metrics: metrics}
}

func (h *harness) session(roles ...string) *CallContext {
	s := auth.NewSession("websocket", "192.0.2.10:40000")
	h.authn.Grant(s, auth.Credentials{Kind: auth.KindPassword, Username: "alice", Granted: roles})
	return &CallContext{Session: s, Transport: "websocket"}
}

func anonymous() *CallContext {
	return &CallContext{Session: auth.NewSession("websocket", "192.0.2.10:40000"), Transport: "websocket"}
}

func echo() *registry.Descriptor {
	return registry.NewDescriptor("test.echo").
		Params(schema.Required("msg", schema.String())).
		Returns(schema.String()).
		Handler(func(_ context.Context, _ *CallContext, args []any) (any, error) {
			return args[0], nil
		}).
		Build()
}

func TestCallEcho(t *testing.T) {
	h := newHarness(t, Config{}, echo())
	cc := h.session(auth.FullAdmin)

	res, err := h.d.Call(context.Background(), cc, "test.echo", []any{"hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res)

	_, err = h.d.Call(context.Background(), cc, "test.echo", nil)
	ce := errors.AsCallError(err)
	require.NotNil(t, ce)
	assert.Equal(t, errors.EINVAL, ce.Errno)
	items := ce.Extra.(map[string]any)["errors"].([]errors.ValidationError)
	require.Len(t, items, 1)
	assert.Equal(t, "msg", items[0].Path)
	assert.Equal(t, "required", items[0].Code)

	_, err = h.d.Call(context.Background(), cc, "test.missing", nil)
	assert.Equal(t, errors.ENOMETHOD, errors.ErrnoOf(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsTotal.WithLabelValues("test.echo", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CallsTotal.WithLabelValues("unknown", "201")))
}

func TestAuthorizationBeforeValidation(t *testing.T) {
	validated := false
	create := registry.NewDescriptor("pool.dataset.create").
		Params(schema.Required("data", schema.Object(schema.Required("name", schema.String())))).
		Roles("DATASET_WRITE").
		Handler(func(context.Context, *CallContext, []any) (any, error) {
			validated = true
			return map[string]any{"id": "tank/a"}, nil
		}).
		Build()
	h := newHarness(t, Config{}, create)

	_, err := h.d.Call(context.Background(), anonymous(), "pool.dataset.create", []any{"not an object"})
	assert.Equal(t, errors.EACCES, errors.ErrnoOf(err))

	_, err = h.d.Call(context.Background(), h.session(auth.ReadonlyAdmin), "pool.dataset.create", []any{"not an object"})
	assert.Equal(t, errors.EACCES, errors.ErrnoOf(err))

	_, err = h.d.Call(context.Background(), h.session("DATASET_WRITE"), "pool.dataset.create", []any{"not an object"})
	assert.Equal(t, errors.EINVAL, errors.ErrnoOf(err))
	assert.False(t, validated)

	_, err = h.d.Call(context.Background(), h.session(auth.FullAdmin), "pool.dataset.create", []any{map[string]any{"name": "a"}})
	require.NoError(t, err)
	assert.True(t, validated)
}

func TestNoAuthAndPrivate(t *testing.T) {
	ping := registry.NewDescriptor("test.ping").NoAuth().
		Handler(func(context.Context, *CallContext, []any) (any, error) { return "pong", nil }).Build()
	private := registry.NewDescriptor("test.internal").Private().
		Handler(func(context.Context, *CallContext, []any) (any, error) { return true, nil }).Build()
	h := newHarness(t, Config{}, ping, private)

	res, err := h.d.Call(context.Background(), anonymous(), "test.ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", res)

	_, err = h.d.Call(context.Background(), h.session(auth.FullAdmin), "test.internal", nil)
	assert.Equal(t, errors.EACCES, errors.ErrnoOf(err))

	res, err = h.d.CallInternal(context.Background(), "test.internal")
	require.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestThrottle(t *testing.T) {
	limited := registry.NewDescriptor("test.limited").Throttle("limited").
		Handler(func(context.Context, *CallContext, []any) (any, error) { return nil, nil }).Build()
	h := newHarness(t, Config{ThrottleBurst: 2, ThrottleRefill: time.Minute}, limited)
	cc := h.session(auth.FullAdmin)

	for i := 0; i < 2; i++ {
		_, err := h.d.Call(context.Background(), cc, "test.limited", nil)
		require.NoError(t, err)
	}
	_, err := h.d.Call(context.Background(), cc, "test.limited", nil)
	ce := errors.AsCallError(err)
	require.NotNil(t, ce)
	assert.Equal(t, errors.EBUSY, ce.Errno)
	retry := ce.Extra.(map[string]any)["retry_after"].(float64)
	assert.InDelta(t, 60, retry, 1)

	// internal callers are not throttled
	_, err = h.d.CallInternal(context.Background(), "test.limited")
	assert.NoError(t, err)
}

func TestThrottleBucketPerOrigin(t *testing.T) {
	limited := registry.NewDescriptor("test.limited").Throttle("limited").
		Handler(func(context.Context, *CallContext, []any) (any, error) { return nil, nil }).Build()
	h := newHarness(t, Config{ThrottleBurst: 1, ThrottleRefill: time.Minute}, limited)

	first := h.session(auth.FullAdmin)
	sameHost := h.session(auth.FullAdmin)
	other := auth.NewSession("websocket", "198.51.100.7:50000")
	h.authn.Grant(other, auth.Credentials{Kind: auth.KindPassword, Username: "bob", Granted: []string{auth.FullAdmin}})

	_, err := h.d.Call(context.Background(), first, "test.limited", nil)
	require.NoError(t, err)

	// A second connection from the same address shares the bucket
	_, err = h.d.Call(context.Background(), sameHost, "test.limited", nil)
	assert.Equal(t, errors.EBUSY, errors.ErrnoOf(err))

	_, err = h.d.Call(context.Background(), &CallContext{Session: other, Transport: "websocket"}, "test.limited", nil)
	assert.NoError(t, err)
}

func TestDeadline(t *testing.T) {
	cooperative := registry.NewDescriptor("test.wait").Deadline(20 * time.Millisecond).
		Handler(func(ctx context.Context, _ *CallContext, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).Build()
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	stubborn := registry.NewDescriptor("test.stubborn").Deadline(20 * time.Millisecond).
		Handler(func(context.Context, *CallContext, []any) (any, error) {
			<-stuck
			return "late", nil
		}).Build()
	h := newHarness(t, Config{Grace: 50 * time.Millisecond}, cooperative, stubborn)
	cc := h.session(auth.FullAdmin)

	_, err := h.d.Call(context.Background(), cc, "test.wait", nil)
	assert.Equal(t, errors.ETIMEDOUT, errors.ErrnoOf(err))

	start := time.Now()
	_, err = h.d.Call(context.Background(), cc, "test.stubborn", nil)
	assert.Equal(t, errors.ETIMEDOUT, errors.ErrnoOf(err))
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	unbounded := registry.NewDescriptor("test.forever").Deadline(0).
		Handler(func(ctx context.Context, _ *CallContext, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).Build()
	unbounded.Plugin = "test"
	require.NoError(t, h.reg.Register(unbounded))
	_, err = h.d.Call(ctx, cc, "test.forever", nil)
	assert.Equal(t, errors.ECANCELED, errors.ErrnoOf(err))
}

func TestBlockingQueueFull(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	blocking := registry.NewDescriptor("test.blocking").Blocking().
		Handler(func(context.Context, *CallContext, []any) (any, error) {
			started.Add(1)
			<-release
			return "done", nil
		}).Build()
	h := newHarness(t, Config{Workers: 1, QueueSize: 1}, blocking)
	cc := h.session(auth.FullAdmin)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.d.Call(context.Background(), cc, "test.blocking", nil)
			results <- err
		}()
		if i == 0 {
			require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)
		}
	}
	require.Eventually(t, func() bool { return h.d.PoolStats().QueueDepth == 1 }, time.Second, time.Millisecond)

	_, err := h.d.Call(context.Background(), cc, "test.blocking", nil)
	assert.Equal(t, errors.EBUSY, errors.ErrnoOf(err))

	close(release)
	wg.Wait()
	close(results)
	for err := range results {
		assert.NoError(t, err)
	}
}

func TestResultValidation(t *testing.T) {
	wrong := func(context.Context, *CallContext, []any) (any, error) { return 5, nil }
	strict := registry.NewDescriptor("test.strict").Returns(schema.String()).Handler(wrong).Build()
	lenient := registry.NewDescriptor("test.lenient").Returns(schema.String()).AllowResultFallback().Handler(wrong).Build()
	h := newHarness(t, Config{}, strict, lenient)
	cc := h.session(auth.FullAdmin)

	_, err := h.d.Call(context.Background(), cc, "test.strict", nil)
	assert.Equal(t, errors.EINVAL, errors.ErrnoOf(err))

	res, err := h.d.Call(context.Background(), cc, "test.lenient", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res)
}

func TestLockSerializesCalls(t *testing.T) {
	var running, peak atomic.Int32
	locked := registry.NewDescriptor("test.locked").
		Params(schema.Required("key", schema.String())).
		Lock(func(args []any) string { return args[0].(string) }).
		Handler(func(context.Context, *CallContext, []any) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}).Build()
	h := newHarness(t, Config{}, locked)
	cc := h.session(auth.FullAdmin)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.d.Call(context.Background(), cc, "test.locked", []any{"A"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 0, h.d.locks.held())
}

// stubbornLocked ignores cancellation until release is closed and records
// how many handlers ran at once
func stubbornLocked(deadline time.Duration, release <-chan struct{}, running, peak *atomic.Int32) *registry.Descriptor {
	return registry.NewDescriptor("test.stubborn_locked").Deadline(deadline).
		Params(schema.Required("key", schema.String())).
		Lock(func(args []any) string { return args[0].(string) }).
		Handler(func(context.Context, *CallContext, []any) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			return nil, nil
		}).Build()
}

func TestLockWaitCountsAgainstDeadline(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	deadline, grace := 200*time.Millisecond, 100*time.Millisecond
	h := newHarness(t, Config{Grace: grace}, stubbornLocked(deadline, release, &running, &peak))
	cc := h.session(auth.FullAdmin)
	t.Cleanup(func() { close(release) })

	first := make(chan error, 1)
	go func() {
		_, err := h.d.Call(context.Background(), cc, "test.stubborn_locked", []any{"A"})
		first <- err
	}()
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	_, err := h.d.Call(context.Background(), cc, "test.stubborn_locked", []any{"A"})
	elapsed := time.Since(start)
	assert.Equal(t, errors.ETIMEDOUT, errors.ErrnoOf(err))
	assert.Less(t, elapsed, deadline+grace)

	assert.Equal(t, errors.ETIMEDOUT, errors.ErrnoOf(<-first))
}

func TestLockHeldUntilAbandonedHandlerExits(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	h := newHarness(t, Config{Grace: 10 * time.Millisecond}, stubbornLocked(50*time.Millisecond, release, &running, &peak))
	cc := h.session(auth.FullAdmin)

	_, err := h.d.Call(context.Background(), cc, "test.stubborn_locked", []any{"A"})
	assert.Equal(t, errors.ETIMEDOUT, errors.ErrnoOf(err))
	assert.Equal(t, int32(1), running.Load())

	// The first handler still runs, so the key is still taken
	_, err = h.d.Call(context.Background(), cc, "test.stubborn_locked", []any{"A"})
	assert.Equal(t, errors.ETIMEDOUT, errors.ErrnoOf(err))

	close(release)
	require.Eventually(t, func() bool { return h.d.locks.held() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
}

func TestCallDepth(t *testing.T) {
	var deepest atomic.Int32
	recurse := registry.NewDescriptor("test.recurse").
		Handler(func(ctx context.Context, cc *CallContext, _ []any) (any, error) {
			deepest.Store(int32(cc.Depth))
			return cc.Call(ctx, "test.recurse")
		}).Build()
	h := newHarness(t, Config{}, recurse)

	_, err := h.d.Call(context.Background(), h.session(auth.FullAdmin), "test.recurse", nil)
	assert.Equal(t, errors.ELOOP, errors.ErrnoOf(err))
	assert.Equal(t, int32(31), deepest.Load())
}

func TestPanicQuarantinesCriticalPlugin(t *testing.T) {
	boom := registry.NewDescriptor("test.boom").Critical().
		Handler(func(context.Context, *CallContext, []any) (any, error) { panic("disk exploded") }).Build()
	h := newHarness(t, Config{}, boom, echo())
	cc := h.session(auth.FullAdmin)

	_, err := h.d.Call(context.Background(), cc, "test.boom", nil)
	ce := errors.AsCallError(err)
	require.NotNil(t, ce)
	assert.Equal(t, errors.EFAULT, ce.Errno)
	assert.NotEmpty(t, ce.Trace)
	assert.NotContains(t, ce.Reason, "disk exploded")

	_, err = h.d.Call(context.Background(), cc, "test.echo", []any{"hi"})
	assert.Equal(t, errors.EPERM, errors.ErrnoOf(err))

	fixed := echo()
	fixed.Plugin = "test"
	require.NoError(t, h.reg.Register(fixed))
	_, err = h.d.Call(context.Background(), cc, "test.echo", []any{"hi"})
	assert.NoError(t, err)

	plain := registry.NewDescriptor("test.fails").
		Handler(func(context.Context, *CallContext, []any) (any, error) { return nil, stderrors.New("unexpected") }).Build()
	plain.Plugin = "test"
	require.NoError(t, h.reg.Register(plain))
	_, err = h.d.Call(context.Background(), cc, "test.fails", nil)
	assert.Equal(t, errors.EFAULT, errors.ErrnoOf(err))
	_, quarantined := h.reg.IsQuarantined("test")
	assert.False(t, quarantined)
}

func TestMocks(t *testing.T) {
	h := newHarness(t, Config{}, echo())
	cc := h.session(auth.FullAdmin)

	require.NoError(t, h.d.SetMock("test.echo", func(context.Context, *CallContext, []any) (any, error) {
		return "mocked", nil
	}))
	res, err := h.d.Call(context.Background(), cc, "test.echo", []any{"hi"})
	require.NoError(t, err)
	assert.Equal(t, "mocked", res)

	_, err = h.d.Call(context.Background(), cc, "test.echo", nil)
	assert.Equal(t, errors.EINVAL, errors.ErrnoOf(err))

	h.d.RemoveMock("test.echo")
	res, err = h.d.Call(context.Background(), cc, "test.echo", []any{"hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res)

	assert.Equal(t, errors.ENOMETHOD, errors.ErrnoOf(h.d.SetMock("test.nope", nil)))
}

func TestJobMethods(t *testing.T) {
	login := registry.NewDescriptor("test.connect").
		Params(
			schema.Required("host", schema.String()),
			schema.Required("password", schema.Secret(schema.String())),
		).
		Job(registry.Blocking).
		Returns(schema.Object(schema.Required("ok", schema.Bool()))).
		Handler(func(_ context.Context, cc *CallContext, args []any) (any, error) {
			cc.Job.SetProgress(50, "connecting to "+args[0].(string), nil)
			return map[string]any{"ok": true}, nil
		}).Build()
	h := newHarness(t, Config{}, login)
	cc := h.session(auth.FullAdmin)

	id, err := h.d.Call(context.Background(), cc, "test.connect", []any{"nas", "hunter2"})
	require.NoError(t, err)
	job, ok := h.d.Job(id.(uint64))
	require.True(t, ok)
	res, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res)

	rec := job.Record()
	assert.Equal(t, []any{"nas", "********"}, rec.Arguments)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, 100.0, rec.Progress.Percent)

	res, err = h.d.CallWithJob(context.Background(), cc, "test.connect", []any{"nas", "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res)
}

func TestKeyedMutexHonorsContext(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, k.held())
}
