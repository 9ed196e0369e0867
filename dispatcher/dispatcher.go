package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/health"
	"github.com/truenas/middlewared/jobs"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/pkg/worker"
	"github.com/truenas/middlewared/registry"
)

// CallContext is the caller side of one invocation
type CallContext = registry.CallContext

// Config tunes the dispatcher
type Config struct {
	// Workers and QueueSize size the blocking substrate
	Workers   int
	QueueSize int
	// Grace is how long a handler past its deadline may take to return
	Grace    time.Duration
	MaxDepth int
	// ThrottleBurst tokens per throttle key, one refilled every ThrottleRefill
	ThrottleBurst  int
	ThrottleRefill time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Workers:        16,
		QueueSize:      512,
		Grace:          time.Second,
		MaxDepth:       32,
		ThrottleBurst:  10,
		ThrottleRefill: time.Second,
	}
}

// SessionToucher extends a session's idle window on use
type SessionToucher interface {
	Touch(s *auth.Session)
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records call counts and durations
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithMetricsRegistry exports the blocking pool's metrics
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) { d.metricsRegistry = r }
}

// WithSessions touches sessions on every authorized call
func WithSessions(t SessionToucher) Option {
	return func(d *Dispatcher) { d.sessions = t }
}

// Dispatcher resolves, authorizes, validates and executes method calls
type Dispatcher struct {
	cfg             Config
	registry        *registry.Registry
	jobs            *jobs.Supervisor
	logger          *slog.Logger
	metrics         *metric.Metrics
	metricsRegistry *metric.MetricsRegistry
	sessions        SessionToucher

	pool     *worker.Pool[func()]
	locks    *keyedMutex
	throttle *throttle

	mocksMu sync.RWMutex
	mocks   map[string]registry.Handler
}

// New creates a dispatcher. Zero config fields take defaults.
func New(cfg Config, reg *registry.Registry, sup *jobs.Supervisor, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.ThrottleBurst <= 0 {
		cfg.ThrottleBurst = def.ThrottleBurst
	}
	if cfg.ThrottleRefill <= 0 {
		cfg.ThrottleRefill = def.ThrottleRefill
	}

	d := &Dispatcher{
		cfg:      cfg,
		registry: reg,
		jobs:     sup,
		logger:   slog.Default(),
		locks:    newKeyedMutex(),
		throttle: newThrottle(cfg.ThrottleBurst, cfg.ThrottleRefill),
		mocks:    make(map[string]registry.Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")

	poolOpts := []worker.Option[func()]{
		worker.WithErrorHandler[func()](func(_ func(), err error) {
			d.logger.Error("Blocking task failed", "error", err)
		}),
	}
	if d.metricsRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[func()](d.metricsRegistry, "blocking_pool"))
	}
	d.pool = worker.NewPool[func()](cfg.Workers, cfg.QueueSize, func(_ context.Context, fn func()) error {
		fn()
		return nil
	}, poolOpts...)
	return d
}

// Name implements service.Service
func (d *Dispatcher) Name() string { return "dispatcher" }

// Start launches the blocking pool
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Stop drains the blocking pool
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

// RunBlocking queues fn on the blocking substrate. It is the executor for
// blocking job bodies.
func (d *Dispatcher) RunBlocking(fn func()) error {
	if err := d.pool.Submit(fn); err != nil {
		return errors.Busy("Blocking call queue is full")
	}
	return nil
}

// PoolStats reports the blocking substrate
func (d *Dispatcher) PoolStats() worker.PoolStats {
	return d.pool.Stats()
}

// SetMock replaces the handler of path until RemoveMock. Arguments are
// still validated against the real descriptor.
func (d *Dispatcher) SetMock(path string, h registry.Handler) error {
	if _, ok := d.registry.Lookup(path); !ok {
		return errors.NoMethod(path)
	}
	d.mocksMu.Lock()
	defer d.mocksMu.Unlock()
	d.mocks[path] = h
	return nil
}

// RemoveMock restores the registered handler of path
func (d *Dispatcher) RemoveMock(path string) {
	d.mocksMu.Lock()
	defer d.mocksMu.Unlock()
	delete(d.mocks, path)
}

func (d *Dispatcher) handler(desc *registry.Descriptor) registry.Handler {
	d.mocksMu.RLock()
	defer d.mocksMu.RUnlock()
	if h, ok := d.mocks[desc.Path]; ok {
		return h
	}
	return desc.Handler
}

// Call executes path. Job methods return the new job's id.
func (d *Dispatcher) Call(ctx context.Context, cc *CallContext, path string, args []any) (any, error) {
	result, _, err := d.call(ctx, cc, path, args)
	return result, err
}

// CallWith implements registry.Caller for nested calls
func (d *Dispatcher) CallWith(ctx context.Context, cc *CallContext, path string, args ...any) (any, error) {
	return d.Call(ctx, cc, path, args)
}

// CallWithJob executes path and, for job methods, waits for the job and
// returns its result. Cancelling ctx aborts the job.
func (d *Dispatcher) CallWithJob(ctx context.Context, cc *CallContext, path string, args []any) (any, error) {
	result, job, err := d.call(ctx, cc, path, args)
	if err != nil || job == nil {
		return result, err
	}
	result, err = job.Wait(ctx)
	if ctx.Err() != nil {
		_ = job.Abort("Parent call cancelled")
	}
	return result, err
}

// CallInternal calls path as the daemon itself
func (d *Dispatcher) CallInternal(ctx context.Context, path string, args ...any) (any, error) {
	cc := &CallContext{
		Session:   auth.InternalSession(d.registry.Roles()),
		Transport: "internal",
		Internal:  true,
	}
	return d.CallWithJob(ctx, cc, path, args)
}

// Job returns a job by id
func (d *Dispatcher) Job(id uint64) (*jobs.Job, bool) {
	return d.jobs.Get(id)
}

// Lookup returns the descriptor of path
func (d *Dispatcher) Lookup(path string) (*registry.Descriptor, bool) {
	return d.registry.Lookup(path)
}

// Methods returns every registered descriptor sorted by path
func (d *Dispatcher) Methods() []*registry.Descriptor {
	return d.registry.Methods()
}

// Definitions returns the named schemas as JSON Schema
func (d *Dispatcher) Definitions() map[string]any {
	return d.registry.Schemas().Definitions()
}

func (d *Dispatcher) call(ctx context.Context, cc *CallContext, path string, args []any) (result any, job *jobs.Job, err error) {
	start := time.Now()
	substrate := "none"
	// unknown paths share one label
	label := "unknown"
	defer func() {
		if err != nil {
			err = errors.AsCallError(err)
		}
		if d.metrics != nil {
			d.metrics.RecordCall(label, substrate, int(errors.ErrnoOf(err)), time.Since(start))
		}
	}()

	if cc == nil {
		cc = &CallContext{}
	}
	if cc.Caller == nil {
		withCaller := *cc
		withCaller.Caller = d
		cc = &withCaller
	}
	if cc.Depth >= d.cfg.MaxDepth {
		return nil, nil, errors.NewCallError(errors.ELOOP, "Maximum call depth of %d exceeded", d.cfg.MaxDepth)
	}

	desc, ok := d.registry.Lookup(path)
	if !ok {
		return nil, nil, errors.NoMethod(path)
	}
	label = desc.Path
	if reason, quarantined := d.registry.IsQuarantined(desc.Plugin); quarantined {
		return nil, nil, errors.NotPermitted("Plugin %s is unavailable: %s", desc.Plugin, health.SanitizeMessage(reason))
	}
	if desc.Visibility == registry.Private && !cc.Internal && !cc.Session.HasRole(auth.System) {
		return nil, nil, errors.AccessDenied(path)
	}
	if !desc.NoAuth {
		if !cc.Authenticated() {
			return nil, nil, errors.AccessDenied(path)
		}
		if !cc.Internal && !cc.Session.Authorized(desc.Roles) {
			return nil, nil, errors.AccessDenied(path)
		}
	}
	if d.sessions != nil && cc.Session.Authenticated() {
		d.sessions.Touch(cc.Session)
	}
	if desc.ThrottleKey != "" && !cc.Internal {
		key := desc.ThrottleKey
		if cc.Session != nil {
			key += "|" + auth.SourceOf(cc.Session.Origin())
		}
		if err := d.throttle.Allow(key); err != nil {
			return nil, nil, err
		}
	}

	validated, err := d.registry.Schemas().ValidateParams(desc.Params, args)
	if err != nil {
		return nil, nil, err
	}
	d.logger.Debug("Call",
		"method", path, "transport", cc.Transport, "depth", cc.Depth,
		"args", d.registry.Schemas().RedactParams(desc.Params, validated))

	handler := d.handler(desc)
	if desc.Kind == registry.Job {
		substrate = "job"
		job, err := d.submit(desc, cc, validated, handler)
		if err != nil {
			return nil, nil, err
		}
		return job.ID(), job, nil
	}

	substrate = desc.Kind.String()
	result, err = d.invoke(ctx, desc, cc, validated, handler)
	if err != nil {
		return nil, nil, err
	}
	result, err = d.checkResult(desc, result)
	return result, nil, err
}

// invoke runs a non-job handler under its lock and deadline. The deadline
// covers the wait for the lock. Past the deadline the handler is cancelled
// and given the grace window to return; the lock stays held until it does.
func (d *Dispatcher) invoke(ctx context.Context, desc *registry.Descriptor, cc *CallContext, args []any, h registry.Handler) (any, error) {
	var callCtx context.Context
	var cancel context.CancelFunc
	if desc.Deadline > 0 {
		callCtx, cancel = context.WithTimeoutCause(ctx, desc.Deadline, errors.TimedOut(desc.Path))
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	unlock := func() {}
	if key := desc.LockKey(args); key != "" {
		release, err := d.locks.Lock(callCtx, key)
		if err != nil {
			return nil, stopped(ctx, callCtx)
		}
		unlock = release
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	run := func() {
		defer unlock()
		result, err := d.safeCall(callCtx, desc, cc, args, h)
		done <- outcome{result, err}
	}
	if desc.Kind == registry.Blocking {
		if err := d.pool.Submit(run); err != nil {
			unlock()
			return nil, errors.Busy("Blocking call queue is full")
		}
	} else {
		go run()
	}

	select {
	case o := <-done:
		if o.err != nil && callCtx.Err() != nil {
			return nil, stopped(ctx, callCtx)
		}
		return o.result, o.err
	case <-callCtx.Done():
	}

	grace := time.NewTimer(d.cfg.Grace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		d.logger.Warn("Handler did not return within the grace window", "method", desc.Path)
	}
	return nil, stopped(ctx, callCtx)
}

// stopped reports why callCtx ended: the caller went away or the deadline
// passed
func stopped(parent, callCtx context.Context) error {
	if parent.Err() != nil {
		return errors.AsCallError(context.Cause(parent))
	}
	return errors.AsCallError(context.Cause(callCtx))
}

// safeCall runs h, turning panics and unexpected errors into EFAULT with a
// logged trace id. Failures of critical methods quarantine their plugin.
func (d *Dispatcher) safeCall(ctx context.Context, desc *registry.Descriptor, cc *CallContext, args []any, h registry.Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ce := errors.Internal(fmt.Errorf("panic in %s: %v", desc.Path, r))
			d.logger.Error("Handler panicked",
				"method", desc.Path, "trace", ce.Trace,
				"panic", health.RedactCredentials(fmt.Sprint(r)),
				"stack", health.RedactCredentials(string(debug.Stack())))
			d.critical(desc, ce)
			result, err = nil, ce
		}
	}()

	result, err = h(ctx, cc, args)
	if err == nil {
		return result, nil
	}
	ce := errors.AsCallError(err)
	if ce.Errno == errors.EFAULT {
		d.logger.Error("Handler failed",
			"method", desc.Path, "trace", ce.Trace, "error", health.RedactCredentials(err.Error()))
		d.critical(desc, ce)
	}
	return nil, ce
}

func (d *Dispatcher) critical(desc *registry.Descriptor, ce *errors.CallError) {
	if desc.Critical {
		d.registry.Quarantine(desc.Plugin, fmt.Sprintf("%s failed (trace %s)", desc.Path, ce.Trace))
	}
}

// checkResult validates a handler result against the declared schema
func (d *Dispatcher) checkResult(desc *registry.Descriptor, result any) (any, error) {
	if desc.Result == nil {
		return result, nil
	}
	if _, err := d.registry.Schemas().Validate(desc.Result, result); err != nil {
		if desc.AllowResultFallback {
			d.logger.Warn("Result does not match schema, passing through", "method", desc.Path, "error", err)
			return result, nil
		}
		d.logger.Error("Result does not match schema", "method", desc.Path, "error", err)
		return nil, errors.Invalid("Result of %s does not match its schema", desc.Path)
	}
	return result, nil
}

func (d *Dispatcher) submit(desc *registry.Descriptor, cc *CallContext, args []any, h registry.Handler) (*jobs.Job, error) {
	spec := jobs.Spec{
		Method:        desc.Path,
		Args:          args,
		RedactedArgs:  d.registry.Schemas().RedactParams(desc.Params, args),
		Description:   desc.Description,
		Username:      cc.Username(),
		LockKey:       desc.LockKey(args),
		LockQueueSize: desc.LockQueueSize,
		Transient:     desc.Transient,
		Abortable:     desc.Abortable,
		Deadline:      desc.Deadline,
		Blocking:      desc.Substrate == registry.Blocking,
		Run: func(ctx context.Context, job *jobs.Job) (any, error) {
			jcc := *cc
			jcc.Job = job
			result, err := d.safeCall(ctx, desc, &jcc, args, h)
			if err != nil {
				return nil, err
			}
			return d.checkResult(desc, result)
		},
	}
	return d.jobs.Submit(spec)
}
