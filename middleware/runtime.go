package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/truenas/middlewared/attachment"
	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/config"
	"github.com/truenas/middlewared/datastore"
	"github.com/truenas/middlewared/dispatcher"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/eventbus/natsbridge"
	"github.com/truenas/middlewared/gateway"
	gwhttp "github.com/truenas/middlewared/gateway/http"
	"github.com/truenas/middlewared/gateway/rest"
	"github.com/truenas/middlewared/gateway/unixsock"
	"github.com/truenas/middlewared/gateway/websocket"
	"github.com/truenas/middlewared/health"
	"github.com/truenas/middlewared/jobs"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/natsclient"
	"github.com/truenas/middlewared/pkg/buffer"
	"github.com/truenas/middlewared/pkg/retry"
	"github.com/truenas/middlewared/pkg/tlsutil"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/scheduler"
	"github.com/truenas/middlewared/service"
)

// ReadyTopic is the sticky event published once boot completes
const ReadyTopic = "system.ready"

// ReadyTopicSpec declares ReadyTopic
func ReadyTopicSpec() eventbus.TopicSpec {
	return eventbus.TopicSpec{
		Name:        ReadyTopic,
		Description: "The daemon finished booting",
		Sticky:      true,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"boot_id", "version"},
			"properties": map[string]any{
				"boot_id": map[string]any{"type": "string"},
				"version": map[string]any{"type": "string"},
			},
		},
	}
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLogger sets the base logger
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// WithVersion sets the version announced on ReadyTopic
func WithVersion(v string) Option {
	return func(rt *Runtime) { rt.version = v }
}

// WithStore uses store instead of opening the configured datastore. The
// runtime does not close it.
func WithStore(store datastore.Store) Option {
	return func(rt *Runtime) { rt.store = store }
}

// WithUnixOptions passes options to the UNIX socket transport
func WithUnixOptions(opts ...unixsock.Option) Option {
	return func(rt *Runtime) { rt.unixOpts = append(rt.unixOpts, opts...) }
}

// Runtime owns every component of the daemon and its boot order
type Runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	version  string
	unixOpts []unixsock.Option

	store     datastore.Store
	ownsStore bool

	metricsRegistry *metric.MetricsRegistry
	metrics         *metric.Metrics
	monitor         *health.Monitor

	roles      *auth.Roles
	sessions   *auth.Sessions
	limiter    *auth.Limiter
	auth       *auth.Authenticator
	bus        *eventbus.Bus
	registry   *registry.Registry
	plugins    *registry.Plugins
	jobs       *jobs.Supervisor
	dispatcher *dispatcher.Dispatcher
	hooks      *Hooks
	cache      *Cache

	periodic     *scheduler.Periodic
	etc          *scheduler.Etc
	alerts       *scheduler.Alerts
	migrations   *scheduler.Migrations
	certificates *attachment.Certificates
	ports        *attachment.Ports

	bridge *natsbridge.Bridge

	// core runs before plugin setup; services after
	core     *service.Manager
	services *service.Manager
	gateway  *gateway.Server
	http     *gwhttp.Server
	unix     *unixsock.Transport

	mu       sync.Mutex
	booted   bool
	shutdown bool
}

// New wires the components described by cfg. Nothing listens until Boot.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{cfg: cfg, logger: slog.Default(), version: "dev"}
	for _, opt := range opts {
		opt(rt)
	}

	rt.metricsRegistry = metric.NewMetricsRegistry()
	rt.metrics = rt.metricsRegistry.CoreMetrics()
	rt.monitor = health.NewMonitor("middlewared")
	rt.roles = auth.DefaultRoles()
	rt.sessions = auth.NewSessions(cfg.Auth.SessionTTL.Std())
	rt.limiter = auth.NewLimiter(cfg.Auth.FailureBurst, cfg.Auth.Cooldown.Std())

	if err := rt.buildBus(); err != nil {
		return nil, err
	}

	rt.registry = registry.New(
		registry.WithLogger(rt.logger),
		registry.WithRoles(rt.roles),
		registry.WithHealth(rt.monitor),
		registry.WithMetrics(rt.metrics),
	)
	rt.plugins = registry.NewPlugins(rt.registry, rt.logger)

	sup, err := jobs.NewSupervisor(jobs.Config{
		RetentionCapacity: cfg.Jobs.RetentionCapacity,
		RetentionAge:      cfg.Jobs.Retention.Std(),
		LogRingSize:       int(cfg.Jobs.LogRingSize.Bytes()),
		AbortGrace:        cfg.Jobs.AbortGrace.Std(),
		DeadlineGrace:     cfg.Dispatcher.Grace.Std(),
		MaxRunning:        cfg.Jobs.MaxRunning,
		FairnessBound:     cfg.Jobs.FairnessBound,
		SnapshotPath:      cfg.Jobs.SnapshotPath,
		SnapshotInterval:  cfg.Jobs.SnapshotInterval.Std(),
	},
		jobs.WithLogger(rt.logger),
		jobs.WithMetrics(rt.metrics),
		jobs.WithEvents(rt.bus),
		jobs.WithExecutor(func(fn func()) error { return rt.dispatcher.RunBlocking(fn) }),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Runtime", "New", "create job supervisor")
	}
	rt.jobs = sup

	rt.dispatcher = dispatcher.New(dispatcher.Config{
		Workers:        cfg.Dispatcher.Workers,
		QueueSize:      cfg.Dispatcher.QueueSize,
		Grace:          cfg.Dispatcher.Grace.Std(),
		MaxDepth:       cfg.Dispatcher.MaxCallDepth,
		ThrottleBurst:  cfg.Dispatcher.ThrottleBurst,
		ThrottleRefill: cfg.Dispatcher.ThrottleRefill.Std(),
	}, rt.registry, rt.jobs,
		dispatcher.WithLogger(rt.logger),
		dispatcher.WithMetrics(rt.metrics),
		dispatcher.WithMetricsRegistry(rt.metricsRegistry),
		dispatcher.WithSessions(sessionToucher{rt.sessions}),
	)

	rt.hooks = NewHooks(rt.logger)
	if rt.cache, err = NewCache(rt.metricsRegistry); err != nil {
		return nil, err
	}

	if rt.store == nil {
		store, err := datastore.Open(cfg.Datastore, rt.logger)
		if err != nil {
			return nil, errors.Wrap(err, "Runtime", "New", "open datastore")
		}
		rt.store = store
		rt.ownsStore = true
	}

	rt.periodic = scheduler.NewPeriodic(rt.dispatcher, rt.logger)
	rt.etc = scheduler.NewEtc(cfg.Etc.Root, rt.dispatcher, rt.logger)
	rt.alerts = scheduler.NewAlerts(rt.store, rt.bus, rt.logger)
	rt.migrations = scheduler.NewMigrations(rt.store, rt.logger)
	rt.certificates = attachment.NewCertificates(rt.logger)
	rt.ports = attachment.NewPorts(rt.logger)

	if err := rt.registerBuiltins(); err != nil {
		rt.closeStore()
		return nil, err
	}
	return rt, nil
}

// buildBus creates the event bus and, when configured, the NATS mirror
// observing it
func (rt *Runtime) buildBus() error {
	policy, ok := buffer.ParsePolicy(rt.cfg.Events.DefaultPolicy)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Runtime", "New", "events.default_policy")
	}
	busOpts := []eventbus.Option{
		eventbus.WithLogger(rt.logger),
		eventbus.WithMetrics(rt.metrics),
		eventbus.WithReplayWindow(rt.cfg.Events.ReplayWindow.Std()),
		eventbus.WithHistoryCap(rt.cfg.Events.HistoryCap),
		eventbus.WithDefaultCapacity(rt.cfg.Events.QueueSize),
		eventbus.WithDefaultPolicy(policy),
	}

	if nc := rt.cfg.NATS; nc.Enabled() {
		clientOpts := []natsclient.ClientOption{
			natsclient.WithName("middlewared"),
			natsclient.WithMaxReconnects(nc.MaxReconnects),
			natsclient.WithReconnectWait(nc.ReconnectWait.Std()),
			natsclient.WithLogger(rt.logger),
			natsclient.WithMetrics(rt.metrics),
		}
		if nc.Username != "" {
			clientOpts = append(clientOpts, natsclient.WithCredentials(nc.Username, nc.Password))
		}
		if nc.Token != "" {
			clientOpts = append(clientOpts, natsclient.WithToken(nc.Token))
		}
		if nc.TLSCA != "" || nc.TLSCert != "" {
			clientOpts = append(clientOpts, natsclient.WithTLS(nc.TLSCert, nc.TLSKey, nc.TLSCA))
		}
		clientOpts = append(clientOpts, natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				rt.monitor.UpdateHealthy("nats", "Connected")
			} else {
				rt.monitor.UpdateDegraded("nats", "Disconnected, events stay local")
			}
		}))
		client, err := natsclient.NewClient(nc.URL, clientOpts...)
		if err != nil {
			return errors.Wrap(err, "Runtime", "New", "create NATS client")
		}

		bridgeCfg := natsbridge.DefaultConfig()
		bridgeCfg.Prefix = nc.Prefix
		bridgeCfg.Node = nc.Node
		bridgeCfg.QueueSize = nc.QueueSize
		// an unreachable server fails boot instead of retrying forever
		bridgeCfg.Connect = retry.DefaultConfig()
		rt.bridge = natsbridge.New(client, bridgeCfg, rt.logger)
		busOpts = append(busOpts, eventbus.WithObserver(rt.bridge.Observe))
	}

	rt.bus = eventbus.New(busOpts...)
	return nil
}

func (rt *Runtime) registerBuiltins() error {
	topics := []eventbus.TopicSpec{
		jobs.TopicSpec(),
		auth.AuditTopicSpec(),
		rt.alerts.TopicSpec(),
		scheduler.ServiceChangedSpec(),
		InvalidateTopicSpec(),
		ReadyTopicSpec(),
	}
	for _, spec := range topics {
		if err := rt.bus.Register(spec); err != nil {
			return errors.Wrap(err, "Runtime", "New", "register topic "+spec.Name)
		}
	}

	authPlugin := rt.authPlugin()
	authPlugin.Setup = rt.setupAuth

	plugins := []*registry.Plugin{
		rt.corePlugin(),
		authPlugin,
		rt.apiKeyPlugin(),
		rt.cache.Plugin(),
		rt.etc.Plugin(),
		rt.alerts.Plugin(),
		rt.certificates.Plugin(),
		rt.ports.Plugin(),
	}
	for _, p := range plugins {
		if err := rt.plugins.Add(p); err != nil {
			return err
		}
	}

	// alert sources are polled once a minute; each source keeps its own interval
	return rt.periodic.Add(rt.alerts.Task(time.Minute))
}

// setupAuth seeds the configured users and builds the authenticator. It is
// the auth plugin's setup, so it runs after migrations.
func (rt *Runtime) setupAuth(ctx context.Context) error {
	users := auth.NewUsers(rt.store)
	seeds := make([]auth.SeedUser, 0, len(rt.cfg.Auth.Users))
	for _, u := range rt.cfg.Auth.Users {
		seeds = append(seeds, auth.SeedUser{
			User:     auth.User{Username: u.Username, UID: u.UID, Roles: u.Roles},
			Password: u.Password,
		})
	}
	if err := users.Seed(ctx, seeds); err != nil {
		return err
	}

	nodeKey, err := loadNodeKey(rt.cfg.Auth.NodeKeyFile)
	if err != nil {
		return err
	}
	keys, err := auth.NewAPIKeys(ctx, rt.store, nodeKey)
	if err != nil {
		return err
	}

	rt.auth = auth.NewAuthenticator(rt.roles, users, keys, rt.sessions, rt.limiter,
		auth.WithEvents(rt.bus),
		auth.WithLogger(rt.logger),
		auth.WithMetrics(rt.metrics),
	)
	return nil
}

// loadNodeKey reads the hex encoded API key secret from path, creating it
// on first boot. An empty path keeps the key in the datastore.
func loadNodeKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) < 16 {
			return nil, errors.WrapInvalid(fmt.Errorf("malformed node key in %s", path), "Runtime", "loadNodeKey", "decode key")
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.WrapFatal(err, "Runtime", "loadNodeKey", "read "+path)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.WrapFatal(err, "Runtime", "loadNodeKey", "generate key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.WrapFatal(err, "Runtime", "loadNodeKey", "create directory")
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, errors.WrapFatal(err, "Runtime", "loadNodeKey", "write "+path)
	}
	return key, nil
}

// Boot runs migrations, starts the core services, sets the plugins up,
// starts the transports and publishes ReadyTopic. A failure at any step
// stops what was started and is returned.
func (rt *Runtime) Boot(ctx context.Context) error {
	rt.mu.Lock()
	if rt.booted || rt.shutdown {
		rt.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runtime", "Boot", "boot")
	}
	rt.booted = true
	rt.mu.Unlock()

	start := time.Now()
	stopTimeout := 5 * time.Second

	applied, err := rt.migrations.Run(ctx)
	if err != nil {
		return errors.WrapFatal(err, "Runtime", "Boot", "run migrations")
	}
	rt.logger.Info("Migrations complete", "applied", applied)

	rt.core = service.NewManager(rt.logger, rt.monitor)
	for _, svc := range []service.Service{rt.dispatcher, rt.jobs, NewInvalidator(rt.cache, rt.bus, rt.logger)} {
		if err := rt.core.Add(svc); err != nil {
			return err
		}
	}
	if err := rt.core.StartAll(ctx, stopTimeout); err != nil {
		return err
	}

	if err := rt.plugins.Setup(ctx); err != nil {
		_ = rt.core.StopAll(stopTimeout)
		return errors.WrapFatal(err, "Runtime", "Boot", "plugin setup")
	}
	rt.generateCheckpoint(ctx, "initial")

	if err := rt.buildServices(); err != nil {
		rt.plugins.Teardown(ctx)
		_ = rt.core.StopAll(stopTimeout)
		return err
	}
	if err := rt.services.StartAll(ctx, stopTimeout); err != nil {
		rt.plugins.Teardown(ctx)
		_ = rt.core.StopAll(stopTimeout)
		return err
	}

	if _, err := rt.bus.Publish(ReadyTopic, eventbus.Added, nil, map[string]any{
		"boot_id": rt.sessions.BootID(),
		"version": rt.version,
	}); err != nil {
		rt.logger.Error("Failed to announce readiness", "error", err)
	}
	rt.generateCheckpoint(ctx, "post_init")
	rt.monitor.UpdateHealthy("middlewared", "Ready")

	rt.logger.Info("Middleware is ready",
		"version", rt.version,
		"boot_id", rt.sessions.BootID(),
		"methods", len(rt.registry.Methods()),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (rt *Runtime) generateCheckpoint(ctx context.Context, checkpoint string) {
	if err := rt.etc.GenerateCheckpoint(ctx, checkpoint); err != nil {
		rt.logger.Warn("Etc checkpoint had failures", "checkpoint", checkpoint, "error", err)
	}
}

// buildServices creates the transports and background services started
// after plugin setup
func (rt *Runtime) buildServices() error {
	cfg := rt.cfg
	rt.services = service.NewManager(rt.logger, rt.monitor)
	rt.gateway = gateway.NewServer(rt.dispatcher, rt.bus,
		gateway.WithLogger(rt.logger),
		gateway.WithMetrics(rt.metrics),
		gateway.WithSessions(rt.sessions),
	)

	add := func(svc service.Service) error {
		return rt.services.Add(svc)
	}
	if err := add(rt.periodic); err != nil {
		return err
	}
	if err := add(rt.etc.Watcher(rt.bus)); err != nil {
		return err
	}
	if rt.bridge != nil {
		if err := add(rt.bridge); err != nil {
			return err
		}
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.Server.TLS)
	if err != nil {
		return errors.WrapInvalid(err, "Runtime", "Boot", "load TLS configuration")
	}

	if cfg.Server.Addr != "" {
		gwCfg := cfg.Server.Gateway()
		ws, err := websocket.New(gwCfg, rt.gateway, rt.logger)
		if err != nil {
			return err
		}
		restHandler, err := rest.New(gwCfg, rt.dispatcher, rt.auth, rt.logger, rest.WithVersion(rt.version))
		if err != nil {
			return err
		}
		httpOpts := []gwhttp.Option{
			gwhttp.WithLogger(rt.logger),
			gwhttp.WithHandler("/health", rt.monitor),
		}
		if tlsConfig != nil {
			httpOpts = append(httpOpts, gwhttp.WithTLS(tlsConfig))
		}
		srv, err := gwhttp.New(cfg.Server.Addr, gwCfg, []gateway.HTTPHandler{ws, restHandler}, httpOpts...)
		if err != nil {
			return err
		}
		rt.http = srv
		if err := add(ws); err != nil {
			return err
		}
		if err := add(srv); err != nil {
			return err
		}
	}

	if cfg.Server.UnixSocket != "" {
		opts := append([]unixsock.Option{
			unixsock.WithLogger(rt.logger),
			unixsock.WithWriteTimeout(cfg.Server.WriteTimeout.Std()),
			unixsock.WithMetrics(rt.metrics),
		}, rt.unixOpts...)
		rt.unix = unixsock.New(cfg.Server.UnixSocket, rt.gateway, rt.auth, opts...)
		if err := add(rt.unix); err != nil {
			return err
		}
	}

	if cfg.Metrics.Port > 0 {
		metricsOpts := []metric.ServerOption{
			metric.WithHealthHandler(rt.monitor),
			metric.WithServerLogger(rt.logger),
		}
		if tlsConfig != nil {
			metricsOpts = append(metricsOpts, metric.WithTLS(tlsConfig))
		}
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		if err := add(metric.NewServer(addr, cfg.Metrics.Path, rt.metricsRegistry, metricsOpts...)); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the transports, tears the plugins down and stops the core
// services, in the reverse of boot order
func (rt *Runtime) Shutdown(timeout time.Duration) error {
	rt.mu.Lock()
	if rt.shutdown {
		rt.mu.Unlock()
		return nil
	}
	rt.shutdown = true
	booted := rt.booted
	rt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if booted {
		rt.monitor.UpdateUnhealthy("middlewared", "Shutting down")
		if rt.services != nil {
			if err := rt.services.StopAll(timeout); err != nil {
				errs = append(errs, err)
			}
		}
		rt.plugins.Teardown(ctx)
		if err := rt.hooks.Wait(ctx); err != nil {
			rt.logger.Warn("Background hooks still running at shutdown", "error", err)
		}
		if rt.core != nil {
			if err := rt.core.StopAll(timeout); err != nil {
				errs = append(errs, err)
			}
		}
	}

	rt.bus.Close()
	rt.sessions.Close()
	if err := rt.closeStore(); err != nil {
		errs = append(errs, err)
	}
	rt.logger.Info("Middleware stopped")
	return stderrors.Join(errs...)
}

func (rt *Runtime) closeStore() error {
	if !rt.ownsStore || rt.store == nil {
		return nil
	}
	if err := rt.store.Close(); err != nil {
		return errors.Wrap(err, "Runtime", "Shutdown", "close datastore")
	}
	return nil
}

// AddPlugin registers an extra plugin. Call it before Boot.
func (rt *Runtime) AddPlugin(p *registry.Plugin) error {
	return rt.plugins.Add(p)
}

// RegisterHook adds fn to the named hook
func (rt *Runtime) RegisterHook(name string, fn HookFunc, opts HookOptions) error {
	return rt.hooks.Register(name, fn, opts)
}

// CallHook runs the named hook
func (rt *Runtime) CallHook(ctx context.Context, name string, args ...any) error {
	return rt.hooks.Call(ctx, name, args...)
}

// BlockHooks suspends blockable hooks until release is called
func (rt *Runtime) BlockHooks(names ...string) (release func(), err error) {
	return rt.hooks.Block(names...)
}

// Call invokes path as the daemon itself, waiting for jobs to finish
func (rt *Runtime) Call(ctx context.Context, path string, args ...any) (any, error) {
	return rt.dispatcher.CallInternal(ctx, path, args...)
}

func (rt *Runtime) Config() *config.Config                     { return rt.cfg }
func (rt *Runtime) Logger() *slog.Logger                       { return rt.logger }
func (rt *Runtime) Store() datastore.Store                     { return rt.store }
func (rt *Runtime) Dispatcher() *dispatcher.Dispatcher         { return rt.dispatcher }
func (rt *Runtime) Registry() *registry.Registry               { return rt.registry }
func (rt *Runtime) Plugins() *registry.Plugins                 { return rt.plugins }
func (rt *Runtime) Bus() *eventbus.Bus                         { return rt.bus }
func (rt *Runtime) Jobs() *jobs.Supervisor                     { return rt.jobs }
func (rt *Runtime) Hooks() *Hooks                              { return rt.hooks }
func (rt *Runtime) Cache() *Cache                              { return rt.cache }
func (rt *Runtime) Roles() *auth.Roles                         { return rt.roles }
func (rt *Runtime) Sessions() *auth.Sessions                   { return rt.sessions }
func (rt *Runtime) Periodic() *scheduler.Periodic              { return rt.periodic }
func (rt *Runtime) Etc() *scheduler.Etc                        { return rt.etc }
func (rt *Runtime) Alerts() *scheduler.Alerts                  { return rt.alerts }
func (rt *Runtime) Migrations() *scheduler.Migrations          { return rt.migrations }
func (rt *Runtime) Certificates() *attachment.Certificates     { return rt.certificates }
func (rt *Runtime) Ports() *attachment.Ports                   { return rt.ports }
func (rt *Runtime) Health() *health.Monitor                    { return rt.monitor }
func (rt *Runtime) MetricsRegistry() *metric.MetricsRegistry   { return rt.metricsRegistry }
func (rt *Runtime) Authenticator() *auth.Authenticator         { return rt.auth }

// HTTPAddr returns the bound WebSocket and REST address, or "" when the
// HTTP listener is disabled or not started
func (rt *Runtime) HTTPAddr() string {
	if rt.http == nil {
		return ""
	}
	return rt.http.Addr()
}

// UnixSocket returns the UNIX socket path, or "" when disabled
func (rt *Runtime) UnixSocket() string {
	if rt.unix == nil {
		return ""
	}
	return rt.unix.Path()
}

type sessionToucher struct {
	sessions *auth.Sessions
}

func (t sessionToucher) Touch(s *auth.Session) { t.sessions.Touch(s) }
