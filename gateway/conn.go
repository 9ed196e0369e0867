package gateway

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/pkg/buffer"
	"github.com/truenas/middlewared/registry"
)

// Backend executes calls for the transports
type Backend interface {
	Call(ctx context.Context, cc *registry.CallContext, path string, args []any) (any, error)
	Lookup(path string) (*registry.Descriptor, bool)
}

// Events opens subscriptions for the transports
type Events interface {
	Subscribe(pattern string, opts eventbus.SubscribeOptions) (*eventbus.Subscription, error)
	Spec(name string) (eventbus.TopicSpec, bool)
}

// SessionTracker forgets the session of a closed connection
type SessionTracker interface {
	Forget(s *auth.Session)
}

// Writer sends frames on one connection. WriteFrame must be safe for
// concurrent use; Close must unblock the transport's read loop.
type Writer interface {
	WriteFrame(f Frame) error
	Close() error
}

// Server holds what every framed connection shares
type Server struct {
	backend  Backend
	events   Events
	sessions SessionTracker
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics counts open connections
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSessions forgets sessions when their connection closes
func WithSessions(t SessionTracker) Option {
	return func(s *Server) { s.sessions = t }
}

// NewServer creates the frame handler shared by the WebSocket and UNIX
// socket transports
func NewServer(backend Backend, events Events, opts ...Option) *Server {
	s := &Server{backend: backend, events: events, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	return s
}

// Backend returns the call backend
func (s *Server) Backend() Backend { return s.backend }

// Conn is one framed client connection bound to a session
type Conn struct {
	srv       *Server
	transport string
	session   *auth.Session
	w         Writer
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// connected is only touched by the read loop
	connected bool

	mu       sync.Mutex
	inflight map[string]struct{}
	subs     map[string]*eventbus.Subscription
	closed   bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConn binds a new connection to session
func (s *Server) NewConn(transport string, session *auth.Session, w Writer) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		srv:       s,
		transport: transport,
		session:   session,
		w:         w,
		logger:    s.logger.With("transport", transport, "session", session.ID(), "origin", session.Origin()),
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]struct{}),
		subs:      make(map[string]*eventbus.Subscription),
	}
	if s.metrics != nil {
		s.metrics.RecordConnection(transport, 1)
	}
	c.logger.Debug("Connection opened")
	return c
}

// Session returns the connection's session
func (c *Conn) Session() *auth.Session { return c.session }

// Transport returns the transport name
func (c *Conn) Transport() string { return c.transport }

// Context is cancelled when the connection closes
func (c *Conn) Context() context.Context { return c.ctx }

var errNotConnected = stderrors.New("frame before connect")

// HandleRaw decodes and handles one inbound message
func (c *Conn) HandleRaw(data []byte) error {
	f, err := Decode(data)
	if err != nil {
		c.write(ErrorFrame(nil, err))
		return nil
	}
	return c.Handle(f)
}

// Handle processes one inbound frame. A non-nil error means the transport
// must close the connection. Session mutating methods complete before
// Handle returns, so they apply in arrival order.
func (c *Conn) Handle(f Frame) error {
	switch f.Msg {
	case MsgConnect:
		return c.connect(f)
	case MsgPing:
		c.write(Frame{ID: f.ID, Msg: MsgPong})
		return nil
	}
	if !c.connected {
		c.write(Frame{Msg: MsgFailed, Version: ProtocolVersion})
		return errNotConnected
	}
	switch f.Msg {
	case MsgMethod:
		c.method(f)
	case MsgSub:
		c.subscribe(f)
	case MsgUnsub:
		c.unsubscribe(f)
	default:
		c.write(ErrorFrame(f.ID, errors.Invalid("Unknown msg %q", f.Msg)))
	}
	return nil
}

func (c *Conn) connect(f Frame) error {
	if f.Version != ProtocolVersion {
		c.write(Frame{Msg: MsgFailed, Version: ProtocolVersion})
		return errors.Invalid("Unsupported protocol version %q", f.Version)
	}
	c.connected = true
	c.write(Frame{Msg: MsgConnected, Session: c.session.ID()})
	return nil
}

func (c *Conn) method(f Frame) {
	key := f.Key()
	if key == "" || key == "null" {
		c.write(ErrorFrame(nil, errors.Invalid("Method frame has no id")))
		return
	}
	if !c.claim(key) {
		c.logger.Warn("Duplicate in-flight id dropped", "id", key, "method", f.Method)
		return
	}

	cc := &registry.CallContext{Session: c.session, Transport: c.transport, Conn: c}
	if desc, ok := c.srv.backend.Lookup(f.Method); ok && desc.SessionMutating {
		c.run(key, f, cc)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(key, f, cc)
	}()
}

func (c *Conn) run(key string, f Frame, cc *registry.CallContext) {
	defer c.release(key)
	params := f.Params
	if params == nil {
		params = []any{}
	}
	result, err := c.srv.backend.Call(c.ctx, cc, f.Method, params)
	if err != nil {
		c.write(ErrorFrame(f.ID, err))
		return
	}
	c.write(ResultFrame(f.ID, result))
}

// claim marks id in flight; false when it already is
func (c *Conn) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Conn) release(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// subscribe opens a subscription on f.Name. params[0] may carry
// {"filters": [...], "since": N, "capacity": N, "policy": "drop-newest"}.
func (c *Conn) subscribe(f Frame) {
	key := f.Key()
	if key == "" || key == "null" || f.Name == "" {
		c.write(Frame{ID: f.ID, Msg: MsgNoSub, Error: NewWireError(errors.Invalid("sub needs an id and a name"))})
		return
	}
	opts, err := subscribeOptions(f.Params)
	if err == nil {
		err = c.authorizeTopic(f.Name)
	}
	if err != nil {
		c.write(Frame{ID: f.ID, Msg: MsgNoSub, Error: NewWireError(err)})
		return
	}
	opts.Internal = c.session.HasRole(auth.System)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, dup := c.subs[key]; dup {
		c.mu.Unlock()
		c.write(Frame{ID: f.ID, Msg: MsgNoSub, Error: NewWireError(errors.Exists("Subscription %s already exists", key))})
		return
	}
	sub, err := c.srv.events.Subscribe(f.Name, opts)
	if err != nil {
		c.mu.Unlock()
		c.write(Frame{ID: f.ID, Msg: MsgNoSub, Error: NewWireError(err)})
		return
	}
	c.subs[key] = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(key, f.Name, sub)
	}()
}

func subscribeOptions(params []any) (eventbus.SubscribeOptions, error) {
	var opts eventbus.SubscribeOptions
	if len(params) == 0 || params[0] == nil {
		return opts, nil
	}
	raw, ok := params[0].(map[string]any)
	if !ok {
		return opts, errors.Invalid("sub params must be an object")
	}
	if v, ok := raw["filters"]; ok {
		filters, err := eventbus.ParseFilters(v)
		if err != nil {
			return opts, err
		}
		opts.Filters = filters
	}
	if v, ok := raw["since"].(float64); ok && v >= 0 {
		since := uint64(v)
		opts.Since = &since
	}
	if v, ok := raw["capacity"].(float64); ok && v > 0 {
		opts.Capacity = int(v)
	}
	if v, ok := raw["policy"].(string); ok {
		policy, known := buffer.ParsePolicy(v)
		if !known {
			return opts, errors.Invalid("Unknown overflow policy %q", v)
		}
		opts.Policy, opts.HasPolicy = policy, true
	}
	return opts, nil
}

// authorizeTopic checks the roles of a named topic up front. Wildcard
// subscriptions are checked per event in pump.
func (c *Conn) authorizeTopic(pattern string) error {
	if !c.session.Authenticated() {
		return errors.AccessDenied(pattern)
	}
	if isWildcard(pattern) {
		return nil
	}
	if spec, ok := c.srv.events.Spec(pattern); ok && len(spec.Roles) > 0 && !c.session.Authorized(spec.Roles) {
		return errors.AccessDenied(pattern)
	}
	return nil
}

// allowed reports whether the session may see ev. A backpressure marker is
// judged by the topic it reports on.
func (c *Conn) allowed(ev eventbus.Event) bool {
	topic := ev.Topic
	if ev.IsLost() {
		topic = ev.LostFrom()
	}
	spec, ok := c.srv.events.Spec(topic)
	return !ok || len(spec.Roles) == 0 || c.session.Authorized(spec.Roles)
}

func (c *Conn) pump(key, pattern string, sub *eventbus.Subscription) {
	wildcard := isWildcard(pattern)
	for {
		ev, err := sub.Next(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && !stderrors.Is(err, eventbus.ErrSubscriptionClosed) {
				// overflow under the disconnect policy
				c.logger.Warn("Subscription overflow, disconnecting", "pattern", pattern, "error", err)
				_ = c.w.Close()
			}
			return
		}
		if wildcard && !c.allowed(ev) {
			continue
		}
		if err := c.w.WriteFrame(EventFrame(pattern, ev)); err != nil {
			sub.Close()
			return
		}
	}
}

func (c *Conn) unsubscribe(f Frame) {
	key := f.Key()
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
	c.write(Frame{ID: f.ID, Msg: MsgNoSub})
}

func (c *Conn) write(f Frame) {
	if err := c.w.WriteFrame(f); err != nil {
		c.logger.Debug("Frame not written", "msg", f.Msg, "error", err)
	}
}

// Close cancels in-flight calls, ends subscriptions and waits for both
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		subs := c.subs
		c.subs = make(map[string]*eventbus.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		_ = c.w.Close()
		c.wg.Wait()

		if c.srv.sessions != nil {
			c.srv.sessions.Forget(c.session)
		}
		if c.srv.metrics != nil {
			c.srv.metrics.RecordConnection(c.transport, -1)
		}
		c.logger.Debug("Connection closed")
	})
}

func isWildcard(pattern string) bool {
	return pattern == "*" || len(pattern) > 1 && pattern[len(pattern)-2:] == ".*"
}
