// Package client talks to middlewared over the WebSocket and UNIX socket
// transports.
//
//	c, err := client.DialUnix(ctx, "/var/run/middleware/middlewared.sock")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	pools, err := c.Call(ctx, "pool.query")
//
// Calls may run concurrently on one Client. Failed calls return a
// *errors.CallError carrying the server's errno.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/gateway"
	"github.com/truenas/middlewared/pkg/tlsutil"
)

// ErrClosed is returned for calls on a closed connection
var ErrClosed = stderrors.New("client: connection closed")

type options struct {
	tls      *tlsutil.ClientConfig
	logger   *slog.Logger
	maxFrame int64
	buffer   int
}

// Option configures a Client
type Option func(*options)

// WithTLS sets the client TLS settings for wss:// endpoints
func WithTLS(cfg tlsutil.ClientConfig) Option {
	return func(o *options) { o.tls = &cfg }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEventBuffer sets how many undelivered events a subscription holds
// before dropping
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), maxFrame: gateway.MaxFrameSize, buffer: 256}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "client")
	return o
}

// Client is one connection to middlewared
type Client struct {
	w       wire
	opts    options
	session string
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan gateway.Frame
	subs    map[string]*Subscription
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func start(ctx context.Context, w wire, o options) (*Client, error) {
	c := &Client{
		w:       w,
		opts:    o,
		pending: make(map[string]chan gateway.Frame),
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	if err := c.handshake(ctx); err != nil {
		_ = w.close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	if err := c.send(gateway.Frame{Msg: gateway.MsgConnect, Version: gateway.ProtocolVersion, Support: []string{gateway.ProtocolVersion}}); err != nil {
		return err
	}
	type reply struct {
		f   gateway.Frame
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		data, err := c.w.read()
		if err != nil {
			ch <- reply{err: err}
			return
		}
		f, err := gateway.Decode(data)
		ch <- reply{f, err}
	}()
	select {
	case <-ctx.Done():
		_ = c.w.close()
		return errors.AsCallError(ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return errors.WrapTransient(r.err, "client", "handshake", "read connect reply")
		}
		if r.f.Msg != gateway.MsgConnected {
			return errors.Invalid("Server refused protocol version %s", gateway.ProtocolVersion)
		}
		c.session = r.f.Session
		return nil
	}
}

// Session returns the server's session id for this connection
func (c *Client) Session() string { return c.session }

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) send(f gateway.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "client", "send", "encode frame")
	}
	if err := c.w.write(data); err != nil {
		return errors.WrapTransient(err, "client", "send", "write frame")
	}
	return nil
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

// request sends f with a fresh id and waits for the frame answering it
func (c *Client) request(ctx context.Context, f gateway.Frame) (gateway.Frame, error) {
	id := c.newID()
	f.ID = json.RawMessage(strconv.Quote(id))
	key := string(f.ID)
	ch := make(chan gateway.Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return gateway.Frame{}, ErrClosed
	}
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return gateway.Frame{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return gateway.Frame{}, errors.AsCallError(ctx.Err())
	case <-c.done:
		return gateway.Frame{}, ErrClosed
	}
}

// Call invokes method and returns its result. For job methods the result
// is the job id; see CallJob.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	if params == nil {
		params = []any{}
	}
	reply, err := c.request(ctx, gateway.Frame{Msg: gateway.MsgMethod, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if reply.Msg == gateway.MsgError {
		if reply.Error == nil {
			return nil, errors.NewCallError(errors.EFAULT, "Error frame without error")
		}
		return nil, reply.Error.CallError()
	}
	return reply.Result, nil
}

// Ping round-trips a ping frame
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, gateway.Frame{Msg: gateway.MsgPing})
	return err
}

// Login authenticates with a username and password
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.login(ctx, "auth.login", username, password)
}

// LoginWithAPIKey authenticates with an "id:secret" API key
func (c *Client) LoginWithAPIKey(ctx context.Context, key string) error {
	return c.login(ctx, "auth.login_with_api_key", key)
}

// LoginWithToken authenticates with a token from auth.generate_token
func (c *Client) LoginWithToken(ctx context.Context, token string) error {
	return c.login(ctx, "auth.login_with_token", token)
}

func (c *Client) login(ctx context.Context, method string, params ...any) error {
	ok, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if ok != true {
		return errors.AuthFailed("Invalid credentials")
	}
	return nil
}

func (c *Client) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()
	for {
		var data []byte
		if data, err = c.w.read(); err != nil {
			return
		}
		f, decodeErr := gateway.Decode(data)
		if decodeErr != nil {
			c.opts.logger.Debug("Undecodable frame", "error", decodeErr)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f gateway.Frame) {
	switch f.Msg {
	case gateway.MsgResult, gateway.MsgError, gateway.MsgPong:
		c.mu.Lock()
		ch, ok := c.pending[string(f.ID)]
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case gateway.MsgEvent:
		c.mu.Lock()
		targets := make([]*Subscription, 0, 1)
		for _, sub := range c.subs {
			if sub.name == f.Name {
				targets = append(targets, sub)
			}
		}
		c.mu.Unlock()
		ev := eventOf(f)
		for _, sub := range targets {
			sub.deliver(ev)
		}
	case gateway.MsgNoSub:
		c.mu.Lock()
		sub, ok := c.subs[string(f.ID)]
		delete(c.subs, string(f.ID))
		c.mu.Unlock()
		if ok {
			var err error
			if f.Error != nil {
				err = f.Error.CallError()
			}
			sub.finish(err)
		}
	case gateway.MsgFailed:
		c.opts.logger.Warn("Server rejected the connection")
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = ErrClosed
		}
		c.err = err
		subs := c.subs
		c.subs = make(map[string]*Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.finish(ErrClosed)
		}
		close(c.done)
	})
}

// Close ends the connection
func (c *Client) Close() error {
	err := c.w.close()
	c.shutdown(ErrClosed)
	return err
}
