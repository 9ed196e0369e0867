// Package unixsock serves the framed middlewared protocol on a local UNIX
// socket. Every frame is JSON prefixed with its 4-byte big-endian length.
//
// The connection's session is authenticated from the peer's credentials:
// UID 0 is granted FULL_ADMIN and SYSTEM, any other user READONLY_ADMIN.
package unixsock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/gateway"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/service"
)

// TransportName labels sessions, metrics and logs
const TransportName = "unix"

const socketCheckInterval = 30 * time.Second

// Peer identifies the process on the other end of a connection
type Peer struct {
	PID int
	UID int
	GID int
}

// Granter binds credentials to a session
type Granter interface {
	Grant(s *auth.Session, creds auth.Credentials)
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithPeerCredentials replaces the SO_PEERCRED lookup
func WithPeerCredentials(fn func(*net.UnixConn) (Peer, error)) Option {
	return func(t *Transport) { t.peer = fn }
}

// WithWriteTimeout bounds one frame write
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

// WithMetrics records the transport's status transitions
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport listens on a UNIX socket
type Transport struct {
	*service.BaseService
	path         string
	srv          *gateway.Server
	granter      Granter
	logger       *slog.Logger
	peer         func(*net.UnixConn) (Peer, error)
	writeTimeout time.Duration
	metrics      *metric.Metrics

	listener *net.UnixListener

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// New creates a transport on path. granter authenticates peers.
func New(path string, srv *gateway.Server, granter Granter, opts ...Option) *Transport {
	t := &Transport{
		path:         path,
		srv:          srv,
		granter:      granter,
		logger:       slog.Default(),
		peer:         peerCredentials,
		writeTimeout: 10 * time.Second,
		conns:        make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "unixsock")
	t.BaseService = service.NewBaseService(TransportName,
		service.WithLogger(t.logger),
		service.WithMetrics(t.metrics),
		service.WithHealthCheck(t.checkSocket, socketCheckInterval),
		service.OnHealthChange(func(ok bool) {
			if !ok {
				t.logger.Error("Socket file is gone; local clients cannot connect until restart", "path", t.path)
			}
		}))
	return t
}

// checkSocket fails once the socket file is removed or replaced
func (t *Transport) checkSocket() error {
	info, err := os.Lstat(t.path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s is no longer a socket", t.path)
	}
	return nil
}

// Path returns the socket path
func (t *Transport) Path() string { return t.path }

// Start binds the socket and accepts connections. A stale socket file is
// replaced.
func (t *Transport) Start(ctx context.Context) error {
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return errors.WrapFatal(err, "unixsock", "Start", "remove stale socket")
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: t.path, Net: "unix"})
	if err != nil {
		return errors.WrapFatal(err, "unixsock", "Start", "listen on "+t.path)
	}
	// access is decided per peer, so every local user may connect
	if err := os.Chmod(t.path, 0o666); err != nil {
		l.Close()
		return errors.WrapFatal(err, "unixsock", "Start", "chmod socket")
	}
	if err := t.BaseService.Start(ctx); err != nil {
		l.Close()
		return err
	}
	t.listener = l
	t.Go(func(done <-chan struct{}) { t.acceptLoop(l, done) })
	t.logger.Info("Listening", "path", t.path)
	return nil
}

// Stop closes the listener and every connection
func (t *Transport) Stop(timeout time.Duration) error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.logger.Warn("UNIX socket handlers did not exit within timeout")
	}
	err := t.BaseService.Stop(timeout)
	_ = os.Remove(t.path)
	return err
}

func (t *Transport) acceptLoop(l *net.UnixListener, done <-chan struct{}) {
	for {
		nc, err := l.AcceptUnix()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.logger.Debug("Accept loop ended", "error", err)
			return
		}
		t.wg.Add(1)
		go t.serve(nc)
	}
}

func (t *Transport) serve(nc *net.UnixConn) {
	defer t.wg.Done()

	c := &conn{nc: nc, writeTimeout: t.writeTimeout}
	session, err := t.authenticate(nc)
	if err != nil {
		t.logger.Warn("Peer credentials unavailable", "error", err)
		_ = nc.Close()
		return
	}
	c.frame = t.srv.NewConn(TransportName, session, c)

	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.conns, c)
		t.mu.Unlock()
		c.frame.Close()
	}()

	r := bufio.NewReader(nc)
	for {
		data, err := ReadFrame(r)
		if err != nil {
			return
		}
		if err := c.frame.HandleRaw(data); err != nil {
			return
		}
	}
}

// authenticate builds the session of a connection from its peer
func (t *Transport) authenticate(nc *net.UnixConn) (*auth.Session, error) {
	peer, err := t.peer(nc)
	if err != nil {
		return nil, err
	}
	session := auth.NewSession(TransportName, fmt.Sprintf("unix:pid=%d,uid=%d", peer.PID, peer.UID))
	creds := auth.Credentials{Kind: auth.KindUnixSocket, UID: peer.UID, Username: usernameOf(peer.UID)}
	if peer.UID == 0 {
		creds.Granted = []string{auth.FullAdmin, auth.System}
	} else {
		creds.Granted = []string{auth.ReadonlyAdmin}
	}
	t.granter.Grant(session, creds)
	return session, nil
}

func usernameOf(uid int) string {
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		return u.Username
	}
	return "uid:" + strconv.Itoa(uid)
}

// conn is one socket connection; it implements gateway.Writer
type conn struct {
	nc           *net.UnixConn
	writeTimeout time.Duration
	frame        *gateway.Conn

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// WriteFrame implements gateway.Writer
func (c *conn) WriteFrame(f gateway.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "unixsock", "WriteFrame", "encode frame")
	}
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return WriteFrame(c.nc, data)
}

// Close implements gateway.Writer
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.nc.Close()
	})
	return nil
}
