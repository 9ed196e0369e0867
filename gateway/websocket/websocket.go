// Package websocket serves the framed middlewared protocol over WebSocket.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/gateway"
	"github.com/truenas/middlewared/service"
)

// TransportName labels sessions, metrics and logs
const TransportName = "websocket"

// Transport accepts WebSocket connections and hands their frames to a
// gateway.Server
type Transport struct {
	*service.BaseService
	cfg      gateway.Config
	srv      *gateway.Server
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	wg        sync.WaitGroup
}

// client is one WebSocket connection; it implements gateway.Writer
type client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	connectedAt  time.Time
	lastPong     atomic.Value // time.Time
	closed       atomic.Bool
	closeOnce    sync.Once
	writeMutex   sync.Mutex // gorilla/websocket allows one concurrent writer
	frame        *gateway.Conn
}

var _ gateway.HTTPHandler = (*Transport)(nil)

// New creates the transport. cfg is validated and defaulted.
func New(cfg gateway.Config, srv *gateway.Server, logger *slog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "websocket", "New", "config validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "websocket")
	return &Transport{
		BaseService: service.NewBaseService(TransportName, service.WithLogger(logger)),
		cfg:         cfg,
		srv:         srv,
		logger:      logger,
		upgrader: websocket.Upgrader{
			// browsers authenticate per connection; origin checks are left
			// to the reverse proxy
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}, nil
}

// RegisterHTTPHandlers mounts the WebSocket endpoint
func (t *Transport) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc(t.cfg.WebSocketPath, t.handleWebSocket)
}

// Start launches the ping loop
func (t *Transport) Start(ctx context.Context) error {
	if err := t.BaseService.Start(ctx); err != nil {
		return err
	}
	t.Go(t.maintainClients)
	return nil
}

// Stop closes every connection and waits for their handlers
func (t *Transport) Stop(timeout time.Duration) error {
	t.closeAllClients()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.logger.Warn("WebSocket handlers did not exit within timeout")
	}
	return t.BaseService.Stop(timeout)
}

// ClientCount returns the number of open connections
func (t *Transport) ClientCount() int {
	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	return len(t.clients)
}

func (t *Transport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if t.Status() != service.StatusRunning {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(t.cfg.MaxRequestSize)

	c := &client{conn: conn, writeTimeout: t.cfg.WriteTimeout, connectedAt: time.Now()}
	c.lastPong.Store(time.Now())
	session := auth.NewSession(TransportName, r.RemoteAddr)
	c.frame = t.srv.NewConn(TransportName, session, c)

	t.clientsMu.Lock()
	t.clients[c] = struct{}{}
	t.clientsMu.Unlock()

	t.wg.Add(1)
	go t.handleClient(c)
}

// handleClient reads frames until the connection fails
func (t *Transport) handleClient(c *client) {
	defer t.wg.Done()
	defer t.removeClient(c)

	readTimeout := 2 * t.cfg.PingInterval
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now())
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := c.frame.HandleRaw(data); err != nil {
			t.logger.Debug("Closing connection", "remote", c.conn.RemoteAddr().String(), "reason", err)
			return
		}
	}
}

func (t *Transport) removeClient(c *client) {
	t.clientsMu.Lock()
	delete(t.clients, c)
	t.clientsMu.Unlock()
	c.frame.Close()
}

func (t *Transport) closeAllClients() {
	t.clientsMu.RLock()
	clients := make([]*client, 0, len(t.clients))
	for c := range t.clients {
		clients = append(clients, c)
	}
	t.clientsMu.RUnlock()
	for _, c := range clients {
		_ = c.Close()
	}
}

// maintainClients pings every connection each PingInterval
func (t *Transport) maintainClients(done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.pingClients()
		}
	}
}

func (t *Transport) pingClients() {
	t.clientsMu.RLock()
	clients := make([]*client, 0, len(t.clients))
	for c := range t.clients {
		if !c.closed.Load() {
			clients = append(clients, c)
		}
	}
	t.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.ping(); err != nil {
			t.logger.Debug("Ping failed", "remote", c.conn.RemoteAddr().String(), "error", err)
			_ = c.Close()
		}
	}
}

// WriteFrame implements gateway.Writer
func (c *client) WriteFrame(f gateway.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "websocket", "WriteFrame", "encode frame")
	}
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close implements gateway.Writer; it unblocks the read loop
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMutex.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMutex.Unlock()
		_ = c.conn.Close()
	})
	return nil
}
