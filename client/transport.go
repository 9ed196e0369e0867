package client

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/gateway/unixsock"
	"github.com/truenas/middlewared/pkg/tlsutil"
)

// wire moves encoded frames over one connection. Writes are serialized by
// the implementation; reads happen on a single goroutine.
type wire interface {
	read() ([]byte, error)
	write(data []byte) error
	close() error
}

type wsWire struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWire) read() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsWire) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWire) close() error {
	w.mu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.mu.Unlock()
	return w.conn.Close()
}

type unixWire struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

func (w *unixWire) read() ([]byte, error) {
	return unixsock.ReadFrame(w.r)
}

func (w *unixWire) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return unixsock.WriteFrame(w.conn, data)
}

func (w *unixWire) close() error {
	return w.conn.Close()
}

// DialWebSocket connects to a WebSocket endpoint such as
// ws://host/api/current and completes the connect handshake
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	dialer := &websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
	}
	if o.tls != nil {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(*o.tls)
		if err != nil {
			return nil, errors.WrapInvalid(err, "client", "DialWebSocket", "load TLS config")
		}
		dialer.TLSClientConfig = tlsConfig
	}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "client", "DialWebSocket", "dial "+url)
	}
	conn.SetReadLimit(o.maxFrame)
	return start(ctx, &wsWire{conn: conn}, o)
}

// DialUnix connects to the local UNIX socket at path and completes the
// connect handshake. The session is authenticated from the caller's uid.
func DialUnix(ctx context.Context, path string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.WrapTransient(err, "client", "DialUnix", "dial "+path)
	}
	return start(ctx, &unixWire{conn: conn, r: bufio.NewReader(conn)}, o)
}
