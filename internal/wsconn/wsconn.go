// Package wsconn carries the control connection over WebSocket binary
// messages, for networks that only let HTTP(S) out.
package wsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/burrow/internal/obs"
)

var ErrListenerClosed = errors.New("wsconn: listener closed")

// Conn adapts a websocket.Conn to net.Conn. Frames written are sent as
// binary messages; reads consume messages as one byte stream.
type Conn struct {
	ws  *websocket.Conn
	r   io.Reader
	wmu sync.Mutex
}

func New(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

func (c *Conn) Read(b []byte) (int, error) {
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(b)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// Listener upgrades HTTP requests and hands the resulting conns to Accept.
// Mount it as an http.Handler on the control path.
type Listener struct {
	upgrader websocket.Upgrader
	addr     net.Addr
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
}

func NewListener(addr net.Addr) *Listener {
	return &Listener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		addr:  addr,
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Debug("ws.upgrade_failed", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		return
	}
	select {
	case l.conns <- New(ws):
	case <-l.done:
		_ = ws.Close()
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *Listener) Addr() net.Addr {
	if l.addr == nil {
		return &net.TCPAddr{IP: net.IPv4zero}
	}
	return l.addr
}

// Dial opens a WebSocket to url ("ws://" or "wss://").
func Dial(ctx context.Context, url string, tlsCfg *tls.Config, timeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		HandshakeTimeout: timeout,
		TLSClientConfig:  tlsCfg,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return New(ws), nil
}
