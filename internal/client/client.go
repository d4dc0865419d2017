// Package client keeps a control connection to the tunnel server, declares
// the configured exposures and serves the streams the server opens by
// dialing the matching local service.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/burrow/internal/auth"
	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/mux"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/wsconn"
)

var (
	ErrUpstreamUnavailable = errors.New("client: local service unavailable")
	ErrHeartbeatTimeout    = errors.New("client: heartbeat timeout")
)

// State of the client's control connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type Client struct {
	cfg    *config.ClientConfig
	byPort map[uint16]config.Exposure
	state  atomic.Int32

	mu        sync.Mutex
	sessionID string
	since     time.Time
	results   map[uint16]proto.ExposeResult
	retries   map[uint16]*backoff.Backoff
	attempts  int

	streamsActive    atomic.Int64
	streamsTotal     atomic.Int64
	upstreamFailures atomic.Int64
}

func New(cfg *config.ClientConfig) *Client {
	byPort := make(map[uint16]config.Exposure, len(cfg.Exposures))
	for _, e := range cfg.Exposures {
		byPort[uint16(e.RemotePort)] = e
	}
	return &Client{
		cfg:     cfg,
		byPort:  byPort,
		results: make(map[uint16]proto.ExposeResult),
		retries: make(map[uint16]*backoff.Backoff),
	}
}

func (c *Client) setState(s State) { c.state.Store(int32(s)) }
func (c *Client) State() State     { return State(c.state.Load()) }

// Run connects and keeps reconnecting with exponential backoff until ctx is
// done. It returns auth.ErrAuthFailed once the server rejected the token more
// than MaxAuthRetries times in a row; transport failures are retried forever.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: c.cfg.MaxRetryInterval, Factor: 2, Jitter: true}
	if b.Max < b.Min {
		b.Min = b.Max
	}
	authFailures := 0
	defer c.setState(StateDisconnected)
	for {
		c.setState(StateConnecting)
		established, err := c.runOnce(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			authFailures = 0
		}
		if errors.Is(err, auth.ErrAuthFailed) {
			authFailures++
			obs.Error("auth_failed", obs.Fields{"server": c.cfg.ControlAddr(), "failures": authFailures})
			obs.ErrorsTotal.WithLabelValues("auth").Inc()
			if authFailures > c.cfg.MaxAuthRetries {
				return fmt.Errorf("%w: rejected %d times", auth.ErrAuthFailed, authFailures)
			}
		}
		delay := b.Duration()
		c.setState(StateReconnecting)
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()
		f := obs.Fields{"server": c.cfg.ControlAddr(), "retry_in": delay.String()}
		if err != nil {
			f["err"] = err.Error()
		}
		obs.Warn("client.reconnect", f)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// runOnce runs one control connection to completion. established reports
// whether authentication succeeded.
func (c *Client) runOnce(ctx context.Context, b *backoff.Backoff) (established bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	c.setState(StateAuthenticating)
	rd := proto.NewReader(conn)
	sid, err := auth.Login(conn, rd, c.cfg.Token, c.cfg.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	b.Reset()

	var m *mux.Session
	m = mux.New(conn, rd, mux.Config{
		OnControl: func(msg proto.Message) error { return c.onControl(m, msg) },
		OnOpen:    c.serveStream,
	})
	c.mu.Lock()
	c.sessionID = sid
	c.since = time.Now()
	c.results = make(map[uint16]proto.ExposeResult)
	c.retries = make(map[uint16]*backoff.Backoff)
	c.mu.Unlock()
	c.setState(StateActive)
	obs.Info("session_opened", obs.Fields{"session": sid, "server": c.cfg.ControlAddr(), "exposures": len(c.cfg.Exposures)})

	stop := context.AfterFunc(ctx, func() { _ = m.Close() })
	defer stop()
	go c.declare(m)
	go c.heartbeat(m)

	err = m.Run()
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	obs.Info("session_closed", obs.Fields{"session": sid, "reason": fmt.Sprint(err)})
	return true, err
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	addr := c.cfg.ControlAddr()
	nd := &net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	switch c.cfg.Transport {
	case config.TransportTLS:
		tlsCfg, err := c.cfg.TLS.ClientTLS(c.cfg.ServerAddr)
		if err != nil {
			return nil, err
		}
		d := &tls.Dialer{NetDialer: nd, Config: tlsCfg}
		return d.DialContext(ctx, "tcp", addr)
	case config.TransportWebSocket, config.TransportWSS:
		scheme := "ws"
		var tlsCfg *tls.Config
		if c.cfg.Transport == config.TransportWSS {
			scheme = "wss"
			var err error
			if tlsCfg, err = c.cfg.TLS.ClientTLS(c.cfg.ServerAddr); err != nil {
				return nil, err
			}
		}
		url := fmt.Sprintf("%s://%s%s", scheme, addr, c.cfg.WebSocketPath)
		return wsconn.Dial(ctx, url, tlsCfg, c.cfg.DialTimeout)
	}
	return nd.DialContext(ctx, "tcp", addr)
}

// declare sends one Expose per configured exposure.
func (c *Client) declare(m *mux.Session) {
	for _, e := range c.cfg.Exposures {
		if err := c.sendExpose(m, e); err != nil {
			return
		}
	}
}

func (c *Client) sendExpose(m *mux.Session, e config.Exposure) error {
	req := proto.Expose{RemotePort: uint16(e.RemotePort), Service: e.Service, Name: e.Name}
	err := m.Send(req.Message())
	if err != nil {
		obs.Debug("expose.send_failed", obs.Fields{"port": e.RemotePort, "err": err.Error()})
	}
	return err
}

// retryable reports whether a rejected exposure may bind later, e.g. once
// the server reaps a stale session of ours still holding the port.
func retryable(code proto.ResultCode) bool {
	return code == proto.CodePortInUse || code == proto.CodeBindFailed
}

// retryExpose re-sends the Expose for port after a per-port backoff delay,
// as long as m is still the live session.
func (c *Client) retryExpose(m *mux.Session, port uint16) {
	e, ok := c.byPort[port]
	if !ok {
		return
	}
	c.mu.Lock()
	b := c.retries[port]
	if b == nil {
		b = &backoff.Backoff{Min: c.cfg.ExposeRetry, Max: c.cfg.MaxRetryInterval, Factor: 2, Jitter: true}
		if b.Max < b.Min {
			b.Max = b.Min
		}
		c.retries[port] = b
	}
	delay := b.Duration()
	c.mu.Unlock()
	obs.Info("exposure.retry", obs.Fields{"port": port, "retry_in": delay.String()})
	time.AfterFunc(delay, func() {
		select {
		case <-m.Done():
			return
		default:
		}
		_ = c.sendExpose(m, e)
	})
}

// heartbeat sends a Heartbeat every interval and drops the connection when
// the server has been silent for the heartbeat timeout.
func (c *Client) heartbeat(m *mux.Session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.Done():
			return
		case <-ticker.C:
			if idle := time.Since(m.LastActivity()); idle > c.cfg.HeartbeatTimeout {
				obs.Warn("heartbeat_timeout", obs.Fields{"server": c.cfg.ControlAddr(), "idle": idle.String()})
				m.CloseWithError(ErrHeartbeatTimeout)
				return
			}
			if err := m.Send(proto.Heartbeat()); err != nil {
				return
			}
		}
	}
}

func (c *Client) onControl(m *mux.Session, msg proto.Message) error {
	switch msg.Type {
	case proto.TypeHeartbeat:
		return nil
	case proto.TypeExposeResult:
		res, err := proto.ParseExposeResult(msg)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.results[res.RemotePort] = res
		if res.Code == proto.CodeOK {
			delete(c.retries, res.RemotePort)
		}
		c.mu.Unlock()
		e := c.byPort[res.RemotePort]
		if res.Code == proto.CodeOK {
			obs.Info("exposure_bound", obs.Fields{"port": res.RemotePort, "target": e.Target(), "service": e.Service, "name": e.Name})
			return nil
		}
		obs.Error("exposure_rejected", obs.Fields{"port": res.RemotePort, "code": res.Code.String(), "msg": res.Reason})
		obs.ErrorsTotal.WithLabelValues("expose_" + res.Code.String()).Inc()
		if retryable(res.Code) {
			c.retryExpose(m, res.RemotePort)
		}
		return nil
	}
	return fmt.Errorf("%w: unexpected %s from server", proto.ErrMalformed, msg.Type)
}

// serveStream handles one OpenStream from the server.
func (c *Client) serveStream(st *mux.Stream) {
	e, ok := c.byPort[st.RemotePort()]
	if !ok {
		obs.Warn("stream.unknown_port", obs.Fields{"stream": st.ID(), "port": st.RemotePort()})
		_ = st.Close()
		return
	}
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	local, err := d.Dial("tcp", e.Target())
	if err != nil {
		c.upstreamFailures.Add(1)
		err = fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, e.Target(), err)
		obs.Error("stream.upstream_unavailable", obs.Fields{"stream": st.ID(), "port": st.RemotePort(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("upstream").Inc()
		_ = st.Close()
		return
	}
	if err := st.Accept(); err != nil {
		_ = local.Close()
		return
	}
	c.streamsTotal.Add(1)
	c.streamsActive.Add(1)
	obs.Debug("stream_opened", obs.Fields{"stream": st.ID(), "port": st.RemotePort(), "target": e.Target()})
	start := time.Now()
	toLocal, fromLocal := mux.Relay(st, local)
	c.streamsActive.Add(-1)
	obs.Debug("stream_closed", obs.Fields{"stream": st.ID(), "port": st.RemotePort(), "bytes_in": toLocal, "bytes_out": fromLocal, "duration": time.Since(start).String()})
}
