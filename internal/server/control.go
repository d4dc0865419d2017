package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/burrow/internal/auth"
	"github.com/matst80/burrow/internal/mux"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/registry"
)

// ConnState tracks a control connection through its lifetime.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type controlConn struct {
	srv    *Server
	conn   net.Conn
	remote string
	state  atomic.Int32

	mu   sync.Mutex
	sess *registry.Session
}

func (s *Server) newControlConn(c net.Conn) *controlConn {
	cc := &controlConn{srv: s, conn: c, remote: c.RemoteAddr().String()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	s.conns[cc] = struct{}{}
	s.wg.Add(1)
	return cc
}

func (cc *controlConn) setState(st ConnState) { cc.state.Store(int32(st)) }
func (cc *controlConn) State() ConnState      { return ConnState(cc.state.Load()) }

func (cc *controlConn) close() {
	cc.setState(StateClosing)
	_ = cc.conn.Close()
}

func (cc *controlConn) serve() {
	s := cc.srv
	defer func() {
		cc.setState(StateClosed)
		s.mu.Lock()
		delete(s.conns, cc)
		s.mu.Unlock()
	}()

	cc.setState(StateAuthenticating)
	rd := proto.NewReader(cc.conn)
	token, err := auth.ReadAuth(cc.conn, rd, s.cfg.HandshakeTimeout)
	if err != nil {
		obs.Warn("control.handshake_failed", obs.Fields{"remote": cc.remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("handshake").Inc()
		_ = cc.conn.Close()
		return
	}

	m := mux.New(cc.conn, rd, mux.Config{
		ChunkSize:      s.cfg.ChunkSize,
		QueueSize:      s.cfg.QueueSize,
		OnControl:      cc.onControl,
		OnStreamClosed: func(st *mux.Stream) { obs.Debug("stream.released", obs.Fields{"stream": st.ID()}) },
	})
	sess, err := s.reg.RegisterSession(token, m, cc.remote)
	if err != nil {
		s.authFailures.Add(1)
		obs.AuthFailuresTotal.Inc()
		obs.Warn("auth_failed", obs.Fields{"remote": cc.remote, "token": auth.Fingerprint(token)})
		_ = auth.WriteResult(cc.conn, false, "")
		_ = cc.conn.Close()
		return
	}
	cc.mu.Lock()
	cc.sess = sess
	cc.mu.Unlock()
	if err := auth.WriteResult(cc.conn, true, sess.ID); err != nil {
		obs.Error("control.auth_result", obs.Fields{"session": sess.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("control_write").Inc()
		s.reg.RemoveSession(sess)
		return
	}
	cc.setState(StateActive)
	obs.Info("session_opened", obs.Fields{"session": sess.ID, "remote": cc.remote, "token": sess.TokenFingerprint})

	stop := make(chan struct{})
	go cc.watchHeartbeat(m, stop)
	runErr := m.Run()
	close(stop)

	cc.setState(StateClosing)
	closed := s.reg.RemoveSession(sess)
	f := obs.Fields{
		"session":        sess.ID,
		"remote":         cc.remote,
		"listeners":      closed,
		"streams_opened": sess.StreamsOpened(),
		"duration":       time.Since(sess.Created).String(),
	}
	if runErr != nil && !errors.Is(runErr, mux.ErrSessionClosed) {
		f["reason"] = runErr.Error()
	}
	obs.Info("session_closed", f)
}

// onControl runs on the mux reader goroutine for every non-stream frame.
func (cc *controlConn) onControl(m proto.Message) error {
	cc.mu.Lock()
	sess := cc.sess
	cc.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("%w: %s before session registration", proto.ErrMalformed, m.Type)
	}
	switch m.Type {
	case proto.TypeHeartbeat:
		go func() { _ = sess.Mux.Send(proto.Heartbeat()) }()
		return nil
	case proto.TypeExpose:
		req, err := proto.ParseExpose(m)
		if err != nil {
			return err
		}
		res := cc.srv.expose(sess, req)
		go func() { _ = sess.Mux.Send(res.Message()) }()
		return nil
	}
	return fmt.Errorf("%w: unexpected %s from client", proto.ErrMalformed, m.Type)
}

// expose binds one requested exposure and starts its accept loop.
func (s *Server) expose(sess *registry.Session, req proto.Expose) proto.ExposeResult {
	res := proto.ExposeResult{RemotePort: req.RemotePort}
	service := req.Service
	if service == "" {
		service = "tcp"
	}
	exp := registry.Exposure{RemotePort: req.RemotePort, Service: service, Name: req.Name}
	ln, err := s.reg.BindExposure(sess, exp)
	if err != nil {
		res.Code = resultCode(err)
		res.Reason = err.Error()
		obs.Warn("exposure_rejected", obs.Fields{"session": sess.ID, "port": req.RemotePort, "code": res.Code.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("expose_" + res.Code.String()).Inc()
		return res
	}
	res.Code = proto.CodeOK
	obs.Info("exposure_bound", obs.Fields{"session": sess.ID, "port": req.RemotePort, "service": service, "name": req.Name})
	go s.acceptPublic(sess, exp, ln)
	return res
}

func resultCode(err error) proto.ResultCode {
	switch {
	case errors.Is(err, registry.ErrPortInUse):
		return proto.CodePortInUse
	case errors.Is(err, registry.ErrPortNotAllowed):
		return proto.CodePortNotAllowed
	case errors.Is(err, registry.ErrTooManyExposures):
		return proto.CodeTooManyExposures
	}
	return proto.CodeBindFailed
}

// watchHeartbeat closes the session when nothing was received for the
// heartbeat timeout.
func (cc *controlConn) watchHeartbeat(m *mux.Session, stop <-chan struct{}) {
	timeout := cc.srv.cfg.HeartbeatTimeout
	interval := timeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if idle := time.Since(m.LastActivity()); idle > timeout {
				obs.HeartbeatTimeoutsTotal.Inc()
				obs.Warn("heartbeat_timeout", obs.Fields{"remote": cc.remote, "idle": idle.String()})
				m.CloseWithError(ErrHeartbeatTimeout)
				return
			}
		}
	}
}
